package fs

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sunlightlinux/rlinit/pkg/config"
	"github.com/sunlightlinux/rlinit/pkg/hook"
	"github.com/sunlightlinux/rlinit/pkg/logging"
)

// Mockable syscall functions for testing.
var (
	mountFunc  = unix.Mount
	swaponFunc = unix.Swapon
	umaskFunc  = unix.Umask
)

// Bringup sequences the filesystem setup of early boot.
type Bringup struct {
	State  *config.SystemState
	Logger *logging.Logger
	Hooks  *hook.Registry

	// Sulogin is the unrecoverable-error fallback: single-user login,
	// reboot when the shell exits. Injected by the bootstrap driver.
	Sulogin func()

	// runCmd executes an external command (fsck, mount -a, swapon) and
	// returns its exit code. Mockable for tests.
	runCmd func(argv ...string) int

	fsckErr bool
	mounts  string // /proc/mounts override for tests
}

// NewBringup creates the filesystem bring-up sequencer.
func NewBringup(state *config.SystemState, logger *logging.Logger, hooks *hook.Registry, sulogin func()) *Bringup {
	b := &Bringup{
		State:   state,
		Logger:  logger,
		Hooks:   hooks,
		Sulogin: sulogin,
		mounts:  "/proc/mounts",
	}
	b.runCmd = b.runInteractive
	return b
}

// EarlyInit masks the writable bit for group/other and mounts /proc, /dev
// and /sys unless something (an initramfs, a container runtime) already
// did. EBUSY from the kernel means exactly that and is ignored.
func (b *Bringup) EarlyInit() {
	umaskFunc(022)

	pseudo := []struct {
		spec, file, vfstype string
	}{
		{"proc", "/proc", "proc"},
		{"devtmpfs", "/dev", "devtmpfs"},
		{"sysfs", "/sys", "sysfs"},
	}

	for _, fs := range pseudo {
		if b.mounted(fs.file) {
			continue
		}
		b.mount(fs.spec, fs.file, fs.vfstype, 0, "")
	}
}

// MountAll runs the full fstab sequence: fsck, remount root, mount -a,
// swap, tmpfs finalize. The fstab path comes from SystemState and falls
// back to the default; with neither present the only option left is
// sulogin.
func (b *Bringup) MountAll() {
	fstab := b.State.FstabPath
	if !fileExists(fstab) {
		b.Logger.Notice("Cannot find fstab %s, trying fallback ...", fstab)
		fstab = config.DefaultFstab
		b.State.FstabPath = fstab
	}
	if !fileExists(fstab) {
		b.Logger.Error("Missing system fstab %s, attempting sulogin ...", fstab)
		b.Sulogin()
		return
	}

	// fsck and the mount helpers expect this; leave it set for any
	// system tool run later with a non-default fstab.
	os.Setenv("FSTAB_FILE", fstab)

	if !b.State.Rescue {
		b.remountRoot(b.fsckAll())
	}

	b.Logger.Debug("Root FS up, calling hooks ...")
	b.Hooks.Run(hook.RootfsUp)

	args := []string{"mount", "-na"}
	if fstab != config.DefaultFstab {
		args = append(args, "-T", fstab)
	}
	if rc := b.runCmd(args...); rc != 0 {
		b.Logger.Progress(false, "Mounting filesystems from %s", fstab)
		b.Hooks.Run(hook.MountError)
	} else {
		b.Logger.Progress(true, "Mounting filesystems from %s", fstab)
	}

	b.Hooks.Run(hook.MountPost)

	b.swapOn()
	b.finalize()
}

// remountRoot remounts / read-write unless fstab lists it read-only or an
// earlier fsck failed.
func (b *Bringup) remountRoot(fsckErr bool) {
	entries, err := LoadFstab(b.State.FstabPath)
	if err != nil {
		return
	}

	var root *Entry
	for i := range entries {
		if entries[i].File == "/" {
			root = &entries[i]
			break
		}
	}

	// If / is not listed, or listed as 'ro', leave it alone.
	if root == nil || root.HasOpt("ro") {
		return
	}

	if fsckErr {
		b.Logger.Error("Cannot remount / read-write, fsck failed before")
		return
	}

	rc := b.runCmd("mount", "-n", "-o", "remount,rw", "/")
	b.Logger.Progress(rc == 0, "Remounting / as read-write")
}

// swapOn enables every swap entry in fstab.
func (b *Bringup) swapOn() {
	entries, err := LoadFstab(b.State.FstabPath)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.VFSType != "swap" {
			continue
		}
		err := swaponFunc(e.Spec, 0)
		b.Logger.Progress(err == nil, "Enabling swap %s", e.Spec)
		if err != nil {
			b.Logger.Warn("swapon %s: %v", e.Spec, err)
		}
	}
}

// finalize mounts the tmpfs set most systems expect, each only when
// nothing else has mounted it: /dev/shm, /dev/pts, /run (+/run/lock) and
// /tmp. Systems wanting full control list these in fstab, which has
// already been honored by mount -a.
func (b *Bringup) finalize() {
	if !b.mounted("/dev/shm") {
		os.MkdirAll("/dev/shm", 0777)
		b.mount("shm", "/dev/shm", "tmpfs", 0, "mode=0777")
	}

	if !b.mounted("/dev/pts") {
		gid := lookupGroupID("tty")
		opts := fmt.Sprintf("gid=%d,mode=620,ptmxmode=0666", gid)
		os.MkdirAll("/dev/pts", 0755)
		b.mount("devpts", "/dev/pts", "devpts", unix.MS_NOSUID|unix.MS_NOEXEC, opts)
	}

	if isDir("/run") && !b.mounted("/run") {
		b.mount("tmpfs", "/run", "tmpfs",
			unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC|unix.MS_RELATIME, "mode=0755,size=10%")

		// Capped tmpfs so filling /run/lock cannot exhaust /run.
		os.MkdirAll("/run/lock", 01777)
		b.mount("tmpfs", "/run/lock", "tmpfs",
			unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC|unix.MS_RELATIME, "mode=0777,size=5252880")
	}

	if !b.mounted("/tmp") {
		b.mount("tmpfs", "/tmp", "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777")
	}
}

// mount is the thin wrapper every mount goes through: failures other than
// EBUSY are logged, EBUSY means the kernel beat us to it.
func (b *Bringup) mount(src, tgt, vfstype string, flags uintptr, data string) {
	err := mountFunc(src, tgt, vfstype, flags, data)
	if err != nil && err != unix.EBUSY {
		b.Logger.Error("Failed mounting %s on %s: %v", src, tgt, err)
	}
}

// mounted checks /proc/mounts for the target. /proc/mounts is unique per
// chroot/container, which keeps this reliable when something ran before
// us.
func (b *Bringup) mounted(target string) bool {
	_, ok := b.mountInfo(target)
	return ok
}

// mountedRW returns true when target is mounted read-write.
func (b *Bringup) mountedRW(target string) bool {
	opts, ok := b.mountInfo(target)
	if !ok {
		return false
	}
	for _, opt := range strings.Split(opts, ",") {
		if opt == "rw" {
			return true
		}
	}
	return false
}

func (b *Bringup) mountInfo(target string) (opts string, ok bool) {
	f, err := os.Open(b.mounts)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 4 && unescapeFstab(fields[1]) == target {
			return fields[3], true
		}
	}
	return "", false
}

// runInteractive executes an external command with output on the console
// and returns its exit code.
func (b *Bringup) runInteractive(argv ...string) int {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		b.Logger.Error("Running %s: %v", argv[0], err)
		return -1
	}
	return 0
}

func lookupGroupID(name string) int {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0
	}
	return gid
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
