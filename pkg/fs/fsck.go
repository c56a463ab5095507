package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// fsckAll checks all fstab entries with passno > 0 in pass order 1..9.
// Entries within one pass are independent devices and run concurrently;
// a non-zero result from a pass stops later passes. Returns true when any
// check reported uncorrected errors.
func (b *Bringup) fsckAll() bool {
	for pass := 1; pass < 10; pass++ {
		if rc := b.fsckPass(pass); rc != 0 {
			b.fsckErr = true
			return true
		}
	}
	return false
}

// fsckPass checks every entry of the given pass. An exit code above 1 is
// fatal: errors the checker could not correct, so drop to sulogin rather
// than mount a broken filesystem. Exit code 1 (errors corrected) lets the
// boot proceed but stops later passes.
func (b *Bringup) fsckPass(pass int) int {
	entries, err := LoadFstab(b.State.FstabPath)
	if err != nil {
		b.Logger.Error("Failed opening fstab %s: %v", b.State.FstabPath, err)
		b.Sulogin()
		return 0
	}

	var (
		g   errgroup.Group
		rcs = make([]int, len(entries))
	)

	for i, e := range entries {
		if e.Passno == 0 || e.Passno != pass {
			continue
		}

		dev, ok := b.resolveDevice(e.Spec)
		if !ok {
			b.Logger.Debug("Cannot fsck %s, not a block device", e.Spec)
			continue
		}

		if b.mountedRW(e.File) {
			b.Logger.Debug("Skipping fsck of %s, already mounted rw on %s", dev, e.File)
			continue
		}

		idx, device := i, dev
		g.Go(func() error {
			rcs[idx] = b.runCmd("fsck", "-a", device)
			b.Logger.Progress(rcs[idx] <= 1, "Checking filesystem %s", device)
			return nil
		})
	}

	g.Wait()

	total := 0
	for i, rc := range rcs {
		if rc > 1 {
			b.Logger.Error("Failed fsck %s, attempting sulogin ...", entries[i].Spec)
			b.Sulogin()
		}
		total += rc
	}
	return total
}

// CheckDevice runs an immediate filesystem check of a single device, the
// legacy `check` directive. Unlike the fstab-driven passes an error here
// is not fatal.
func (b *Bringup) CheckDevice(dev string) {
	rc := b.runCmd("fsck", "-C", "-a", dev)
	b.Logger.Progress(rc <= 1, "Checking filesystem %s", dev)
}

// Passno reports the fstab passno for a device spec, or 0 when the device
// is not listed. The parser uses it to warn about check/fstab overlap.
func (b *Bringup) Passno(dev string) int {
	entries, err := LoadFstab(b.State.FstabPath)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.Spec == dev {
			return e.Passno
		}
	}
	return 0
}

// resolveDevice maps an fstab device spec to something fsck accepts.
// UUID= and LABEL= pass through (fsck resolves them itself), the kernel
// short form /dev/root is resolved via sysfs, and anything else must be
// an existing block device.
func (b *Bringup) resolveDevice(spec string) (string, bool) {
	if strings.HasPrefix(spec, "UUID=") || strings.HasPrefix(spec, "LABEL=") {
		return spec, true
	}

	var st unix.Stat_t
	if err := unix.Stat(spec, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFBLK {
		return spec, true
	}

	// Kernel short form for the root= device; the node may not exist,
	// so find the real device by major:minor.
	// https://bugs.busybox.net/show_bug.cgi?id=8891
	if spec == "/dev/root" {
		if real, ok := rootDevice(); ok {
			return real, true
		}
	}

	return "", false
}

// rootDevice finds the block device backing / by matching its major:minor
// against /sys/block/*/dev.
func rootDevice() (string, bool) {
	var st unix.Stat_t
	if err := unix.Stat("/", &st); err != nil {
		return "", false
	}

	dev := st.Dev
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		dev = st.Rdev
	}

	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return "", false
	}

	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join("/sys/block", e.Name(), "dev"))
		if err != nil {
			continue
		}

		want := fmt.Sprintf("%d:%d", unix.Major(dev), unix.Minor(dev))
		if strings.TrimSpace(string(data)) == want {
			// Guess the node name, assuming no renaming.
			return "/dev/" + e.Name(), true
		}
	}

	return "", false
}
