package fs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunlightlinux/rlinit/pkg/config"
	"github.com/sunlightlinux/rlinit/pkg/hook"
	"github.com/sunlightlinux/rlinit/pkg/logging"
)

// fixture wires a Bringup with every external effect mocked: commands,
// sulogin and the mount table.
type fixture struct {
	b        *Bringup
	sulogins int

	mu   sync.Mutex
	cmds [][]string
	rc   map[string]int // fsck rc per device argument
}

func newFixture(t *testing.T, fstab string) *fixture {
	t.Helper()
	dir := t.TempDir()

	fstabPath := filepath.Join(dir, "fstab")
	require.NoError(t, os.WriteFile(fstabPath, []byte(fstab), 0644))

	mountsPath := filepath.Join(dir, "mounts")
	require.NoError(t, os.WriteFile(mountsPath, nil, 0644))

	state := config.NewSystemState()
	state.FstabPath = fstabPath

	f := &fixture{rc: make(map[string]int)}
	f.b = NewBringup(state, logging.New(logging.LevelError), hook.NewRegistry(), func() { f.sulogins++ })
	f.b.mounts = mountsPath
	f.b.runCmd = func(argv ...string) int {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cmds = append(f.cmds, argv)
		if len(argv) > 0 {
			if rc, ok := f.rc[argv[len(argv)-1]]; ok {
				return rc
			}
		}
		return 0
	}

	return f
}

func (f *fixture) ranFsck(dev string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, argv := range f.cmds {
		if len(argv) > 1 && argv[0] == "fsck" && argv[len(argv)-1] == dev {
			return true
		}
	}
	return false
}

func TestFsckPassOrdering(t *testing.T) {
	f := newFixture(t, `
UUID=root  /      ext4 defaults 1 1
UUID=home  /home  ext4 defaults 1 2
UUID=data  /data  ext4 defaults 1 2
`)

	errored := f.b.fsckAll()
	assert.False(t, errored)
	assert.True(t, f.ranFsck("UUID=root"))
	assert.True(t, f.ranFsck("UUID=home"))
	assert.True(t, f.ranFsck("UUID=data"))
	assert.Zero(t, f.sulogins)
}

func TestFsckCorrectedErrorsStopLaterPasses(t *testing.T) {
	f := newFixture(t, `
UUID=root  /      ext4 defaults 1 1
UUID=home  /home  ext4 defaults 1 2
`)
	// rc 1: errors corrected, boot proceeds, later passes skipped.
	f.rc["UUID=root"] = 1

	errored := f.b.fsckAll()
	assert.True(t, errored)
	assert.True(t, f.ranFsck("UUID=root"))
	assert.False(t, f.ranFsck("UUID=home"), "pass 2 must not run after a non-zero pass 1")
	assert.Zero(t, f.sulogins, "rc 1 is not fatal")
}

func TestFsckFatalInvokesSulogin(t *testing.T) {
	f := newFixture(t, `
UUID=corrupt  /  ext4 defaults 1 1
`)
	f.rc["UUID=corrupt"] = 4

	f.b.fsckAll()
	assert.Equal(t, 1, f.sulogins, "fsck rc > 1 must drop to sulogin")
}

func TestFsckSkipsNonBlockDevices(t *testing.T) {
	f := newFixture(t, `
/dev/not-there  /mnt  ext4 defaults 1 1
`)

	errored := f.b.fsckAll()
	assert.False(t, errored)
	assert.False(t, f.ranFsck("/dev/not-there"))
}

func TestFsckSkipsPassnoZero(t *testing.T) {
	f := newFixture(t, `
UUID=nocheck  /data  ext4 defaults 0 0
tmpfs         /tmp   tmpfs mode=1777 0 0
`)

	f.b.fsckAll()
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.cmds, "nothing with passno 0 may be checked")
}

func TestPassno(t *testing.T) {
	f := newFixture(t, `
UUID=root  /      ext4 defaults 1 1
/dev/sda2  /home  ext4 defaults 1 2
`)

	assert.Equal(t, 1, f.b.Passno("UUID=root"))
	assert.Equal(t, 2, f.b.Passno("/dev/sda2"))
	assert.Equal(t, 0, f.b.Passno("/dev/unknown"))
}

func TestRemountRootHonorsRO(t *testing.T) {
	f := newFixture(t, `
UUID=root  /  ext4 ro,defaults 1 1
`)

	f.b.remountRoot(false)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.cmds, "ro root must not be remounted")
}

func TestRemountRootSkippedAfterFsckError(t *testing.T) {
	f := newFixture(t, `
UUID=root  /  ext4 defaults 1 1
`)

	f.b.remountRoot(true)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.cmds, "failed fsck must block the rw remount")
}

func TestRemountRoot(t *testing.T) {
	f := newFixture(t, `
UUID=root  /  ext4 defaults 1 1
`)

	f.b.remountRoot(false)
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.cmds, 1)
	assert.Equal(t, []string{"mount", "-n", "-o", "remount,rw", "/"}, f.cmds[0])
}

func TestMountedRW(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, os.WriteFile(f.b.mounts, []byte(
		"/dev/sda1 / ext4 rw,relatime 0 0\n/dev/sda2 /home ext4 ro 0 0\n"), 0644))

	assert.True(t, f.b.mounted("/"))
	assert.True(t, f.b.mountedRW("/"))
	assert.True(t, f.b.mounted("/home"))
	assert.False(t, f.b.mountedRW("/home"))
	assert.False(t, f.b.mounted("/nope"))
}
