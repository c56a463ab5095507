package fs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFstab = `
# /etc/fstab: static file system information
UUID=abcd-1234   /        ext4   defaults          1 1
/dev/sda2        /home    ext4   defaults,noatime  1 2
/dev/sda3        none     swap   sw                0 0
tmpfs            /tmp     tmpfs  mode=1777         0 0
/dev/sdb1        /mnt/da\040ta ext4 defaults       0 2

# short line is skipped
/dev/bad /only
`

func TestParseFstab(t *testing.T) {
	entries, err := ParseFstab(strings.NewReader(sampleFstab))
	require.NoError(t, err)
	require.Len(t, entries, 5)

	root := entries[0]
	assert.Equal(t, "UUID=abcd-1234", root.Spec)
	assert.Equal(t, "/", root.File)
	assert.Equal(t, "ext4", root.VFSType)
	assert.Equal(t, 1, root.Freq)
	assert.Equal(t, 1, root.Passno)

	home := entries[1]
	assert.Equal(t, 2, home.Passno)
	assert.True(t, home.HasOpt("noatime"))
	assert.False(t, home.HasOpt("no"), "HasOpt must match whole options")

	swap := entries[2]
	assert.Equal(t, "swap", swap.VFSType)
	assert.Equal(t, 0, swap.Passno)

	escaped := entries[4]
	assert.Equal(t, "/mnt/da ta", escaped.File)
}

func TestParseFstabEmpty(t *testing.T) {
	entries, err := ParseFstab(strings.NewReader("# only comments\n\n"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHasOptRO(t *testing.T) {
	e := Entry{Opts: "ro,noauto"}
	assert.True(t, e.HasOpt("ro"))
	assert.False(t, e.HasOpt("rw"))
}
