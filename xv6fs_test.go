package xv6fs_test

import (
	"testing"

	"github.com/kodeware/xv6fs"
	"github.com/kodeware/xv6fs/ondisk"
	"github.com/kodeware/xv6fs/xv6fstest"
	"github.com/stretchr/testify/require"
)

func newFormatted(t *testing.T) *xv6fs.FS {
	t.Helper()
	device := xv6fstest.NewRAMDevice(t, ondisk.BSize, 200, nil)
	opts := xv6fs.DefaultFormatOptions(device)
	fs, err := xv6fs.Format(device, opts)
	require.NoError(t, err)
	return fs
}

func TestFormatThenMountRoundTrip(t *testing.T) {
	device := xv6fstest.NewRAMDevice(t, ondisk.BSize, 200, nil)
	opts := xv6fs.DefaultFormatOptions(device)

	fs1, err := xv6fs.Format(device, opts)
	require.NoError(t, err)

	in, err := fs1.Create("/file.txt", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)
	require.NoError(t, in.Put())

	fs2, err := xv6fs.Mount(device)
	require.NoError(t, err)

	found, err := fs2.NameI("/file.txt")
	require.NoError(t, err)
	require.NoError(t, found.Put())
}

func TestCreateRemoveRename(t *testing.T) {
	fs := newFormatted(t)

	in, err := fs.Create("/a.txt", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)
	require.NoError(t, in.Put())

	require.NoError(t, fs.Rename("/a.txt", "/b.txt"))

	_, err = fs.NameI("/a.txt")
	require.Error(t, err)

	found, err := fs.NameI("/b.txt")
	require.NoError(t, err)
	require.NoError(t, found.Put())

	require.NoError(t, fs.Remove("/b.txt"))
	_, err = fs.NameI("/b.txt")
	require.Error(t, err)
}

func TestFSStatReportsGeometry(t *testing.T) {
	fs := newFormatted(t)
	stat := fs.FSStat()
	require.EqualValues(t, 200, stat.TotalBlocks)
	require.EqualValues(t, ondisk.BSize, stat.BlockSize)
	require.Greater(t, stat.TotalInodes, uint32(0))
	require.Greater(t, stat.DataBlocks, uint32(0))
}

func TestDirectoryTreeOperations(t *testing.T) {
	fs := newFormatted(t)

	dir, err := fs.Create("/docs", ondisk.TypeDirectory, 0, 0)
	require.NoError(t, err)
	require.NoError(t, dir.Put())

	child, err := fs.Create("/docs/readme.txt", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)

	g := child.Lock()
	n, err := g.Write([]byte("hello"), 0)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
	g.Unlock()
	require.NoError(t, child.Put())

	require.NoError(t, fs.Remove("/docs"))
	_, err = fs.NameI("/docs")
	require.Error(t, err)
}
