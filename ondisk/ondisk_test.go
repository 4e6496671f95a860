package ondisk_test

import (
	"testing"

	"github.com/kodeware/xv6fs/ondisk"
	"github.com/stretchr/testify/require"
)

func TestDiskInodeRoundTrip(t *testing.T) {
	in := ondisk.DiskInode{Type: ondisk.TypeFile, NLink: 1, Size: 4096}
	in.Addrs[0] = 77
	in.Addrs[ondisk.NAddrs-1] = 99

	buf := make([]byte, ondisk.BSize/ondisk.IPB)
	in.Encode(buf)

	var out ondisk.DiskInode
	out.Decode(buf)
	require.Equal(t, in, out)
}

func TestDirEntryNameTruncatesAndRoundTrips(t *testing.T) {
	var e ondisk.DirEntry
	e.Inum = 5
	e.SetName("this-name-is-definitely-too-long")

	require.Len(t, e.NameString(), ondisk.DirSiz)

	buf := make([]byte, ondisk.DirEntSize)
	e.Encode(buf)

	var out ondisk.DirEntry
	out.Decode(buf)
	require.Equal(t, e, out)
}

func TestDirEntryShortNameIsNulTerminated(t *testing.T) {
	var e ondisk.DirEntry
	e.SetName("a")
	require.Equal(t, "a", e.NameString())
	require.EqualValues(t, 0, e.Name[1])
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := ondisk.Superblock{
		Magic: ondisk.FSMagic, Size: 1000, NBlocks: 900, NInodes: 200,
		NLog: 30, LogStart: 2, InodeStart: 32, BmapStart: 50,
	}
	buf := make([]byte, ondisk.BSize)
	sb.Encode(buf)

	var out ondisk.Superblock
	out.Decode(buf)
	require.Equal(t, sb, out)
}
