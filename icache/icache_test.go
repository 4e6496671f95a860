package icache_test

import (
	"testing"

	gobitmap "github.com/boljen/go-bitmap"
	"github.com/kodeware/xv6fs/bitmap"
	"github.com/kodeware/xv6fs/bufcache"
	"github.com/kodeware/xv6fs/hostiface"
	"github.com/kodeware/xv6fs/icache"
	"github.com/kodeware/xv6fs/journal"
	"github.com/kodeware/xv6fs/ondisk"
	"github.com/stretchr/testify/require"
)

const (
	testBlockSize  = ondisk.BSize
	testLogStart   = 2
	testLogSize    = 11 // 1 header + 10 data slots: room for one MaxOpBlocks transaction
	testBmapStart  = 13
	testInodeStart = 14
	testNInodes    = ondisk.IPB * 4
	testTotal      = 64
	rootInum       = 1
)

type fixture struct {
	cache *icache.Cache
	res   *icache.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backing := make([][]byte, testTotal)
	for i := range backing {
		backing[i] = make([]byte, testBlockSize)
	}
	fetch := func(blockno uint32, buf []byte) error {
		copy(buf, backing[blockno])
		return nil
	}
	flush := func(blockno uint32, buf []byte) error {
		copy(backing[blockno], buf)
		return nil
	}

	// Mark every block through the end of the inode region as allocated
	// before anything runs, mirroring what a real mkfs does: the bitmap
	// must never hand out a block that metadata already occupies.
	inodeBlocks := testNInodes / ondisk.IPB
	reserved := testInodeStart + inodeBlocks
	bm := gobitmap.Bitmap(backing[testBmapStart])
	for i := uint32(0); i < reserved; i++ {
		bm.Set(int(i), true)
	}

	host := hostiface.New()
	blocks := bufcache.New(host, testBlockSize, fetch, flush)

	sb := &ondisk.Superblock{
		Magic: ondisk.FSMagic, Size: testTotal, NInodes: testNInodes,
		NLog: testLogSize, LogStart: testLogStart,
		InodeStart: testInodeStart, BmapStart: testBmapStart,
	}

	log := journal.New(blocks, host, 0, testLogStart, testLogSize)
	require.NoError(t, log.Init())

	alloc := bitmap.New(blocks, log, 0, testBmapStart, testTotal, testBlockSize)

	cache := icache.New(blocks, log, alloc, sb, host, 0)

	// Bootstrap: the root directory occupies inode 1 and is its own parent.
	log.BeginOp()
	root, err := cache.Alloc(ondisk.TypeDirectory)
	require.NoError(t, err)
	require.EqualValues(t, rootInum, root.Inum)
	rg := root.Lock()
	rg.SetNLink(2)
	require.NoError(t, rg.Update())
	require.NoError(t, rg.DirLink(".", root.Inum))
	require.NoError(t, rg.DirLink("..", root.Inum))
	rg.Unlock()
	require.NoError(t, root.Put())
	require.NoError(t, log.EndOp())

	res := icache.NewResolver(cache, host, 0, rootInum)
	return &fixture{cache: cache, res: res}
}

func TestCreateAndLookupFile(t *testing.T) {
	f := newFixture(t)

	in, err := f.res.Create("/hello.txt", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, in)

	found, err := f.res.NameI("/hello.txt")
	require.NoError(t, err)
	require.Equal(t, in.Inum, found.Inum)
	require.NoError(t, found.Put())
	require.NoError(t, in.Put())
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	f := newFixture(t)

	in, err := f.res.Create("/data.bin", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)

	payload := make([]byte, ondisk.BSize*2+100)
	for i := range payload {
		payload[i] = byte(i)
	}

	g := in.Lock()
	n, err := g.Write(payload, 0)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), n)
	require.EqualValues(t, len(payload), g.Size())

	out := make([]byte, len(payload))
	n, err = g.Read(out, 0)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), n)
	require.Equal(t, payload, out)
	g.Unlock()
	require.NoError(t, in.Put())
}

func TestMkdirAndNestedCreate(t *testing.T) {
	f := newFixture(t)

	dir, err := f.res.Create("/sub", ondisk.TypeDirectory, 0, 0)
	require.NoError(t, err)
	require.NoError(t, dir.Put())

	child, err := f.res.Create("/sub/leaf.txt", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)
	require.NoError(t, child.Put())

	found, err := f.res.NameI("/sub/leaf.txt")
	require.NoError(t, err)
	g := found.Lock()
	require.Equal(t, uint16(ondisk.TypeFile), g.Type())
	g.Unlock()
	require.NoError(t, found.Put())
}

func TestRemoveFile(t *testing.T) {
	f := newFixture(t)

	in, err := f.res.Create("/gone.txt", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)
	require.NoError(t, in.Put())

	require.NoError(t, f.res.Remove("/gone.txt"))

	_, err = f.res.NameI("/gone.txt")
	require.Error(t, err)
}

func TestRemoveNonEmptyDirectoryClears(t *testing.T) {
	f := newFixture(t)

	dir, err := f.res.Create("/tree", ondisk.TypeDirectory, 0, 0)
	require.NoError(t, err)
	require.NoError(t, dir.Put())

	leaf, err := f.res.Create("/tree/leaf.txt", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)
	require.NoError(t, leaf.Put())

	require.NoError(t, f.res.Remove("/tree"))

	_, err = f.res.NameI("/tree")
	require.Error(t, err)
}

func TestRenameWithinSameDirectory(t *testing.T) {
	f := newFixture(t)

	in, err := f.res.Create("/old.txt", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)
	require.NoError(t, in.Put())

	require.NoError(t, f.res.Rename("/old.txt", "/new.txt"))

	_, err = f.res.NameI("/old.txt")
	require.Error(t, err)

	found, err := f.res.NameI("/new.txt")
	require.NoError(t, err)
	require.NoError(t, found.Put())
}

func TestRenameAcrossDirectories(t *testing.T) {
	f := newFixture(t)

	d1, err := f.res.Create("/a", ondisk.TypeDirectory, 0, 0)
	require.NoError(t, err)
	require.NoError(t, d1.Put())
	d2, err := f.res.Create("/b", ondisk.TypeDirectory, 0, 0)
	require.NoError(t, err)
	require.NoError(t, d2.Put())

	leaf, err := f.res.Create("/a/x.txt", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)
	require.NoError(t, leaf.Put())

	require.NoError(t, f.res.Rename("/a/x.txt", "/b/x.txt"))

	_, err = f.res.NameI("/a/x.txt")
	require.Error(t, err)

	found, err := f.res.NameI("/b/x.txt")
	require.NoError(t, err)
	require.NoError(t, found.Put())
}

func TestTruncateFreesBlocks(t *testing.T) {
	f := newFixture(t)

	in, err := f.res.Create("/big.bin", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)

	g := in.Lock()
	payload := make([]byte, ondisk.BSize*3)
	_, err = g.Write(payload, 0)
	require.NoError(t, err)
	require.NoError(t, g.Truncate())
	require.EqualValues(t, 0, g.Size())
	g.Unlock()
	require.NoError(t, in.Put())
}

func TestSetSizeGrowsWithZeros(t *testing.T) {
	f := newFixture(t)

	in, err := f.res.Create("/sparse.bin", ondisk.TypeFile, 0, 0)
	require.NoError(t, err)

	g := in.Lock()
	require.NoError(t, g.SetSize(ondisk.BSize+10))
	require.EqualValues(t, ondisk.BSize+10, g.Size())

	out := make([]byte, ondisk.BSize+10)
	n, err := g.Read(out, 0)
	require.NoError(t, err)
	require.EqualValues(t, len(out), n)
	for _, b := range out {
		require.EqualValues(t, 0, b)
	}
	g.Unlock()
	require.NoError(t, in.Put())
}
