package bitmap_test

import (
	"testing"

	gobitmap "github.com/boljen/go-bitmap"
	"github.com/kodeware/xv6fs/bitmap"
	"github.com/kodeware/xv6fs/bufcache"
	"github.com/kodeware/xv6fs/hostiface"
	"github.com/stretchr/testify/require"
)

type logStub struct {
	cache *bufcache.Cache
}

func (l *logStub) Write(buf *bufcache.Buf) {
	_ = l.cache.BWrite(buf)
}

// newTestAllocator builds an allocator whose bitmap lives in block 0 and
// covers blocks [0, totalBlocks). Block 0 is pre-marked allocated, exactly
// as a real mkfs would mark the bitmap's own block(s) in use, so Balloc
// never hands out the block the bitmap itself lives in.
func newTestAllocator(t *testing.T, totalBlocks uint32) (*bitmap.Allocator, *bufcache.Cache) {
	t.Helper()
	const blockSize = 64
	backing := make([][]byte, totalBlocks)
	for i := range backing {
		backing[i] = make([]byte, blockSize)
	}
	gobitmap.Bitmap(backing[0]).Set(0, true)

	fetch := func(blockno uint32, buf []byte) error {
		copy(buf, backing[blockno])
		return nil
	}
	flush := func(blockno uint32, buf []byte) error {
		copy(backing[blockno], buf)
		return nil
	}
	cache := bufcache.New(hostiface.New(), blockSize, fetch, flush)
	log := &logStub{cache: cache}
	return bitmap.New(cache, log, 0, 0, totalBlocks, blockSize), cache
}

func TestBallocReturnsDistinctBlocks(t *testing.T) {
	alloc, _ := newTestAllocator(t, 32)

	seen := map[uint32]bool{}
	for i := 0; i < 10; i++ {
		bno, err := alloc.Balloc()
		require.NoError(t, err)
		require.False(t, seen[bno], "block %d allocated twice", bno)
		seen[bno] = true

		isAlloc, err := alloc.Bisalloc(bno)
		require.NoError(t, err)
		require.True(t, isAlloc)
	}
}

func TestBfreeThenBisalloc(t *testing.T) {
	alloc, _ := newTestAllocator(t, 32)

	bno, err := alloc.Balloc()
	require.NoError(t, err)

	require.NoError(t, alloc.Bfree(bno))
	isAlloc, err := alloc.Bisalloc(bno)
	require.NoError(t, err)
	require.False(t, isAlloc)
}

func TestBfreeAlreadyFreePanics(t *testing.T) {
	alloc, _ := newTestAllocator(t, 32)

	bno, err := alloc.Balloc()
	require.NoError(t, err)
	require.NoError(t, alloc.Bfree(bno))

	require.Panics(t, func() {
		_ = alloc.Bfree(bno)
	})
}

func TestBallocExhaustion(t *testing.T) {
	alloc, _ := newTestAllocator(t, 4)

	// Block 0 is pre-allocated (it holds the bitmap itself), leaving 3 free.
	for i := 0; i < 3; i++ {
		_, err := alloc.Balloc()
		require.NoError(t, err)
	}

	_, err := alloc.Balloc()
	require.Error(t, err)
}
