package bufcache_test

import (
	"bytes"
	"testing"

	"github.com/kodeware/xv6fs/bufcache"
	"github.com/kodeware/xv6fs/hostiface"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, blockSize uint, totalBlocks uint32) (*bufcache.Cache, [][]byte) {
	t.Helper()
	backing := make([][]byte, totalBlocks)
	for i := range backing {
		backing[i] = make([]byte, blockSize)
	}

	fetch := func(blockno uint32, buf []byte) error {
		copy(buf, backing[blockno])
		return nil
	}
	flush := func(blockno uint32, buf []byte) error {
		copy(backing[blockno], buf)
		return nil
	}

	cache := bufcache.New(hostiface.New(), blockSize, fetch, flush)
	return cache, backing
}

func TestGetLoadsFromDeviceOnce(t *testing.T) {
	cache, backing := newTestCache(t, 16, 4)
	backing[1] = bytes.Repeat([]byte{0x42}, 16)

	buf, err := cache.Get(0, 1)
	require.NoError(t, err)
	require.Equal(t, backing[1], buf.Data())
	cache.Release(buf)

	// A second Get is served from the cache, not re-read from the device.
	backing[1] = bytes.Repeat([]byte{0x99}, 16)
	buf, err = cache.Get(0, 1)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0x42}, 16), buf.Data())
	cache.Release(buf)
}

func TestWriteIsVisibleWithoutFlushUntilBWrite(t *testing.T) {
	cache, backing := newTestCache(t, 16, 4)

	buf, err := cache.Get(0, 2)
	require.NoError(t, err)
	copy(buf.Data(), bytes.Repeat([]byte{0x7A}, 16))
	require.NotEqual(t, buf.Data(), backing[2])

	require.NoError(t, cache.BWrite(buf))
	require.Equal(t, buf.Data(), backing[2])
	cache.Release(buf)
}

func TestGetReturnsSameSlotForSameBlock(t *testing.T) {
	cache, _ := newTestCache(t, 16, 4)

	buf1, err := cache.Get(0, 3)
	require.NoError(t, err)
	cache.Release(buf1)

	buf2, err := cache.Get(0, 3)
	require.NoError(t, err)
	defer cache.Release(buf2)

	copy(buf1.Data(), []byte("hello"))
	require.Equal(t, []byte("hello"), buf2.Data()[:5])
}

func TestPinPreventsEviction(t *testing.T) {
	cache, _ := newTestCache(t, 8, bufcache.NBuf+5)

	buf, err := cache.Get(0, 0)
	require.NoError(t, err)
	copy(buf.Data(), []byte("pinned!!"))
	cache.Pin(buf)
	cache.Release(buf)

	// Touch more distinct blocks than the cache has slots to force the LRU
	// to cycle all the way around; block 0's slot must survive because it's
	// pinned, so its unflushed payload is still there afterwards.
	for i := uint32(1); i < bufcache.NBuf+5; i++ {
		b, err := cache.Get(0, i)
		require.NoError(t, err)
		cache.Release(b)
	}

	again, err := cache.Get(0, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("pinned!!"), again.Data())
	cache.Unpin(again)
	cache.Release(again)
}
