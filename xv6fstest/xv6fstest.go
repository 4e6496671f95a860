// Package xv6fstest provides test fixtures for exercising the filesystem
// engine end to end: a RAM-backed block device, a fully formatted image with
// its superblock/log/bitmap/inode regions laid out, and a ready-to-use
// resolver over it.
package xv6fstest

import (
	"crypto/rand"
	"testing"

	gobitmap "github.com/boljen/go-bitmap"
	"github.com/kodeware/xv6fs/bitmap"
	"github.com/kodeware/xv6fs/blockdev"
	"github.com/kodeware/xv6fs/bufcache"
	"github.com/kodeware/xv6fs/hostiface"
	"github.com/kodeware/xv6fs/icache"
	"github.com/kodeware/xv6fs/journal"
	"github.com/kodeware/xv6fs/ondisk"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// Dev is the only device number used in tests; the engine is single-device.
const Dev = 0

// RootInum is the inode number assigned to the filesystem root by Format.
const RootInum = 1

// CreateRandomImage returns bytesPerBlock*totalBlocks bytes of random data,
// suitable as the backing store for a device that isn't meant to start out
// zeroed.
func CreateRandomImage(t *testing.T, bytesPerBlock, totalBlocks uint) []byte {
	t.Helper()
	data := make([]byte, bytesPerBlock*totalBlocks)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to fill %d blocks of %d bytes with random data", totalBlocks, bytesPerBlock)
	return data
}

// NewRAMDevice wraps totalBlocks*blockSize bytes of in-memory storage as a
// blockdev.Device. If backing is nil, the device starts out zeroed.
func NewRAMDevice(t *testing.T, blockSize, totalBlocks uint, backing []byte) *blockdev.StreamDevice {
	t.Helper()
	if backing == nil {
		backing = make([]byte, blockSize*totalBlocks)
	}
	require.EqualValues(t, blockSize*totalBlocks, len(backing), "backing store is the wrong size")
	stream := bytesextra.NewReadWriteSeeker(backing)
	return blockdev.NewStreamDevice(stream, blockSize, uint32(totalBlocks))
}

// Layout describes where each filesystem region starts, in blocks.
type Layout struct {
	BlockSize   uint
	TotalBlocks uint32
	LogStart    uint32
	LogSize     uint32
	BmapStart   uint32
	InodeStart  uint32
	NInodes     uint32
}

// DefaultLayout returns a small but workable geometry: block 0 is the
// superblock, followed by the log, one bitmap block, then the inode region.
func DefaultLayout(totalBlocks uint32) Layout {
	const nInodes = ondisk.IPB * 8
	return Layout{
		BlockSize:   ondisk.BSize,
		TotalBlocks: totalBlocks,
		LogStart:    1,
		LogSize:     16,
		BmapStart:   17,
		InodeStart:  18,
		NInodes:     nInodes,
	}
}

// Mounted bundles every layer of a formatted, in-memory filesystem image.
type Mounted struct {
	Layout   Layout
	Device   *blockdev.StreamDevice
	Blocks   *bufcache.Cache
	Log      *journal.Log
	Bitmap   *bitmap.Allocator
	Inodes   *icache.Cache
	Resolver *icache.Resolver
	Host     hostiface.Interface
}

// Format builds a fresh, empty filesystem image over a RAM device using the
// default layout, with a root directory already allocated at RootInum, and
// every metadata block pre-marked allocated in the bitmap (mirroring what a
// real mkfs does before handing out its first data block).
func Format(t *testing.T, totalBlocks uint32) *Mounted {
	t.Helper()
	layout := DefaultLayout(totalBlocks)
	device := NewRAMDevice(t, layout.BlockSize, uint(totalBlocks), nil)

	fetch := func(blockno uint32, buf []byte) error { return device.ReadBlock(blockno, buf) }
	flush := func(blockno uint32, buf []byte) error { return device.WriteBlock(blockno, buf) }

	host := hostiface.New()
	blocks := bufcache.New(host, layout.BlockSize, fetch, flush)

	inodeBlocks := layout.NInodes / ondisk.IPB
	reserved := layout.InodeStart + inodeBlocks

	bmapBuf, err := blocks.Get(Dev, layout.BmapStart)
	require.NoError(t, err)
	bm := gobitmap.Bitmap(bmapBuf.Data())
	for i := uint32(0); i < reserved; i++ {
		bm.Set(int(i), true)
	}
	require.NoError(t, blocks.BWrite(bmapBuf))
	blocks.Release(bmapBuf)

	sb := &ondisk.Superblock{
		Magic:      ondisk.FSMagic,
		Size:       layout.TotalBlocks,
		NBlocks:    layout.TotalBlocks - reserved,
		NInodes:    layout.NInodes,
		NLog:       layout.LogSize,
		LogStart:   layout.LogStart,
		InodeStart: layout.InodeStart,
		BmapStart:  layout.BmapStart,
	}
	sbBuf, err := blocks.Get(Dev, 0)
	require.NoError(t, err)
	sb.Encode(sbBuf.Data())
	require.NoError(t, blocks.BWrite(sbBuf))
	blocks.Release(sbBuf)

	log := journal.New(blocks, host, Dev, layout.LogStart, layout.LogSize)
	require.NoError(t, log.Init())

	alloc := bitmap.New(blocks, log, Dev, layout.BmapStart, layout.TotalBlocks, layout.BlockSize)
	inodes := icache.New(blocks, log, alloc, sb, host, Dev)

	log.BeginOp()
	root, err := inodes.Alloc(ondisk.TypeDirectory)
	require.NoError(t, err)
	require.EqualValues(t, RootInum, root.Inum)
	rg := root.Lock()
	rg.SetNLink(2)
	require.NoError(t, rg.Update())
	require.NoError(t, rg.DirLink(".", root.Inum))
	require.NoError(t, rg.DirLink("..", root.Inum))
	rg.Unlock()
	require.NoError(t, root.Put())
	require.NoError(t, log.EndOp())

	resolver := icache.NewResolver(inodes, host, Dev, RootInum)

	return &Mounted{
		Layout: layout, Device: device, Blocks: blocks, Log: log,
		Bitmap: alloc, Inodes: inodes, Resolver: resolver, Host: host,
	}
}
