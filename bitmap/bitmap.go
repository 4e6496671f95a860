// Package bitmap implements the on-disk free-block bitmap allocator: one bit
// per block on the device (bit i stands for absolute block i), packed across
// the bitmap blocks that follow the inode region (spec §3, §4.2). Unlike a typical in-memory allocator, the bits
// here live inside buffer-cache pages so every flip goes through the
// journal like any other metadata write.
package bitmap

import (
	gobitmap "github.com/boljen/go-bitmap"
	"github.com/kodeware/xv6fs/bufcache"
	"github.com/kodeware/xv6fs/xerrors"
)

// Logger is the minimal journal dependency: registering a dirty buffer so it
// commits atomically with everything else in the transaction.
type Logger interface {
	Write(buf *bufcache.Buf)
}

// Allocator manages the free-block bitmap for one device.
type Allocator struct {
	cache      *bufcache.Cache
	log        Logger
	dev        uint32
	bmapStart  uint32 // first block of the bitmap region
	totalBlocks uint32 // total data+meta blocks on the device (bit count)
	blockSize  uint
}

// New creates an Allocator over the bitmap region starting at bmapStart,
// covering totalBlocks bits (one per block on the device, spec §3).
func New(cache *bufcache.Cache, log Logger, dev uint32, bmapStart, totalBlocks uint32, blockSize uint) *Allocator {
	return &Allocator{
		cache:       cache,
		log:         log,
		dev:         dev,
		bmapStart:   bmapStart,
		totalBlocks: totalBlocks,
		blockSize:   blockSize,
	}
}

// bitsPerBlock is how many bits (and thus how many addressable blocks) one
// bitmap block covers.
func (a *Allocator) bitsPerBlock() uint32 {
	return uint32(a.blockSize) * 8
}

// blockAndBitFor returns which bitmap block holds the bit for data block bn,
// and the bit's offset within that block.
func (a *Allocator) blockAndBitFor(bn uint32) (blockIdx uint32, bitOffset int) {
	perBlock := a.bitsPerBlock()
	return a.bmapStart + bn/perBlock, int(bn % perBlock)
}

// Balloc scans the bitmap starting at the first block for the first zero
// bit, sets it, zero-fills the newly allocated data block, and returns its
// absolute block number. Both the bitmap write and the zero-fill are
// registered with the journal so they commit atomically.
func (a *Allocator) Balloc() (uint32, error) {
	perBlock := a.bitsPerBlock()
	numBitmapBlocks := (a.totalBlocks + perBlock - 1) / perBlock

	for bi := uint32(0); bi < numBitmapBlocks; bi++ {
		buf, err := a.cache.Get(a.dev, a.bmapStart+bi)
		if err != nil {
			return 0, err
		}

		bm := gobitmap.Bitmap(buf.Data())
		limit := perBlock
		if bi == numBitmapBlocks-1 {
			limit = a.totalBlocks - bi*perBlock
		}

		found := -1
		for bit := 0; bit < int(limit); bit++ {
			if !bm.Get(bit) {
				found = bit
				break
			}
		}

		if found < 0 {
			a.cache.Release(buf)
			continue
		}

		bm.Set(found, true)
		a.log.Write(buf)
		bno := bi*perBlock + uint32(found)
		a.cache.Release(buf)

		if err := a.zeroBlock(bno); err != nil {
			return 0, err
		}
		return bno, nil
	}

	return 0, xerrors.New(xerrors.OutOfSpace)
}

func (a *Allocator) zeroBlock(bno uint32) error {
	buf, err := a.cache.Get(a.dev, bno)
	if err != nil {
		return err
	}
	defer a.cache.Release(buf)

	data := buf.Data()
	for i := range data {
		data[i] = 0
	}
	a.log.Write(buf)
	return nil
}

// Bfree clears the bit for bno. It panics (the invariant-violation path,
// spec §7) if the block wasn't marked allocated — freeing an already-free
// block means bookkeeping has drifted from the bitmap, which the journal
// can't repair after the fact.
func (a *Allocator) Bfree(bno uint32) error {
	blockIdx, bitOffset := a.blockAndBitFor(bno)
	buf, err := a.cache.Get(a.dev, blockIdx)
	if err != nil {
		return err
	}
	defer a.cache.Release(buf)

	bm := gobitmap.Bitmap(buf.Data())
	if !bm.Get(bitOffset) {
		xerrors.Panic("bfree: block %d is already free", bno)
	}
	bm.Set(bitOffset, false)
	a.log.Write(buf)
	return nil
}

// AllocatedBlocks returns every block number currently marked allocated,
// in ascending order. Used by diagnostic tooling (spec §8's fsck check), not
// by any part of the hot path.
func (a *Allocator) AllocatedBlocks() ([]uint32, error) {
	perBlock := a.bitsPerBlock()
	numBitmapBlocks := (a.totalBlocks + perBlock - 1) / perBlock

	var out []uint32
	for bi := uint32(0); bi < numBitmapBlocks; bi++ {
		buf, err := a.cache.Get(a.dev, a.bmapStart+bi)
		if err != nil {
			return nil, err
		}
		bm := gobitmap.Bitmap(buf.Data())
		limit := perBlock
		if bi == numBitmapBlocks-1 {
			limit = a.totalBlocks - bi*perBlock
		}
		for bit := uint32(0); bit < limit; bit++ {
			if bm.Get(int(bit)) {
				out = append(out, bi*perBlock+bit)
			}
		}
		a.cache.Release(buf)
	}
	return out, nil
}

// Bisalloc is a read-only query used by the inode layer (icache's bmap) to
// detect an indirect entry that points at a block the bitmap no longer
// considers allocated — stale data left over from a partially-applied
// mkfs image or damage elsewhere, per spec §9.
func (a *Allocator) Bisalloc(bno uint32) (bool, error) {
	blockIdx, bitOffset := a.blockAndBitFor(bno)
	buf, err := a.cache.Get(a.dev, blockIdx)
	if err != nil {
		return false, err
	}
	defer a.cache.Release(buf)

	bm := gobitmap.Bitmap(buf.Data())
	return bm.Get(bitOffset), nil
}
