package icache

import (
	"encoding/binary"

	"github.com/kodeware/xv6fs/ondisk"
	"github.com/kodeware/xv6fs/xerrors"
)

// bmap translates a logical block index within the inode into an absolute
// device block number, allocating (and, per spec §4.4/§9, reallocating any
// data-block address the bitmap no longer shows as allocated — a "stale"
// entry) when allocate is true. Only the final data-block address is checked
// against the bitmap; the indirect and double-indirect pointer blocks on the
// way are trusted as they are. It reports the inode as dirty whenever it
// changes an address slot in the inode itself so the caller can Update.
func (g *Guard) bmap(index uint32, allocate bool) (uint32, bool, error) {
	d := g.disk()

	if index < ondisk.NDirect {
		addr := d.Addrs[index]
		stale, err := g.isStale(addr)
		if err != nil {
			return 0, false, err
		}
		if addr == 0 || stale {
			if !allocate {
				return 0, false, nil
			}
			bno, err := g.in.c.alloc.Balloc()
			if err != nil {
				return 0, false, err
			}
			d.Addrs[index] = bno
			return bno, true, nil
		}
		return addr, false, nil
	}
	index -= ondisk.NDirect

	if index < ondisk.NIndirect {
		return g.bmapIndirect(&d.Addrs[ondisk.NDirect], index, allocate)
	}
	index -= ondisk.NIndirect

	if index < ondisk.NIndirect*ondisk.NIndirect {
		outer := index / ondisk.NIndirect
		inner := index % ondisk.NIndirect
		return g.bmapDoubleIndirect(&d.Addrs[ondisk.NDirect+1], outer, inner, allocate)
	}

	return 0, false, xerrors.New(xerrors.OutOfRange)
}

// isStale reports whether addr is nonzero but the bitmap no longer shows it
// allocated — the filesystem-level indicator that this slot's prior content
// is gone and must be treated as a hole.
func (g *Guard) isStale(addr uint32) (bool, error) {
	if addr == 0 {
		return false, nil
	}
	ok, err := g.in.c.alloc.Bisalloc(addr)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func readIndirectEntry(buf []byte, i uint32) uint32 {
	return binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
}

func writeIndirectEntry(buf []byte, i uint32, v uint32) {
	binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
}

// bmapIndirect resolves one level of indirection: *slot names the block of
// NIndirect uint32 addresses, and the result is entry count within it.
func (g *Guard) bmapIndirect(slot *uint32, count uint32, allocate bool) (uint32, bool, error) {
	c := g.in.c
	selfDirty := false

	if *slot == 0 {
		if !allocate {
			return 0, false, nil
		}
		bno, err := c.alloc.Balloc()
		if err != nil {
			return 0, false, err
		}
		*slot = bno
		selfDirty = true
	}

	buf, err := c.blocks.Get(g.in.dev, *slot)
	if err != nil {
		return 0, selfDirty, err
	}

	addr := readIndirectEntry(buf.Data(), count)
	stale, err := g.isStale(addr)
	if err != nil {
		c.blocks.Release(buf)
		return 0, selfDirty, err
	}

	if addr == 0 || stale {
		if !allocate {
			c.blocks.Release(buf)
			return 0, selfDirty, nil
		}
		bno, err := c.alloc.Balloc()
		if err != nil {
			c.blocks.Release(buf)
			return 0, selfDirty, err
		}
		writeIndirectEntry(buf.Data(), count, bno)
		c.log.Write(buf)
		addr = bno
	}
	c.blocks.Release(buf)
	return addr, selfDirty, nil
}

// bmapDoubleIndirect resolves two levels: *slot names the block of NIndirect
// pointers to indirect blocks, outer selects which one, inner is the entry
// within it.
func (g *Guard) bmapDoubleIndirect(slot *uint32, outer, inner uint32, allocate bool) (uint32, bool, error) {
	c := g.in.c
	selfDirty := false

	if *slot == 0 {
		if !allocate {
			return 0, false, nil
		}
		bno, err := c.alloc.Balloc()
		if err != nil {
			return 0, false, err
		}
		*slot = bno
		selfDirty = true
	}

	outerBuf, err := c.blocks.Get(g.in.dev, *slot)
	if err != nil {
		return 0, selfDirty, err
	}

	innerBlock := readIndirectEntry(outerBuf.Data(), outer)
	if innerBlock == 0 {
		if !allocate {
			c.blocks.Release(outerBuf)
			return 0, selfDirty, nil
		}
		bno, err := c.alloc.Balloc()
		if err != nil {
			c.blocks.Release(outerBuf)
			return 0, selfDirty, err
		}
		writeIndirectEntry(outerBuf.Data(), outer, bno)
		c.log.Write(outerBuf)
		innerBlock = bno
	}
	c.blocks.Release(outerBuf)

	addr, _, err := g.bmapIndirect(&innerBlock, inner, allocate)
	return addr, selfDirty, err
}
