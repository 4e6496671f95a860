package icache

import "github.com/kodeware/xv6fs/ondisk"

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Read copies up to len(dst) bytes starting at offset into dst, stopping at
// EOF. It returns the number of bytes actually read.
func (g *Guard) Read(dst []byte, offset uint32) (uint32, error) {
	return g.readLocked(dst, offset, uint32(len(dst)))
}

func (g *Guard) readLocked(dst []byte, offset, count uint32) (uint32, error) {
	size := g.Size()
	if offset >= size {
		return 0, nil
	}
	if offset+count > size {
		count = size - offset
	}

	var total uint32
	for total < count {
		blockIdx := (offset + total) / ondisk.BSize
		blockOff := (offset + total) % ondisk.BSize

		bno, _, err := g.bmap(blockIdx, false)
		if err != nil {
			return total, err
		}

		n := minU32(ondisk.BSize-blockOff, count-total)
		if bno == 0 {
			for i := uint32(0); i < n; i++ {
				dst[total+i] = 0
			}
			total += n
			continue
		}

		buf, err := g.in.c.blocks.Get(g.in.dev, bno)
		if err != nil {
			return total, err
		}
		copy(dst[total:total+n], buf.Data()[blockOff:blockOff+n])
		g.in.c.blocks.Release(buf)
		total += n
	}
	return total, nil
}

// Write writes src at offset, growing the inode's size (and allocating new
// blocks as needed) if the write extends past the current end of file. Every
// touched block is registered with the journal, and when any bytes were
// written Write calls Update itself to persist the (possibly new) size.
func (g *Guard) Write(src []byte, offset uint32) (uint32, error) {
	n, err := g.writeLocked(src, offset, uint32(len(src)))
	if n > 0 {
		if uErr := g.Update(); uErr != nil && err == nil {
			err = uErr
		}
	}
	return n, err
}

func (g *Guard) writeLocked(src []byte, offset, count uint32) (uint32, error) {
	d := g.disk()
	if offset+count > ondisk.MaxFileBlocks*ondisk.BSize {
		count = ondisk.MaxFileBlocks*ondisk.BSize - offset
	}

	var total uint32
	for total < count {
		blockIdx := (offset + total) / ondisk.BSize
		blockOff := (offset + total) % ondisk.BSize

		bno, _, err := g.bmap(blockIdx, true)
		if err != nil {
			return total, err
		}

		n := minU32(ondisk.BSize-blockOff, count-total)
		buf, err := g.in.c.blocks.Get(g.in.dev, bno)
		if err != nil {
			return total, err
		}
		copy(buf.Data()[blockOff:blockOff+n], src[total:total+n])
		g.in.c.log.Write(buf)
		g.in.c.blocks.Release(buf)
		total += n
	}

	if offset+total > d.Size {
		d.Size = offset + total
	}
	return total, nil
}

// Truncate discards all of the inode's content: every data block (direct,
// single-indirect, and double-indirect) is freed and Size reset to 0.
// Truncate calls Update itself to persist the emptied inode.
func (g *Guard) Truncate() error {
	if err := g.truncateLocked(); err != nil {
		return err
	}
	return g.Update()
}

func (g *Guard) truncateLocked() error {
	d := g.disk()
	c := g.in.c

	for i := uint32(0); i < ondisk.NDirect; i++ {
		if d.Addrs[i] != 0 {
			if err := c.alloc.Bfree(d.Addrs[i]); err != nil {
				return err
			}
			d.Addrs[i] = 0
		}
	}

	if d.Addrs[ondisk.NDirect] != 0 {
		if _, err := g.freeIndirectFrom(d.Addrs[ondisk.NDirect], 0); err != nil {
			return err
		}
		d.Addrs[ondisk.NDirect] = 0
	}

	if d.Addrs[ondisk.NDirect+1] != 0 {
		outerBno := d.Addrs[ondisk.NDirect+1]
		outerBuf, err := c.blocks.Get(g.in.dev, outerBno)
		if err != nil {
			return err
		}
		for i := uint32(0); i < ondisk.NIndirect; i++ {
			inner := readIndirectEntry(outerBuf.Data(), i)
			if inner != 0 {
				if _, err := g.freeIndirectFrom(inner, 0); err != nil {
					c.blocks.Release(outerBuf)
					return err
				}
			}
		}
		c.blocks.Release(outerBuf)
		if err := c.alloc.Bfree(outerBno); err != nil {
			return err
		}
		d.Addrs[ondisk.NDirect+1] = 0
	}

	d.Size = 0
	return nil
}

// freeIndirectFrom frees every data block an indirect page references at or
// beyond entry index startIdx, zeroing those entries in the page. When
// startIdx is 0 every entry is drained, so the page itself is also freed and
// freeIndirectFrom reports that back via freedPage so the caller can clear
// the pointer that referenced it.
func (g *Guard) freeIndirectFrom(bno, startIdx uint32) (freedPage bool, err error) {
	c := g.in.c
	buf, err := c.blocks.Get(g.in.dev, bno)
	if err != nil {
		return false, err
	}
	dirty := false
	for i := startIdx; i < ondisk.NIndirect; i++ {
		addr := readIndirectEntry(buf.Data(), i)
		if addr != 0 {
			if err := c.alloc.Bfree(addr); err != nil {
				c.blocks.Release(buf)
				return false, err
			}
			writeIndirectEntry(buf.Data(), i, 0)
			dirty = true
		}
	}
	if dirty {
		c.log.Write(buf)
	}
	c.blocks.Release(buf)

	if startIdx != 0 {
		return false, nil
	}
	return true, c.alloc.Bfree(bno)
}

// satSub returns a-b, saturating at 0 instead of wrapping.
func satSub(a, b uint32) uint32 {
	if a <= b {
		return 0
	}
	return a - b
}

// SetSize truncates or extends the inode to exactly newSize bytes. Shrinking
// frees whole blocks beyond the new size; bytes past the new size inside the
// last kept block are left as they were. Growing writes zeros over the whole
// new region, so those leftover bytes never become visible again.
func (g *Guard) SetSize(newSize uint32) error {
	d := g.disk()
	if newSize == d.Size {
		return nil
	}
	if newSize > d.Size {
		zero := make([]byte, newSize-d.Size)
		if _, err := g.writeLocked(zero, d.Size, uint32(len(zero))); err != nil {
			return err
		}
		return g.Update()
	}

	// Shrinking: free every whole block beyond the new size, keep the rest.
	// Freeing stops at the page granularity of the address table itself: an
	// indirect or double-indirect pointer block is only released once every
	// entry it holds has been drained, mirroring truncateLocked's full-file
	// case (spec §8's bitmap-consistency property requires pointer blocks to
	// be freed just like the leaves they address).
	newBlocks := (newSize + ondisk.BSize - 1) / ondisk.BSize
	if err := g.freeBlocksFrom(newBlocks); err != nil {
		return err
	}
	d.Size = newSize
	return g.Update()
}

// freeBlocksFrom frees every data block addressed at logical block index
// newBlocks or beyond, zeroing the address-table entries (direct, indirect,
// and double-indirect) that referenced them, and releasing the indirect or
// double-indirect pointer blocks themselves once fully drained.
func (g *Guard) freeBlocksFrom(newBlocks uint32) error {
	d := g.disk()
	c := g.in.c

	for i := newBlocks; i < ondisk.NDirect; i++ {
		if d.Addrs[i] != 0 {
			if err := c.alloc.Bfree(d.Addrs[i]); err != nil {
				return err
			}
			d.Addrs[i] = 0
		}
	}

	if d.Addrs[ondisk.NDirect] != 0 {
		freed, err := g.freeIndirectFrom(d.Addrs[ondisk.NDirect], satSub(newBlocks, ondisk.NDirect))
		if err != nil {
			return err
		}
		if freed {
			d.Addrs[ondisk.NDirect] = 0
		}
	}

	if d.Addrs[ondisk.NDirect+1] != 0 {
		outerBno := d.Addrs[ondisk.NDirect+1]
		doubleStart := uint32(ondisk.NDirect) + ondisk.NIndirect
		outerBuf, err := c.blocks.Get(g.in.dev, outerBno)
		if err != nil {
			return err
		}
		outerDirty := false
		for i := uint32(0); i < ondisk.NIndirect; i++ {
			inner := readIndirectEntry(outerBuf.Data(), i)
			if inner == 0 {
				continue
			}
			pageStart := doubleStart + i*ondisk.NIndirect
			if newBlocks >= pageStart+ondisk.NIndirect {
				continue // every block this inner page addresses survives
			}
			freed, err := g.freeIndirectFrom(inner, satSub(newBlocks, pageStart))
			if err != nil {
				c.blocks.Release(outerBuf)
				return err
			}
			if freed {
				writeIndirectEntry(outerBuf.Data(), i, 0)
				outerDirty = true
			}
		}
		if outerDirty {
			c.log.Write(outerBuf)
		}
		c.blocks.Release(outerBuf)
		if newBlocks <= doubleStart {
			if err := c.alloc.Bfree(outerBno); err != nil {
				return err
			}
			d.Addrs[ondisk.NDirect+1] = 0
		}
	}

	return nil
}
