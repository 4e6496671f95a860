package icache

import (
	"github.com/kodeware/xv6fs/ondisk"
	"github.com/kodeware/xv6fs/xerrors"
)

// Alloc scans the inode table for a free (type Empty) slot, claims it by
// writing the requested type to disk, and returns a handle to it. Mirrors
// xv6's ialloc: a linear scan over every inode in the filesystem, which is
// why NInodes is kept small (spec §4.4).
func (c *Cache) Alloc(typ uint16) (*Inode, error) {
	var d ondisk.DiskInode
	for inum := uint32(1); inum < c.sb.NInodes; inum++ {
		blockno := ondisk.IBlock(inum, c.sb)
		buf, err := c.blocks.Get(c.dev, blockno)
		if err != nil {
			return nil, err
		}
		offset := (inum % ondisk.IPB) * (ondisk.BSize / ondisk.IPB)
		recordSize := ondisk.BSize / ondisk.IPB
		d.Decode(buf.Data()[offset : offset+recordSize])

		if d.Type == ondisk.TypeEmpty {
			d = ondisk.DiskInode{Type: typ}
			d.Encode(buf.Data()[offset : offset+recordSize])
			c.log.Write(buf)
			c.blocks.Release(buf)
			return c.Get(c.dev, inum), nil
		}
		c.blocks.Release(buf)
	}
	return nil, xerrors.New(xerrors.OutOfSpace)
}

// NInodes returns the total number of inode slots the filesystem has room
// for, from the superblock.
func (c *Cache) NInodes() uint32 { return c.sb.NInodes }

// TypeOf reads inum's on-disk type tag directly, bypassing the inode cache
// table entirely. Unlike Inode.Lock, it never panics on TypeEmpty: it's
// meant for diagnostic tools that need to skim every inode slot including
// the free ones.
func (c *Cache) TypeOf(inum uint32) (uint16, error) {
	blockno := ondisk.IBlock(inum, c.sb)
	buf, err := c.blocks.Get(c.dev, blockno)
	if err != nil {
		return 0, err
	}
	defer c.blocks.Release(buf)

	offset := (inum % ondisk.IPB) * (ondisk.BSize / ondisk.IPB)
	recordSize := ondisk.BSize / ondisk.IPB
	var d ondisk.DiskInode
	d.Decode(buf.Data()[offset : offset+recordSize])
	return d.Type, nil
}
