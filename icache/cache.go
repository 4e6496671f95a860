// Package icache implements the in-memory inode cache: reference-counted
// inode handles with sleep-lock-protected data, the block-address mapping
// (direct / single-indirect / double-indirect), directory management, and
// path resolution (spec §4.3, §4.4).
package icache

import (
	"github.com/hashicorp/go-multierror"
	"github.com/kodeware/xv6fs/bufcache"
	"github.com/kodeware/xv6fs/hostiface"
	"github.com/kodeware/xv6fs/ondisk"
	"github.com/kodeware/xv6fs/xerrors"
)

// NInode is the number of in-memory inode cache slots. Fixed at compile
// time, like xv6's NINODE.
const NInode = 50

// Logger is the journal dependency this package needs: register a dirty
// buffer with the current transaction, and (at the path-resolver level)
// delimit a transaction's boundaries.
type Logger interface {
	BeginOp()
	EndOp() error
	Write(buf *bufcache.Buf)
}

// Allocator is the bitmap dependency: allocate/free/query data blocks.
type Allocator interface {
	Balloc() (uint32, error)
	Bfree(bno uint32) error
	Bisalloc(bno uint32) (bool, error)
}

// slotMeta is the (dev, inum, refs) bookkeeping for one cache slot, guarded
// by Cache's own metadata mutex — never touches disk (spec §5).
type slotMeta struct {
	dev   uint32
	inum  uint32
	refs  int
}

// slotData is the per-slot cached copy of a disk inode, guarded by its own
// sleep lock so a holder may block on disk I/O while owning it.
type slotData struct {
	valid  bool
	inode  ondisk.DiskInode
	lockCh hostiface.ChannelID
	locked bool
}

// Cache is the fixed NInode-slot in-memory inode cache for one device.
type Cache struct {
	blocks *bufcache.Cache
	log    Logger
	alloc  Allocator
	sb     *ondisk.Superblock
	host   hostiface.Interface
	dev    uint32

	mu   tableMutex
	meta [NInode]slotMeta
	data [NInode]slotData
}

type tableMutex struct {
	ch   hostiface.ChannelID
	held bool
}

// New creates an inode cache bound to one device and superblock.
func New(
	blocks *bufcache.Cache,
	log Logger,
	alloc Allocator,
	sb *ondisk.Superblock,
	host hostiface.Interface,
	dev uint32,
) *Cache {
	c := &Cache{blocks: blocks, log: log, alloc: alloc, sb: sb, host: host, dev: dev}
	c.mu.ch = host.NewChannel()
	for i := range c.data {
		c.data[i].lockCh = host.NewChannel()
	}
	return c
}

func (c *Cache) lockTable() {
	for c.mu.held {
		c.host.SleepCurProc(c.mu.ch)
	}
	c.mu.held = true
}

func (c *Cache) unlockTable() {
	c.mu.held = false
	c.host.Wakeup(c.mu.ch)
}

// Inode is a reference-counted handle to one in-memory inode cache slot.
// Cloning bumps the refcount; dropping the last handle via Put releases the
// slot (and deletes the on-disk inode, if its link count has dropped to 0).
type Inode struct {
	c    *Cache
	dev  uint32
	Inum uint32
	idx  int
}

// Get returns a handle to the cached slot for (dev, inum), creating one if
// necessary. The slot's data isn't loaded from disk until Lock is called.
func (c *Cache) Get(dev, inum uint32) *Inode {
	c.lockTable()
	defer c.unlockTable()

	for i := range c.meta {
		if c.meta[i].refs > 0 && c.meta[i].dev == dev && c.meta[i].inum == inum {
			c.meta[i].refs++
			return &Inode{c: c, dev: dev, Inum: inum, idx: i}
		}
	}

	for i := range c.meta {
		if c.meta[i].refs == 0 {
			c.meta[i] = slotMeta{dev: dev, inum: inum, refs: 1}
			c.data[i].valid = false
			return &Inode{c: c, dev: dev, Inum: inum, idx: i}
		}
	}

	xerrors.Panic("inode cache exhausted: all %d slots are referenced", NInode)
	return nil // unreachable
}

// Clone bumps the handle's reference count; it never touches disk.
func (in *Inode) Clone() *Inode {
	in.c.lockTable()
	in.c.meta[in.idx].refs++
	in.c.unlockTable()
	return &Inode{c: in.c, dev: in.dev, Inum: in.Inum, idx: in.idx}
}

// Guard is a locked view of an inode's cached data. Obtained from
// Inode.Lock, it must be released with Unlock.
type Guard struct {
	in *Inode
}

func (c *Cache) lockSlot(i int) {
	ch := c.data[i].lockCh
	for {
		c.lockTable()
		if !c.data[i].locked {
			c.data[i].locked = true
			c.unlockTable()
			return
		}
		c.unlockTable()
		c.host.SleepCurProc(ch)
	}
}

func (c *Cache) unlockSlot(i int) {
	c.lockTable()
	c.data[i].locked = false
	ch := c.data[i].lockCh
	c.unlockTable()
	c.host.Wakeup(ch)
}

// Lock takes the per-slot sleep lock and, if this is the first lock since
// the slot was (re)claimed, loads the inode from disk. It panics if the
// loaded on-disk type is Empty: a live handle should never point at an
// unallocated inode.
func (in *Inode) Lock() *Guard {
	in.c.lockSlot(in.idx)
	d := &in.c.data[in.idx]
	if !d.valid {
		blockno := ondisk.IBlock(in.Inum, in.c.sb)
		buf, err := in.c.blocks.Get(in.dev, blockno)
		if err != nil {
			xerrors.Panic("icache: failed to read inode block %d: %s", blockno, err)
		}
		offset := (in.Inum % ondisk.IPB) * (ondisk.BSize / ondisk.IPB)
		recordSize := ondisk.BSize / ondisk.IPB
		d.inode.Decode(buf.Data()[offset : offset+recordSize])
		in.c.blocks.Release(buf)
		d.valid = true

		if d.inode.Type == ondisk.TypeEmpty {
			xerrors.Panic("icache: inode %d has no content (type Empty)", in.Inum)
		}
	}
	return &Guard{in: in}
}

// Unlock releases the per-slot sleep lock without affecting the refcount.
func (g *Guard) Unlock() {
	g.in.c.unlockSlot(g.in.idx)
}

// Inode returns the handle this guard was obtained from.
func (g *Guard) Inode() *Inode { return g.in }

func (g *Guard) disk() *ondisk.DiskInode {
	return &g.in.c.data[g.in.idx].inode
}

// Type returns the inode's on-disk type tag (ondisk.TypeFile, etc).
func (g *Guard) Type() uint16 { return g.disk().Type }

// Size returns the inode's current size in bytes.
func (g *Guard) Size() uint32 { return g.disk().Size }

// NLink returns the inode's current hard-link count.
func (g *Guard) NLink() uint16 { return g.disk().NLink }

// SetNLink overwrites the inode's link count. The caller must Update to
// persist the change.
func (g *Guard) SetNLink(n uint16) { g.disk().NLink = n }

// SetDevice sets the major/minor device numbers (device-node inodes only).
// The caller must Update to persist the change.
func (g *Guard) SetDevice(major, minor uint16) {
	d := g.disk()
	d.Major, d.Minor = major, minor
}

// Stat is the platform-independent snapshot a caller-facing stat() returns.
type Stat struct {
	Inum      uint32
	Type      uint16
	NLink     uint16
	Size      uint32
	NumBlocks uint32
}

// Stat returns a snapshot of this inode's metadata.
func (g *Guard) Stat() Stat {
	d := g.disk()
	return Stat{
		Inum:      g.in.Inum,
		Type:      d.Type,
		NLink:     d.NLink,
		Size:      d.Size,
		NumBlocks: (d.Size + ondisk.BSize - 1) / ondisk.BSize,
	}
}

// Update writes the cached disk inode back to its home block through the
// journal (spec §4.4 "update").
func (g *Guard) Update() error {
	in := g.in
	blockno := ondisk.IBlock(in.Inum, in.c.sb)
	buf, err := in.c.blocks.Get(in.dev, blockno)
	if err != nil {
		return err
	}
	offset := (in.Inum % ondisk.IPB) * (ondisk.BSize / ondisk.IPB)
	recordSize := ondisk.BSize / ondisk.IPB
	g.disk().Encode(buf.Data()[offset : offset+recordSize])
	in.c.log.Write(buf)
	in.c.blocks.Release(buf)
	return nil
}

// Put drops this handle. If it was the last live reference and the on-disk
// link count has reached 0, the inode's on-disk content is discarded: type
// is set to Empty and all its blocks are freed. Per spec §4.4, the caller
// must already be inside a transaction (BeginOp/EndOp) when the last
// reference to a deleted inode is dropped, since this writes to disk.
func (in *Inode) Put() error {
	c := in.c
	c.lockTable()
	refs := c.meta[in.idx].refs
	c.unlockTable()

	if refs == 1 {
		g := in.Lock()
		if g.disk().NLink == 0 {
			if err := g.truncateLocked(); err != nil {
				g.Unlock()
				return err
			}
			g.disk().Type = ondisk.TypeEmpty
			if err := g.Update(); err != nil {
				g.Unlock()
				return err
			}
			c.lockTable()
			c.data[in.idx].valid = false
			c.unlockTable()
		}
		g.Unlock()
	}

	c.lockTable()
	c.meta[in.idx].refs--
	c.unlockTable()
	return nil
}

// ClearDir recursively truncates and Empty-marks every non-dot child of
// this directory, unlinking each from this directory as it goes (spec
// §4.4). It reports every child removal failure it encounters, not only
// the first.
func (g *Guard) ClearDir() error {
	if g.Type() != ondisk.TypeDirectory {
		return xerrors.New(xerrors.TypeMismatch)
	}

	var errs *multierror.Error
	n := g.Size() / ondisk.DirEntSize
	for i := uint32(2); i < n; i++ {
		var ent ondisk.DirEntry
		entBuf := make([]byte, ondisk.DirEntSize)
		if _, err := g.readLocked(entBuf, i*ondisk.DirEntSize, ondisk.DirEntSize); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		ent.Decode(entBuf)
		if ent.Inum == 0 {
			continue
		}

		child := g.in.c.Get(g.in.dev, uint32(ent.Inum))
		cg := child.Lock()
		var childErr error
		if cg.Type() == ondisk.TypeDirectory {
			childErr = cg.ClearDir()
		}
		if childErr == nil {
			childErr = cg.truncateLocked()
		}
		if childErr == nil {
			cg.disk().Type = ondisk.TypeEmpty
			childErr = cg.Update()
		}
		cg.Unlock()
		if childErr != nil {
			errs = multierror.Append(errs, childErr)
		}

		if err := g.unlinkLocked(ent.NameString()); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := child.Put(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
