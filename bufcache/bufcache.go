// Package bufcache implements the fixed-size buffer cache the rest of the
// engine reads and writes all disk blocks through: a small set of
// block-sized buffers keyed by (dev, blockno), each with its own sleep lock,
// an LRU eviction order, and a pin counter the journal uses to keep dirty
// buffers resident until they're safely committed.
//
// All block numbers are absolute (superblock-relative), not per-inode
// logical offsets — that translation happens one layer up, in icache.
package bufcache

import (
	"github.com/kodeware/xv6fs/hostiface"
	"github.com/kodeware/xv6fs/xerrors"
)

// NBuf is the number of buffer slots in the cache. Fixed at compile time,
// like xv6's own NBUF.
const NBuf = 30

// FetchBlockFunc loads one block's worth of bytes from the device into buf.
type FetchBlockFunc func(blockno uint32, buf []byte) error

// FlushBlockFunc writes buf out to the device at blockno.
type FlushBlockFunc func(blockno uint32, buf []byte) error

// slot is one cache entry. The sleep lock guards `data` and `valid`; refs and
// the LRU linkage are guarded by the cache's own mutex (the spin-lock tier,
// in spec §5's terms).
type slot struct {
	dev     uint32
	blockno uint32
	inUse   bool // this slot currently names a (dev, blockno)
	valid   bool // data has been loaded from the device at least once
	refs    int
	pinned  int
	data    []byte

	lockCh ChannelID // waiters for the sleep lock park on this channel
	locked bool      // sleep lock: held iff true

	// LRU doubly linked list, intrusive within the fixed slot array. head is
	// least-recently-used.
	prev, next int
}

// ChannelID is re-exported so callers don't need to import hostiface just to
// spell the zero value.
type ChannelID = hostiface.ChannelID

// Cache is the fixed NBuf-slot buffer cache.
type Cache struct {
	host        hostiface.Interface
	mu          sleepMutex
	slots       [NBuf]slot
	lruHead     int // least recently used
	lruTail     int // most recently used
	blockSize   uint
	fetch       FetchBlockFunc
	flush       FlushBlockFunc
	lockChannel ChannelID
}

// sleepMutex is the bookkeeping "spin" lock over the slot table itself: it's
// only ever held for O(NBuf) scans, never across disk I/O, per spec §5.
type sleepMutex struct {
	ch   ChannelID
	held bool
}

// New creates a Cache with NBuf slots of blockSize bytes each, wired to the
// given fetch/flush callbacks (normally blockdev.Device.ReadBlock/WriteBlock).
func New(host hostiface.Interface, blockSize uint, fetch FetchBlockFunc, flush FlushBlockFunc) *Cache {
	c := &Cache{
		host:        host,
		blockSize:   blockSize,
		fetch:       fetch,
		flush:       flush,
		lockChannel: host.NewChannel(),
	}
	c.mu.ch = host.NewChannel()

	for i := range c.slots {
		c.slots[i].data = make([]byte, blockSize)
		c.slots[i].lockCh = host.NewChannel()
		c.slots[i].prev = i - 1
		c.slots[i].next = i + 1
	}
	c.lruHead = 0
	c.lruTail = NBuf - 1
	c.slots[c.lruTail].next = -1
	c.slots[c.lruHead].prev = -1
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

// unlinkLRU removes slot i from the LRU list.
func (c *Cache) unlinkLRU(i int) {
	s := &c.slots[i]
	if s.prev >= 0 {
		c.slots[s.prev].next = s.next
	} else {
		c.lruHead = s.next
	}
	if s.next >= 0 {
		c.slots[s.next].prev = s.prev
	} else {
		c.lruTail = s.prev
	}
	s.prev, s.next = -1, -1
}

// pushMRU appends slot i to the most-recently-used end.
func (c *Cache) pushMRU(i int) {
	s := &c.slots[i]
	s.prev = c.lruTail
	s.next = -1
	if c.lruTail >= 0 {
		c.slots[c.lruTail].next = i
	} else {
		c.lruHead = i
	}
	c.lruTail = i
}

// Buf is a handle to one cached, sleep-locked block buffer. Callers must
// call Release when done to drop the sleep lock and the reference.
type Buf struct {
	cache   *Cache
	index   int
	Blockno uint32
	Dev     uint32
}

// Data returns the block's payload. Valid only while the Buf's sleep lock is
// held, i.e. between Get/Lock and Release.
func (b *Buf) Data() []byte {
	return b.cache.slots[b.index].data
}

// Get returns the unique buffer for (dev, blockno), loading it from the
// device on first touch. The returned Buf holds the sleep lock: the caller
// has exclusive access to its payload until Release.
func (c *Cache) Get(dev, blockno uint32) (*Buf, error) {
	c.lockTable()

	// Scan for an existing entry.
	for i := range c.slots {
		s := &c.slots[i]
		if s.inUse && s.dev == dev && s.blockno == blockno {
			wasUnreferenced := s.refs == 0
			s.refs++
			if wasUnreferenced {
				c.unlinkLRU(i)
			}
			c.unlockTable()
			c.lockSlot(i)
			if err := c.ensureLoaded(i); err != nil {
				c.Release(&Buf{cache: c, index: i, Blockno: blockno, Dev: dev})
				return nil, err
			}
			return &Buf{cache: c, index: i, Blockno: blockno, Dev: dev}, nil
		}
	}

	// Not present: reuse the least-recently-used slot with refs==0 and
	// pinned==0, scanning from the LRU head.
	for i := c.lruHead; i >= 0; i = c.slots[i].next {
		s := &c.slots[i]
		if s.refs == 0 && s.pinned == 0 {
			s.dev = dev
			s.blockno = blockno
			s.inUse = true
			s.valid = false
			s.refs = 1
			c.unlinkLRU(i)
			c.unlockTable()

			c.lockSlot(i)
			if err := c.ensureLoaded(i); err != nil {
				c.Release(&Buf{cache: c, index: i, Blockno: blockno, Dev: dev})
				return nil, err
			}
			return &Buf{cache: c, index: i, Blockno: blockno, Dev: dev}, nil
		}
	}

	c.unlockTable()
	xerrors.Panic("buffer cache exhausted: all %d slots are pinned or referenced", NBuf)
	return nil, nil // unreachable
}

func (c *Cache) lockSlot(i int) {
	s := &c.slots[i]
	ch := s.lockCh
	for {
		c.lockTable()
		if !s.locked {
			s.locked = true
			c.unlockTable()
			return
		}
		c.unlockTable()
		c.host.SleepCurProc(ch)
	}
}

func (c *Cache) unlockSlotAndWake(i int) {
	s := &c.slots[i]
	c.lockTable()
	s.locked = false
	c.unlockTable()
	c.host.Wakeup(s.lockCh)
}

func (c *Cache) ensureLoaded(i int) error {
	s := &c.slots[i]
	if s.valid {
		return nil
	}
	if err := c.fetch(s.blockno, s.data); err != nil {
		return err
	}
	s.valid = true
	return nil
}

// BWrite flushes this buffer to the device synchronously, independent of the
// journal. Used by the journal itself to write log slots and home blocks.
func (c *Cache) BWrite(b *Buf) error {
	s := &c.slots[b.index]
	return c.flush(s.blockno, s.data)
}

// Pin marks a buffer as non-evictable. The journal pins a buffer for the
// duration it's referenced by a pending transaction.
func (c *Cache) Pin(b *Buf) {
	c.lockTable()
	c.slots[b.index].pinned++
	c.unlockTable()
}

// Unpin reverses a prior Pin.
func (c *Cache) Unpin(b *Buf) {
	c.lockTable()
	if c.slots[b.index].pinned > 0 {
		c.slots[b.index].pinned--
	}
	c.unlockTable()
}

// Release drops the sleep lock and the caller's reference. If this was the
// last reference, the slot moves to the most-recently-used end of the LRU
// list (recyclable once its pin count also reaches zero).
func (c *Cache) Release(b *Buf) {
	c.unlockSlotAndWake(b.index)

	c.lockTable()
	s := &c.slots[b.index]
	s.refs--
	if s.refs == 0 {
		c.pushMRU(b.index)
	}
	c.unlockTable()
}
