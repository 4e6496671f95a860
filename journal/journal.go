// Package journal implements the redo-log (write-ahead) journal that gives
// the engine crash consistency across multi-block operations (spec §4.5).
// A transaction is everything written between matching BeginOp/EndOp calls;
// EndOp's Commit makes the whole transaction durable atomically by writing
// a header whose nonzero length is the only durable signal that a replay is
// needed.
package journal

import (
	"encoding/binary"

	"github.com/hashicorp/go-multierror"
	"github.com/kodeware/xv6fs/bufcache"
	"github.com/kodeware/xv6fs/hostiface"
	"github.com/kodeware/xv6fs/xerrors"
)

// MaxOpBlocks is the maximum number of distinct blocks a single BeginOp/EndOp
// transaction may write. Mirrors xv6's MAXOPBLOCKS.
const MaxOpBlocks = 10

// Header is the on-disk log header: a length and the absolute block numbers
// the following LogSize-1 log slots shadow. A nonzero Len persisted on disk
// is, by itself, the entire "replay me" signal (spec §3).
type Header struct {
	Len      uint32
	BlockNos []uint32 // len(BlockNos) == capacity; only [:Len] are meaningful
}

func (h *Header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	off := 4
	for _, bn := range h.BlockNos {
		binary.LittleEndian.PutUint32(buf[off:off+4], bn)
		off += 4
	}
}

func (h *Header) decode(buf []byte) {
	h.Len = binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	for i := range h.BlockNos {
		h.BlockNos[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
}

// Log is the single global journal for one device. LogStart is the first
// block of the log region; it holds the header, and the following Size-1
// blocks are the log's data slots.
type Log struct {
	cache    *bufcache.Cache
	host     hostiface.Interface
	dev      uint32
	logStart uint32
	size     uint32 // total blocks in the log region, header included

	mu          mutex
	outstanding int  // number of BeginOp calls not yet matched by EndOp
	committing  bool
	lh          Header
}

// mutex is the bookkeeping spin-lock over the in-memory log state, held only
// for O(1) operations (spec §5).
type mutex struct {
	ch   hostiface.ChannelID
	held bool
}

// New wires up a Log over the log region [logStart, logStart+size) of dev,
// without touching the disk. Call Init to recover a prior transaction.
func New(cache *bufcache.Cache, host hostiface.Interface, dev, logStart, size uint32) *Log {
	l := &Log{
		cache:    cache,
		host:     host,
		dev:      dev,
		logStart: logStart,
		size:     size,
	}
	l.mu.ch = host.NewChannel()
	l.lh.BlockNos = make([]uint32, size-1)
	return l
}

func (l *Log) lock() {
	for l.mu.held {
		l.host.SleepCurProc(l.mu.ch)
	}
	l.mu.held = true
}

func (l *Log) unlock() {
	l.mu.held = false
	l.host.Wakeup(l.mu.ch)
}

// Init reads the on-disk header and, if it shows a pending transaction
// (Len > 0), replays it before the filesystem is considered mounted. This
// is what makes the journal idempotent under a crash at any point: if the
// header's Len made it to disk, every block it names is present in a log
// slot and gets reinstalled; if Len never made it to disk, nothing happens
// because there's nothing to undo in a redo log.
func (l *Log) Init() error {
	headerBuf, err := l.cache.Get(l.dev, l.logStart)
	if err != nil {
		return err
	}
	l.lh.decode(headerBuf.Data())
	l.cache.Release(headerBuf)

	if l.lh.Len > 0 {
		if err := l.installTrans(true); err != nil {
			return err
		}
		if err := l.emptyHead(); err != nil {
			return err
		}
	}
	return nil
}

// BeginOp marks the start of one filesystem-call transaction. It blocks
// while a commit is in progress, or while admitting this call's worst-case
// MaxOpBlocks writes could overflow the log's capacity (spec §9, "Begin-op
// throttling") — the condition guards against concurrent callers exceeding
// the log and hitting the panic in Write.
func (l *Log) BeginOp() {
	l.lock()
	for {
		if l.committing {
			l.unlock()
			l.host.SleepCurProc(l.channelForWaiters())
			l.lock()
			continue
		}
		if int(l.lh.Len)+(l.outstanding+1)*MaxOpBlocks > int(l.size-1) {
			l.unlock()
			l.host.SleepCurProc(l.channelForWaiters())
			l.lock()
			continue
		}
		l.outstanding++
		l.unlock()
		return
	}
}

// channelForWaiters reuses the log's own mutex channel: anything waiting on
// log capacity or a commit retries its check whenever the mutex is released,
// since both conditions are only ever cleared while holding it.
func (l *Log) channelForWaiters() hostiface.ChannelID {
	return l.mu.ch
}

// EndOp marks the end of one transaction. The last outstanding caller to
// leave triggers Commit; earlier callers just decrement the counter,
// allowing transactions to be nested/batched by concurrent callers of
// BeginOp/EndOp (spec §9's resolved Open Question).
func (l *Log) EndOp() error {
	l.lock()
	l.outstanding--
	doCommit := false
	if l.committing {
		xerrors.Panic("journal: EndOp called while a commit is already in progress")
	}
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		// Wake any BeginOp callers who were waiting on capacity headroom
		// that this EndOp may have freed up.
		l.unlock()
		l.host.Wakeup(l.mu.ch)
		return nil
	}
	l.unlock()

	var err error
	if doCommit {
		err = l.commit()
		l.lock()
		l.committing = false
		l.unlock()
		l.host.Wakeup(l.mu.ch)
	}
	return err
}

// Write registers buf as part of the current transaction: if the block is
// already logged this transaction, the duplicate write is absorbed (the
// buffer is simply left pinned, unchanged); otherwise it's pinned so the
// cache can't evict it before commit and appended to the header.
func (l *Log) Write(buf *bufcache.Buf) {
	l.lock()
	defer l.unlock()

	for i := uint32(0); i < l.lh.Len; i++ {
		if l.lh.BlockNos[i] == buf.Blockno {
			return // absorption
		}
	}

	if l.lh.Len >= uint32(len(l.lh.BlockNos)) {
		xerrors.Panic("journal: too many blocks in one transaction (max %d)", len(l.lh.BlockNos))
	}

	l.cache.Pin(buf)
	l.lh.BlockNos[l.lh.Len] = buf.Blockno
	l.lh.Len++
}

// commit performs the four-phase atomic commit described in spec §4.5.
func (l *Log) commit() error {
	l.lock()
	n := l.lh.Len
	l.unlock()

	if n == 0 {
		return nil
	}

	if err := l.writeLog(); err != nil {
		return err
	}
	if err := l.writeHead(); err != nil {
		return err
	}
	if err := l.installTrans(false); err != nil {
		return err
	}
	return l.emptyHead()
}

// writeLog copies each logged in-cache buffer into its shadow slot in the
// log region and flushes it. This happens before the header is written, so
// if we crash here the header on disk still shows Len == 0 and recovery
// sees no pending transaction.
func (l *Log) writeLog() error {
	var errs *multierror.Error
	for i := uint32(0); i < l.lh.Len; i++ {
		from, err := l.cache.Get(l.dev, l.lh.BlockNos[i])
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		to, err := l.cache.Get(l.dev, l.logStart+1+i)
		if err != nil {
			l.cache.Release(from)
			errs = multierror.Append(errs, err)
			continue
		}

		copy(to.Data(), from.Data())
		err = l.cache.BWrite(to)
		l.cache.Release(to)
		l.cache.Release(from)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// writeHead writes the header with its now-nonzero Len and flushes it. This
// single flush is the atomic commit point: once it's durable, the
// transaction WILL be applied, whether or not the process survives to run
// installTrans itself.
func (l *Log) writeHead() error {
	buf, err := l.cache.Get(l.dev, l.logStart)
	if err != nil {
		return err
	}
	defer l.cache.Release(buf)

	l.lock()
	l.lh.encode(buf.Data())
	l.unlock()
	return l.cache.BWrite(buf)
}

// installTrans copies each logged block from its log slot to its home
// location and flushes it. During normal commit, each buffer is unpinned as
// its home copy becomes durable, so the cache can evict it again. During
// recovery (recovering == true) there's nothing pinned to release.
func (l *Log) installTrans(recovering bool) error {
	var errs *multierror.Error
	for i := uint32(0); i < l.lh.Len; i++ {
		logBuf, err := l.cache.Get(l.dev, l.logStart+1+i)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		homeBuf, err := l.cache.Get(l.dev, l.lh.BlockNos[i])
		if err != nil {
			l.cache.Release(logBuf)
			errs = multierror.Append(errs, err)
			continue
		}

		copy(homeBuf.Data(), logBuf.Data())
		writeErr := l.cache.BWrite(homeBuf)
		if writeErr != nil {
			errs = multierror.Append(errs, writeErr)
		}

		if !recovering && writeErr == nil {
			l.cache.Unpin(homeBuf)
		}
		l.cache.Release(logBuf)
		l.cache.Release(homeBuf)
	}
	return errs.ErrorOrNil()
}

// emptyHead zeroes Len on disk, discarding the now-redundant log: the
// transaction is fully installed at its home blocks, so the log slots are
// free for reuse by the next transaction.
func (l *Log) emptyHead() error {
	buf, err := l.cache.Get(l.dev, l.logStart)
	if err != nil {
		return err
	}
	defer l.cache.Release(buf)

	l.lock()
	l.lh.Len = 0
	l.lh.encode(buf.Data())
	l.unlock()
	return l.cache.BWrite(buf)
}
