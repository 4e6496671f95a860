// Package xv6fs wires the block device, buffer cache, journal, bitmap
// allocator, and inode cache together into one mounted filesystem, and
// exposes the top-level operations a caller drives a mount with (spec §1,
// §4.1).
package xv6fs

import (
	gobitmap "github.com/boljen/go-bitmap"
	"github.com/kodeware/xv6fs/bitmap"
	"github.com/kodeware/xv6fs/blockdev"
	"github.com/kodeware/xv6fs/bufcache"
	"github.com/kodeware/xv6fs/hostiface"
	"github.com/kodeware/xv6fs/icache"
	"github.com/kodeware/xv6fs/journal"
	"github.com/kodeware/xv6fs/ondisk"
	"github.com/kodeware/xv6fs/xerrors"
)

// Dev is the device number assigned to the single backing device a FS mounts
// over. Every FS uses this same number; each FS has its own buffer and inode
// caches, so the number only has to be unique within one mount.
const Dev = 0

// RootInum is the inode number of the filesystem root.
const RootInum = 1

// FS is a mounted filesystem: the device plus every layer built on top of it.
type FS struct {
	device blockdev.Device
	host   hostiface.Interface
	blocks *bufcache.Cache
	log    *journal.Log
	bitmap *bitmap.Allocator
	inodes *icache.Cache
	path   *icache.Resolver
	sb     ondisk.Superblock
}

// Mount reads the superblock from device, replays any pending journal
// transaction left by an unclean shutdown, and returns a ready-to-use FS. The
// device's content must already have been formatted by Format.
func Mount(device blockdev.Device) (*FS, error) {
	host := hostiface.New()
	blocks := bufcache.New(
		host,
		device.BlockSize(),
		func(bn uint32, buf []byte) error { return device.ReadBlock(bn, buf) },
		func(bn uint32, buf []byte) error { return device.WriteBlock(bn, buf) },
	)

	sbBuf, err := blocks.Get(Dev, 0)
	if err != nil {
		return nil, err
	}
	var sb ondisk.Superblock
	sb.Decode(sbBuf.Data())
	blocks.Release(sbBuf)

	if sb.Magic != ondisk.FSMagic {
		return nil, xerrors.New(xerrors.CorruptState)
	}

	log := journal.New(blocks, host, Dev, sb.LogStart, sb.NLog)
	if err := log.Init(); err != nil {
		return nil, err
	}

	alloc := bitmap.New(blocks, log, Dev, sb.BmapStart, sb.Size, device.BlockSize())
	inodes := icache.New(blocks, log, alloc, &sb, host, Dev)
	path := icache.NewResolver(inodes, host, Dev, RootInum)

	return &FS{
		device: device, host: host, blocks: blocks, log: log,
		bitmap: alloc, inodes: inodes, path: path, sb: sb,
	}, nil
}

// FormatOptions controls the on-disk geometry Format lays out.
type FormatOptions struct {
	LogBlocks   uint32
	BitmapBlocks uint32
	InodeCount   uint32
}

// DefaultFormatOptions sizes the log, bitmap, and inode regions proportional
// to the device, using a minimum that keeps small images usable.
func DefaultFormatOptions(device blockdev.Device) FormatOptions {
	total := device.TotalBlocks()
	logBlocks := total / 20
	if logBlocks < journal.MaxOpBlocks+1 {
		logBlocks = journal.MaxOpBlocks + 1
	}
	inodeCount := (total / 4) - (total/4)%ondisk.IPB
	if inodeCount < ondisk.IPB {
		inodeCount = ondisk.IPB
	}
	bitsPerBlock := device.BlockSize() * 8
	bitmapBlocks := (uint(total) + bitsPerBlock - 1) / bitsPerBlock

	return FormatOptions{
		LogBlocks:    logBlocks,
		BitmapBlocks: uint32(bitmapBlocks),
		InodeCount:   inodeCount,
	}
}

// Format writes a fresh superblock and an empty root directory to device,
// discarding any prior content. Layout is: block 0 superblock, then the log
// region, then the inode table, then the bitmap, then data blocks.
func Format(device blockdev.Device, opts FormatOptions) (*FS, error) {
	host := hostiface.New()
	blocks := bufcache.New(
		host,
		device.BlockSize(),
		func(bn uint32, buf []byte) error { return device.ReadBlock(bn, buf) },
		func(bn uint32, buf []byte) error { return device.WriteBlock(bn, buf) },
	)

	logStart := uint32(1)
	inodeStart := logStart + opts.LogBlocks
	inodeBlocks := opts.InodeCount / ondisk.IPB
	bmapStart := inodeStart + inodeBlocks

	sb := ondisk.Superblock{
		Magic:      ondisk.FSMagic,
		Size:       device.TotalBlocks(),
		NBlocks:    device.TotalBlocks() - (bmapStart + opts.BitmapBlocks),
		NInodes:    opts.InodeCount,
		NLog:       opts.LogBlocks,
		LogStart:   logStart,
		InodeStart: inodeStart,
		BmapStart:  bmapStart,
	}

	sbBuf, err := blocks.Get(Dev, 0)
	if err != nil {
		return nil, err
	}
	sb.Encode(sbBuf.Data())
	if err := blocks.BWrite(sbBuf); err != nil {
		blocks.Release(sbBuf)
		return nil, err
	}
	blocks.Release(sbBuf)

	// Clear the log header so Init doesn't mistake leftover bytes for a
	// pending transaction.
	logHeadBuf, err := blocks.Get(Dev, logStart)
	if err != nil {
		return nil, err
	}
	for i := range logHeadBuf.Data() {
		logHeadBuf.Data()[i] = 0
	}
	if err := blocks.BWrite(logHeadBuf); err != nil {
		blocks.Release(logHeadBuf)
		return nil, err
	}
	blocks.Release(logHeadBuf)

	// Mark every metadata block (superblock, log, inode table, bitmap)
	// allocated before the bitmap is used for anything else.
	reserved := bmapStart + opts.BitmapBlocks
	if err := markReserved(blocks, bmapStart, opts.BitmapBlocks, device.BlockSize(), reserved); err != nil {
		return nil, err
	}

	log := journal.New(blocks, host, Dev, logStart, opts.LogBlocks)
	if err := log.Init(); err != nil {
		return nil, err
	}

	alloc := bitmap.New(blocks, log, Dev, bmapStart, sb.Size, device.BlockSize())
	inodes := icache.New(blocks, log, alloc, &sb, host, Dev)
	path := icache.NewResolver(inodes, host, Dev, RootInum)

	log.BeginOp()
	root, err := inodes.Alloc(ondisk.TypeDirectory)
	if err != nil {
		_ = log.EndOp()
		return nil, err
	}
	rg := root.Lock()
	rg.SetNLink(2)
	if err := rg.Update(); err != nil {
		rg.Unlock()
		_ = log.EndOp()
		return nil, err
	}
	if err := rg.DirLink(".", root.Inum); err != nil {
		rg.Unlock()
		_ = log.EndOp()
		return nil, err
	}
	if err := rg.DirLink("..", root.Inum); err != nil {
		rg.Unlock()
		_ = log.EndOp()
		return nil, err
	}
	rg.Unlock()
	if err := root.Put(); err != nil {
		_ = log.EndOp()
		return nil, err
	}
	if err := log.EndOp(); err != nil {
		return nil, err
	}

	return &FS{
		device: device, host: host, blocks: blocks, log: log,
		bitmap: alloc, inodes: inodes, path: path, sb: sb,
	}, nil
}

func markReserved(blocks *bufcache.Cache, bmapStart, bitmapBlocks uint32, blockSize uint, reserved uint32) error {
	bitsPerBlock := uint32(blockSize) * 8
	for bi := uint32(0); bi < bitmapBlocks; bi++ {
		buf, err := blocks.Get(Dev, bmapStart+bi)
		if err != nil {
			return err
		}
		bm := gobitmap.Bitmap(buf.Data())
		for bit := uint32(0); bit < bitsPerBlock; bit++ {
			global := bi*bitsPerBlock + bit
			if global >= reserved {
				break
			}
			bm.Set(int(bit), true)
		}
		if err := blocks.BWrite(buf); err != nil {
			blocks.Release(buf)
			return err
		}
		blocks.Release(buf)
	}
	return nil
}

// NameI resolves path to the inode it names.
func (fs *FS) NameI(path string) (*icache.Inode, error) { return fs.path.NameI(path) }

// NameIParent resolves path's parent directory and final component.
func (fs *FS) NameIParent(path string) (*icache.Inode, string, error) {
	return fs.path.NameIParent(path)
}

// Create creates a new file, directory, or device node at path.
func (fs *FS) Create(path string, typ uint16, major, minor uint16) (*icache.Inode, error) {
	return fs.path.Create(path, typ, major, minor)
}

// Remove removes the file or (recursively) the directory at path.
func (fs *FS) Remove(path string) error { return fs.path.Remove(path) }

// Rename moves oldPath to newPath.
func (fs *FS) Rename(oldPath, newPath string) error { return fs.path.Rename(oldPath, newPath) }

// SetCurDir sets the current directory that relative path resolution starts
// from. The setting belongs to the FS, so it is shared by every goroutine
// using it.
func (fs *FS) SetCurDir(inum uint32) { fs.host.SetCurDirInum(inum) }

// Stat is an aggregate snapshot of the whole filesystem, analogous to
// statfs(2) (spec §4.1's "supplemented feature": FSStat).
type Stat struct {
	TotalBlocks uint32
	DataBlocks  uint32
	BlockSize   uint
	TotalInodes uint32
}

// FSStat reports aggregate filesystem geometry.
func (fs *FS) FSStat() Stat {
	return Stat{
		TotalBlocks: fs.sb.Size,
		DataBlocks:  fs.sb.NBlocks,
		BlockSize:   fs.device.BlockSize(),
		TotalInodes: fs.sb.NInodes,
	}
}

// Inodes exposes the underlying inode cache for diagnostic tooling (spec §8)
// that needs to walk every inode slot, not just ones reachable by path.
func (fs *FS) Inodes() *icache.Cache { return fs.inodes }

// Bitmap exposes the underlying block allocator for diagnostic tooling.
func (fs *FS) Bitmap() *bitmap.Allocator { return fs.bitmap }

// ReachableBlocks walks the directory tree from the root and returns every
// block number reachable from it, plus the fixed metadata regions (the
// superblock, the log, the bitmap, and the inode table) which are always
// considered in use.
func (fs *FS) ReachableBlocks() (map[uint32]bool, error) {
	reachable := map[uint32]bool{0: true}
	for b := fs.sb.LogStart; b < fs.sb.LogStart+fs.sb.NLog; b++ {
		reachable[b] = true
	}
	bitmapBlocks := (fs.sb.Size + uint32(fs.device.BlockSize())*8 - 1) / (uint32(fs.device.BlockSize()) * 8)
	for b := fs.sb.BmapStart; b < fs.sb.BmapStart+bitmapBlocks; b++ {
		reachable[b] = true
	}
	inodeBlocks := (fs.sb.NInodes + ondisk.IPB - 1) / ondisk.IPB
	for b := fs.sb.InodeStart; b < fs.sb.InodeStart+inodeBlocks; b++ {
		reachable[b] = true
	}

	visited := map[uint32]bool{}
	if err := fs.walkReachable(RootInum, reachable, visited); err != nil {
		return nil, err
	}
	return reachable, nil
}

func (fs *FS) walkReachable(inum uint32, reachable, visited map[uint32]bool) error {
	if visited[inum] {
		return nil
	}
	visited[inum] = true

	typ, err := fs.inodes.TypeOf(inum)
	if err != nil {
		return err
	}
	if typ == ondisk.TypeEmpty {
		return nil
	}

	in := fs.inodes.Get(Dev, inum)
	reachable[in.HomeBlock()] = true

	g := in.Lock()
	for _, bno := range g.Blocks() {
		reachable[bno] = true
	}
	isDir := g.Type() == ondisk.TypeDirectory
	size := g.Size()
	g.Unlock()

	if isDir {
		n := size / ondisk.DirEntSize
		entBuf := make([]byte, ondisk.DirEntSize)
		for i := uint32(0); i < n; i++ {
			g2 := in.Lock()
			_, rerr := g2.Read(entBuf, i*ondisk.DirEntSize)
			g2.Unlock()
			if rerr != nil {
				_ = in.Put()
				return rerr
			}
			var ent ondisk.DirEntry
			ent.Decode(entBuf)
			name := ent.NameString()
			if ent.Inum == 0 || name == "." || name == ".." {
				continue
			}
			if err := fs.walkReachable(uint32(ent.Inum), reachable, visited); err != nil {
				_ = in.Put()
				return err
			}
		}
	}

	return in.Put()
}

// AllocatedButUnreachable cross-references the bitmap against reachable and
// reports every block marked allocated that isn't reachable from the root —
// a leak.
func (fs *FS) AllocatedButUnreachable(reachable map[uint32]bool) ([]uint32, error) {
	allocated, err := fs.bitmap.AllocatedBlocks()
	if err != nil {
		return nil, err
	}
	var leaked []uint32
	for _, bno := range allocated {
		if !reachable[bno] {
			leaked = append(leaked, bno)
		}
	}
	return leaked, nil
}
