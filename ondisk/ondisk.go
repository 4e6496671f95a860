// Package ondisk defines the on-disk wire layout: the superblock, disk
// inode, directory entry, and log header records, byte-for-byte compatible
// with the xv6 on-disk format (spec §4.6) — fixed-size packed records,
// little-endian integers, no implicit padding.
package ondisk

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"
)

// BSize is the size of one block, in bytes. Configurable at compile time
// like xv6's BSIZE; 1024 matches the xv6 default.
const BSize = 1024

// NDirect is the number of direct block pointers in a disk inode's address
// table.
const NDirect = 12

// NIndirect is the number of block numbers that fit in one indirect block:
// BSIZE / 4, since each entry is a uint32 block number.
const NIndirect = BSize / 4

// MaxFileBlocks is the number of logical blocks addressable through the
// direct, single-indirect, and double-indirect levels combined; the largest
// valid logical block index is MaxFileBlocks-1.
const MaxFileBlocks = NDirect + NIndirect + NIndirect*NIndirect

// DirSiz is the maximum length of one path component / directory entry
// name, including any trailing NUL padding.
const DirSiz = 14

// NAddrs is the number of block-number slots in a disk inode's address
// table: NDirect direct pointers, one single-indirect, one double-indirect.
const NAddrs = NDirect + 2

// Inode type tags, stored in DiskInode.Type.
const (
	TypeEmpty = iota
	TypeFile
	TypeDirectory
	TypeDevice
)

// diskInodeEncodedSize is the exact byte size of one serialized DiskInode:
// Type(2) + Major(2) + Minor(2) + NLink(2) + Size(4) + NAddrs*4.
const diskInodeEncodedSize = 2 + 2 + 2 + 2 + 4 + NAddrs*4

// IPB is the number of disk inodes packed into one block.
const IPB = BSize / diskInodeEncodedSize

// DirEntSize is the exact byte size of one serialized DirEntry: Inum(2) +
// Name(DirSiz).
const DirEntSize = 2 + DirSiz

// EntsPerBlock is how many directory entries fit in one block.
const EntsPerBlock = BSize / DirEntSize

// DiskInode is the fixed-size, packed on-disk inode record (spec §3).
type DiskInode struct {
	Type  uint16
	Major uint16 // device nodes only
	Minor uint16 // device nodes only
	NLink uint16
	Size  uint32
	Addrs [NAddrs]uint32 // 0 means "unallocated hole"
}

// Encode serializes the inode into buf, which must be at least
// diskInodeEncodedSize bytes.
func (d *DiskInode) Encode(buf []byte) {
	w := bytewriter.New(buf)
	var tmp [2]byte

	binary.LittleEndian.PutUint16(tmp[:], d.Type)
	w.Write(tmp[:])
	binary.LittleEndian.PutUint16(tmp[:], d.Major)
	w.Write(tmp[:])
	binary.LittleEndian.PutUint16(tmp[:], d.Minor)
	w.Write(tmp[:])
	binary.LittleEndian.PutUint16(tmp[:], d.NLink)
	w.Write(tmp[:])

	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], d.Size)
	w.Write(tmp4[:])

	for _, a := range d.Addrs {
		binary.LittleEndian.PutUint32(tmp4[:], a)
		w.Write(tmp4[:])
	}
}

// Decode populates the inode from buf, the inverse of Encode.
func (d *DiskInode) Decode(buf []byte) {
	d.Type = binary.LittleEndian.Uint16(buf[0:2])
	d.Major = binary.LittleEndian.Uint16(buf[2:4])
	d.Minor = binary.LittleEndian.Uint16(buf[4:6])
	d.NLink = binary.LittleEndian.Uint16(buf[6:8])
	d.Size = binary.LittleEndian.Uint32(buf[8:12])

	off := 12
	for i := range d.Addrs {
		d.Addrs[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
}

// DirEntry is one directory entry: an inode number (0 means the slot is
// free) and a fixed-width, NUL-padded name.
type DirEntry struct {
	Inum uint16
	Name [DirSiz]byte
}

// SetName copies name into the entry, truncating at DirSiz bytes and
// NUL-padding if shorter (a name of exactly DirSiz bytes has no NUL).
func (e *DirEntry) SetName(name string) {
	for i := range e.Name {
		e.Name[i] = 0
	}
	n := len(name)
	if n > DirSiz {
		n = DirSiz
	}
	copy(e.Name[:], name[:n])
}

// NameString returns the entry's name as a Go string, stopping at the first
// NUL byte (or DirSiz if there is none).
func (e *DirEntry) NameString() string {
	for i, b := range e.Name {
		if b == 0 {
			return string(e.Name[:i])
		}
	}
	return string(e.Name[:])
}

// Encode serializes the entry into buf, which must be at least DirEntSize
// bytes.
func (e *DirEntry) Encode(buf []byte) {
	w := bytewriter.New(buf)
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], e.Inum)
	w.Write(tmp[:])
	w.Write(e.Name[:])
}

// Decode populates the entry from buf, the inverse of Encode.
func (e *DirEntry) Decode(buf []byte) {
	e.Inum = binary.LittleEndian.Uint16(buf[0:2])
	copy(e.Name[:], buf[2:2+DirSiz])
}

// Superblock is the read-once descriptor of on-disk geometry (spec §3). It
// is loaded once at mount and never modified afterward.
type Superblock struct {
	Magic      uint32
	Size       uint32 // total blocks, including superblock/log/inodes/bitmap
	NBlocks    uint32 // data blocks
	NInodes    uint32
	NLog       uint32
	LogStart   uint32
	InodeStart uint32
	BmapStart  uint32
}

// superblockEncodedSize is the byte size of one serialized Superblock.
const superblockEncodedSize = 4 * 8

// Encode serializes the superblock into buf, which must be at least
// superblockEncodedSize bytes.
func (s *Superblock) Encode(buf []byte) {
	fields := []uint32{
		s.Magic, s.Size, s.NBlocks, s.NInodes,
		s.NLog, s.LogStart, s.InodeStart, s.BmapStart,
	}
	off := 0
	for _, f := range fields {
		binary.LittleEndian.PutUint32(buf[off:off+4], f)
		off += 4
	}
}

// Decode populates the superblock from buf, the inverse of Encode.
func (s *Superblock) Decode(buf []byte) {
	fields := []*uint32{
		&s.Magic, &s.Size, &s.NBlocks, &s.NInodes,
		&s.NLog, &s.LogStart, &s.InodeStart, &s.BmapStart,
	}
	off := 0
	for _, f := range fields {
		*f = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
}

// FSMagic identifies a disk image as belonging to this filesystem.
const FSMagic = 0x10203040

// IBlock returns the absolute block number that inode inum lives in, given
// the superblock's InodeStart.
func IBlock(inum uint32, sb *Superblock) uint32 {
	return sb.InodeStart + inum/IPB
}
