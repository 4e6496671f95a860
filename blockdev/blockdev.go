// Package blockdev adapts an io.ReadWriteSeeker into the sector-granular
// read/write contract the rest of the engine depends on. The raw block
// device itself (spinning rust, flash, a kernel's disk driver) is out of
// scope; this package only standardizes the boundary.
package blockdev

import (
	"fmt"
	"io"
)

// Device is the external contract the engine needs from a block device:
// synchronous, whole-block reads and writes addressed by block number. One
// block is exactly BlockSize() bytes.
type Device interface {
	// ReadBlock fills buf (which must be exactly BlockSize() bytes) with the
	// contents of block i.
	ReadBlock(i uint32, buf []byte) error

	// WriteBlock writes buf (which must be exactly BlockSize() bytes) to
	// block i.
	WriteBlock(i uint32, buf []byte) error

	// BlockSize returns the fixed size of one block, in bytes.
	BlockSize() uint

	// TotalBlocks returns the number of addressable blocks on the device.
	TotalBlocks() uint32
}

// StreamDevice implements Device over any io.ReadWriteSeeker: a real file, an
// in-memory buffer (see xv6fstest.NewRAMDevice), or anything else that can
// seek. Block i occupies the byte range [i*BlockSize, (i+1)*BlockSize).
type StreamDevice struct {
	stream      io.ReadWriteSeeker
	blockSize   uint
	totalBlocks uint32
}

// NewStreamDevice wraps stream as a Device with the given block size,
// treating it as exactly totalBlocks blocks long.
func NewStreamDevice(stream io.ReadWriteSeeker, blockSize uint, totalBlocks uint32) *StreamDevice {
	return &StreamDevice{stream: stream, blockSize: blockSize, totalBlocks: totalBlocks}
}

func (d *StreamDevice) BlockSize() uint      { return d.blockSize }
func (d *StreamDevice) TotalBlocks() uint32  { return d.totalBlocks }

func (d *StreamDevice) checkBlock(i uint32, bufLen int) error {
	if i >= d.totalBlocks {
		return fmt.Errorf("block %d out of range [0, %d)", i, d.totalBlocks)
	}
	if uint(bufLen) != d.blockSize {
		return fmt.Errorf("buffer is %d bytes, want exactly %d (block size)", bufLen, d.blockSize)
	}
	return nil
}

func (d *StreamDevice) seekToBlock(i uint32) error {
	offset := int64(i) * int64(d.blockSize)
	_, err := d.stream.Seek(offset, io.SeekStart)
	return err
}

// ReadBlock implements Device.
func (d *StreamDevice) ReadBlock(i uint32, buf []byte) error {
	if err := d.checkBlock(i, len(buf)); err != nil {
		return err
	}
	if err := d.seekToBlock(i); err != nil {
		return err
	}
	_, err := io.ReadFull(d.stream, buf)
	return err
}

// WriteBlock implements Device.
func (d *StreamDevice) WriteBlock(i uint32, buf []byte) error {
	if err := d.checkBlock(i, len(buf)); err != nil {
		return err
	}
	if err := d.seekToBlock(i); err != nil {
		return err
	}
	_, err := d.stream.Write(buf)
	return err
}
