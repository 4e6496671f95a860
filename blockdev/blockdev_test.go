package blockdev_test

import (
	"bytes"
	"testing"

	"github.com/kodeware/xv6fs/blockdev"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func newDevice(t *testing.T, totalBlocks uint32) *blockdev.StreamDevice {
	t.Helper()
	backing := make([]byte, 1024*int(totalBlocks))
	stream := bytesextra.NewReadWriteSeeker(backing)
	return blockdev.NewStreamDevice(stream, 1024, totalBlocks)
}

func TestWriteThenReadBlock(t *testing.T) {
	dev := newDevice(t, 4)

	payload := bytes.Repeat([]byte{0xAB}, 1024)
	require.NoError(t, dev.WriteBlock(2, payload))

	readBack := make([]byte, 1024)
	require.NoError(t, dev.ReadBlock(2, readBack))
	require.Equal(t, payload, readBack)
}

func TestReadBlockOutOfRange(t *testing.T) {
	dev := newDevice(t, 2)
	buf := make([]byte, 1024)
	require.Error(t, dev.ReadBlock(5, buf))
}

func TestWriteBlockWrongSize(t *testing.T) {
	dev := newDevice(t, 2)
	require.Error(t, dev.WriteBlock(0, make([]byte, 10)))
}
