package xerrors_test

import (
	"errors"
	"testing"

	"github.com/kodeware/xv6fs/xerrors"
	"github.com/stretchr/testify/assert"
)

func TestNewWithMessage(t *testing.T) {
	err := xerrors.NewWithMessage(xerrors.NotFound, "/a/b/c")
	assert.Equal(t, "not found: /a/b/c", err.Error())
	assert.ErrorIs(t, err, xerrors.NotFound)
}

func TestWrap(t *testing.T) {
	cause := errors.New("disk read failed")
	err := xerrors.Wrap(xerrors.CorruptState, cause)

	assert.Equal(t, "corrupt state: disk read failed", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, xerrors.CorruptState)
	assert.NotErrorIs(t, err, xerrors.NotFound)
}

func TestPanicRaisesFatal(t *testing.T) {
	defer func() {
		r := recover()
		fatal, ok := r.(xerrors.Fatal)
		assert.True(t, ok, "expected a xerrors.Fatal panic payload")
		assert.Equal(t, "log overflow: 5 > 4", fatal.Reason)
	}()

	xerrors.Panic("log overflow: %d > %d", 5, 4)
}
