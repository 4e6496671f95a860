package hostiface_test

import (
	"testing"
	"time"

	"github.com/kodeware/xv6fs/hostiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurDirRoundTrip(t *testing.T) {
	h := hostiface.New()

	_, ok := h.CurDirInum()
	assert.False(t, ok)

	h.SetCurDirInum(42)
	inum, ok := h.CurDirInum()
	require.True(t, ok)
	assert.EqualValues(t, 42, inum)
}

func TestSleepWakeup(t *testing.T) {
	h := hostiface.New()
	ch := h.NewChannel()

	woke := make(chan struct{})
	go func() {
		h.SleepCurProc(ch)
		close(woke)
	}()

	// Give the goroutine a chance to park before waking it; this test is
	// inherently timing-sensitive, like the primitive it exercises.
	time.Sleep(20 * time.Millisecond)
	h.Wakeup(ch)

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("sleeper was never woken")
	}
}
