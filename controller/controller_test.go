package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"protorpc/message"
)

func TestZeroValueIsIdle(t *testing.T) {
	var c Controller
	assert.True(t, c.IsOk())
	assert.Equal(t, Idle, c.Phase())
	assert.Equal(t, time.Duration(0), c.Timeout())
	assert.Nil(t, c.ErrorCode())
}

func TestStartOnlyOnce(t *testing.T) {
	c := New()
	assert.True(t, c.Start())
	assert.Equal(t, InFlight, c.Phase())
	assert.False(t, c.Start())
}

func TestTimeout(t *testing.T) {
	c := NewWithTimeout(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, c.Timeout())

	c.SetTimeout(-time.Second)
	assert.Equal(t, time.Duration(0), c.Timeout())
}

func TestSetFailed(t *testing.T) {
	c := New()
	c.Start()

	require.True(t, c.SetFailed("boom"))
	assert.False(t, c.IsOk())
	assert.True(t, c.Failed())
	assert.False(t, c.IsCanceled())
	assert.Equal(t, "boom", c.ErrorText())
	assert.Equal(t, CompletedFailed, c.Phase())

	// terminal phases absorb later writes
	assert.False(t, c.SetFailed("second"))
	assert.False(t, c.Cancel(SignalTimeout))
	assert.Equal(t, "boom", c.ErrorText())
	assert.Equal(t, SignalNone, c.Signal())
}

func TestFailWithSignal(t *testing.T) {
	c := New()
	require.True(t, c.Fail(SignalInvalidResponse, ""))
	assert.Equal(t, SignalInvalidResponse, c.Signal())
	assert.Equal(t, "invalid response from server", c.ErrorText())
	assert.Nil(t, c.ErrorCode())
}

func TestCancelFiresListenersOnce(t *testing.T) {
	c := New()
	c.Start()

	var calls int
	c.NotifyOnCancel(func() { calls++ })
	c.NotifyOnCancel(func() { calls++ })

	require.True(t, c.Cancel(SignalChannelClosed))
	assert.False(t, c.Cancel(SignalTimeout))
	assert.Equal(t, 2, calls)

	assert.True(t, c.Failed())
	assert.True(t, c.IsCanceled())
	assert.Equal(t, Canceled, c.Phase())
	assert.Equal(t, SignalChannelClosed, c.Signal())
	assert.Equal(t, "channel closed", c.ErrorText())

	// registered after cancellation: runs immediately
	c.NotifyOnCancel(func() { calls++ })
	assert.Equal(t, 3, calls)
}

func TestListenerNeverFiresAfterSuccess(t *testing.T) {
	c := New()
	c.Start()

	fired := false
	c.NotifyOnCancel(func() { fired = true })
	require.True(t, c.ReadFrom(&message.Response{RequestID: 1, Payload: []byte{}}))
	assert.False(t, c.Cancel(SignalChannelClosed))

	c.NotifyOnCancel(func() { fired = true })
	assert.False(t, fired)
	assert.True(t, c.IsOk())
	assert.Equal(t, CompletedOk, c.Phase())
}

func TestReadFromServerFailure(t *testing.T) {
	c := New()
	c.Start()

	require.True(t, c.ReadFrom(message.Failed(3, message.MethodNotFound, "no such method")))
	assert.False(t, c.IsOk())
	assert.Equal(t, CompletedFailed, c.Phase())
	require.NotNil(t, c.ErrorCode())
	assert.Equal(t, message.MethodNotFound, *c.ErrorCode())
	assert.Equal(t, "no such method", c.ErrorText())

	// only the first outcome counts
	assert.False(t, c.ReadFrom(&message.Response{RequestID: 3, Payload: []byte("x")}))
	assert.False(t, c.IsOk())
}

func TestReadFromCanceled(t *testing.T) {
	c := New()
	c.Start()

	fired := false
	c.NotifyOnCancel(func() { fired = true })
	require.True(t, c.ReadFrom(&message.Response{RequestID: 4, HasFailed: true, Canceled: true, ErrorMessage: "stopped"}))
	assert.True(t, fired)
	assert.Equal(t, Canceled, c.Phase())
}

func TestErrorCodeIsCopied(t *testing.T) {
	resp := message.Failed(5, message.RPCFailed, "nope")
	c := New()
	c.ReadFrom(resp)

	*resp.ErrorCode = message.RPCError
	got := c.ErrorCode()
	*got = message.BadRequestData
	assert.Equal(t, message.RPCFailed, *c.ErrorCode())
}

func TestWriteTo(t *testing.T) {
	c := New()
	c.SetFailed("handler said no")

	var resp message.Response
	c.WriteTo(&resp)
	assert.True(t, resp.HasFailed)
	assert.False(t, resp.Canceled)
	assert.Equal(t, "handler said no", resp.ErrorMessage)
}

func TestSnapshotIsConsistent(t *testing.T) {
	c := New()
	c.Start()
	c.ReadFrom(message.Failed(6, message.BadRequestProto, "bad payload"))

	snap := c.Snapshot()
	assert.Equal(t, CompletedFailed, snap.Phase)
	assert.True(t, snap.Failed)
	require.NotNil(t, snap.ErrorCode)
	assert.Equal(t, message.BadRequestProto, *snap.ErrorCode)
	assert.Equal(t, "bad payload", snap.ErrorMessage)
}

func TestConcurrentTerminalWritersHaveOneWinner(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := New()
		c.Start()

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		writers := []func() bool{
			func() bool { return c.Cancel(SignalTimeout) },
			func() bool { return c.Cancel(SignalChannelClosed) },
			func() bool { return c.ReadFrom(&message.Response{RequestID: 1, Payload: []byte("ok")}) },
			func() bool { return c.SetFailed("handler") },
		}
		for _, w := range writers {
			wg.Add(1)
			go func(w func() bool) {
				defer wg.Done()
				if w() {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		require.Equal(t, 1, wins)
		require.True(t, c.Phase().Terminal())
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "timeout", SignalTimeout.String())
	assert.Equal(t, "in-flight", InFlight.String())
	assert.Contains(t, New().String(), "phase(idle)")
}
