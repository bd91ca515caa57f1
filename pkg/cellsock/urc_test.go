package cellsock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CELL-SOCK/pkg/cellsock"
)

func TestDataCallbackFires(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)

	var fired atomic.Int32
	require.NoError(t, stack.RegisterDataCallback(d, func() {
		fired.Add(1)
	}))

	modem.QueueStream(0, []byte("hi"))
	assert.Eventually(t, func() bool {
		return fired.Load() > 0
	}, time.Second, 5*time.Millisecond)

	// Pending count is visible without reading.
	assert.Eventually(t, func() bool {
		info := stack.Sockets()
		return len(info) == 1 && info[0].PendingBytes == 2
	}, time.Second, 5*time.Millisecond)
}

func TestClosedCallbackFires(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)

	var fired atomic.Bool
	require.NoError(t, stack.RegisterClosedCallback(d, func() {
		fired.Store(true)
	}))

	modem.EmitClosed(0)
	assert.Eventually(t, func() bool { return fired.Load() }, time.Second, 5*time.Millisecond)
	// And the socket is gone.
	assert.Empty(t, stack.Sockets())
}

func TestCallbackRemoved(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)

	var fired atomic.Bool
	require.NoError(t, stack.RegisterDataCallback(d, func() { fired.Store(true) }))
	require.NoError(t, stack.RegisterDataCallback(d, nil))

	modem.QueueStream(0, []byte("hi"))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestUnknownHandleNotificationIgnored(t *testing.T) {
	stack, modem := newStack(t)
	connectedTCP(t, stack)

	// A notification for a handle that does not exist must be dropped
	// without disturbing anything.
	modem.EmitDataReady(99, 1234)
	time.Sleep(50 * time.Millisecond)

	info := stack.Sockets()
	require.Len(t, info, 1)
	assert.Equal(t, 0, info[0].PendingBytes)
	assert.Equal(t, cellsock.StateConnected, info[0].State)
}

func TestLinkDownNotificationIgnored(t *testing.T) {
	stack, modem := newStack(t)
	connectedTCP(t, stack)

	modem.EmitLinkDown(0)
	time.Sleep(50 * time.Millisecond)

	// Sockets stay as they were; subsequent operations still talk to
	// the modem on their own terms.
	info := stack.Sockets()
	require.Len(t, info, 1)
	assert.Equal(t, cellsock.StateConnected, info[0].State)
}

func TestCallbackRegistrationBadDescriptor(t *testing.T) {
	stack, _ := newStack(t)
	err := stack.RegisterDataCallback(42, func() {})
	assert.ErrorIs(t, err, cellsock.ErrBadFd)
	err = stack.RegisterClosedCallback(42, func() {})
	assert.ErrorIs(t, err, cellsock.ErrBadFd)
}
