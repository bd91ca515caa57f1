package cellsock_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CELL-SOCK/pkg/cellsock"
)

// shortTimeout keeps blocking-receive tests quick.
func setShortTimeout(t *testing.T, stack *cellsock.Stack, d cellsock.Descriptor) {
	t.Helper()
	err := stack.SetOption(d, cellsock.LevelSocket, cellsock.OptReceiveTimeout,
		cellsock.Timeval{Sec: 0, Usec: 100_000})
	require.NoError(t, err)
}

func TestWriteRead(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)

	n, err := stack.Write(d, []byte("hello modem"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, []byte("hello modem"), modem.Sent(0))

	modem.QueueStream(0, []byte("hello caller"))
	buf := make([]byte, 64)
	n, err = stack.Read(d, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello caller"), buf[:n])
}

func TestWriteBeforeConnect(t *testing.T) {
	stack, _ := newStack(t)
	d, err := stack.Create(cellsock.TypeStream, cellsock.ProtocolTCP)
	require.NoError(t, err)

	_, err = stack.Write(d, []byte("x"))
	assert.ErrorIs(t, err, cellsock.ErrHostUnreach)
	_, err = stack.Read(d, make([]byte, 1))
	assert.ErrorIs(t, err, cellsock.ErrHostUnreach)
}

func TestWriteEmpty(t *testing.T) {
	stack, _ := newStack(t)
	d := connectedTCP(t, stack)

	n, err := stack.Write(d, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteOnUDPSocket(t *testing.T) {
	stack, _ := newStack(t)
	d, err := stack.Create(cellsock.TypeDgram, cellsock.ProtocolUDP)
	require.NoError(t, err)

	_, err = stack.Write(d, []byte("x"))
	assert.ErrorIs(t, err, cellsock.ErrProtoType)
}

func TestWriteSegmented(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)

	// Three full segments plus a bit.
	data := bytes.Repeat([]byte("abcdefgh"), 400) // 3200 bytes
	n, err := stack.Write(d, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, modem.Sent(0))
}

func TestWriteUnderAcceptRecovers(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)
	modem.SetAcceptLimit(10)

	data := []byte("exactly-thirty-bytes-of-data!!")
	n, err := stack.Write(d, data)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.Equal(t, data, modem.Sent(0))
}

func TestWriteUnderAcceptGivesUp(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)
	modem.SetAcceptLimit(8)

	n, err := stack.Write(d, bytes.Repeat([]byte("z"), 200))
	assert.ErrorIs(t, err, cellsock.ErrIO)
	// Ten tries at eight bytes each before giving up.
	assert.Equal(t, 80, n)
}

func TestReadBlocksUntilDataArrives(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)

	go func() {
		time.Sleep(60 * time.Millisecond)
		modem.QueueStream(0, []byte("late"))
	}()

	buf := make([]byte, 4)
	n, err := stack.Read(d, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), buf[:n])
}

func TestReadTimesOut(t *testing.T) {
	stack, _ := newStack(t)
	d := connectedTCP(t, stack)
	setShortTimeout(t, stack, d)

	start := time.Now()
	_, err := stack.Read(d, make([]byte, 16))
	assert.ErrorIs(t, err, cellsock.ErrWouldBlock)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadStaleDataReadyCount(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)
	setShortTimeout(t, stack, d)

	// A data-ready notification claiming bytes the modem does not
	// actually hold must not keep the read asking forever.
	modem.EmitDataReady(0, 5)
	require.Eventually(t, func() bool {
		socks := stack.Sockets()
		return len(socks) == 1 && socks[0].PendingBytes == 5
	}, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := stack.Read(d, make([]byte, 16))
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, cellsock.ErrWouldBlock)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not return within the receive timeout")
	}
}

func TestReadNonBlocking(t *testing.T) {
	stack, _ := newStack(t)
	d := connectedTCP(t, stack)
	_, err := stack.Fcntl(d, cellsock.FcntlSetStatus, cellsock.StatusNonBlocking)
	require.NoError(t, err)

	start := time.Now()
	_, err = stack.Read(d, make([]byte, 16))
	assert.ErrorIs(t, err, cellsock.ErrWouldBlock)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadPartialOnTimeout(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)
	setShortTimeout(t, stack, d)

	modem.QueueStream(0, []byte("some"))
	// Ask for more than is there: what arrived comes back once the
	// timeout passes, without an error.
	buf := make([]byte, 64)
	n, err := stack.Read(d, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("some"), buf[:n])
}

func TestSendToReceiveFrom(t *testing.T) {
	stack, modem := newStack(t)
	d, err := stack.Create(cellsock.TypeDgram, cellsock.ProtocolUDP)
	require.NoError(t, err)

	remote := mustAddr(t, "9.8.7.6:9000")
	n, err := stack.SendTo(d, &remote, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("ping"), modem.Sent(0))

	modem.QueueDatagram(0, "9.8.7.6", 9000, []byte("pong"))
	buf := make([]byte, 16)
	n, from, err := stack.ReceiveFrom(d, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), buf[:n])
	assert.Equal(t, "9.8.7.6:9000", from.String())
}

func TestSendToConnectedUsesStoredAddress(t *testing.T) {
	stack, modem := newStack(t)
	d, err := stack.Create(cellsock.TypeDgram, cellsock.ProtocolUDP)
	require.NoError(t, err)
	require.NoError(t, stack.Connect(d, mustAddr(t, "9.8.7.6:9000")))

	n, err := stack.SendTo(d, nil, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("ping"), modem.Sent(0))
}

func TestSendToUnconnectedNeedsAddress(t *testing.T) {
	stack, _ := newStack(t)
	d, err := stack.Create(cellsock.TypeDgram, cellsock.ProtocolUDP)
	require.NoError(t, err)

	_, err = stack.SendTo(d, nil, []byte("ping"))
	assert.ErrorIs(t, err, cellsock.ErrDestAddrReq)
}

func TestSendToTooBig(t *testing.T) {
	stack, _ := newStack(t)
	d, err := stack.Create(cellsock.TypeDgram, cellsock.ProtocolUDP)
	require.NoError(t, err)

	remote := mustAddr(t, "9.8.7.6:9000")
	_, err = stack.SendTo(d, &remote, make([]byte, cellsock.MaxSegmentBytes+1))
	assert.ErrorIs(t, err, cellsock.ErrMsgSize)
}

func TestReceiveFromTruncatesDatagram(t *testing.T) {
	stack, modem := newStack(t)
	d, err := stack.Create(cellsock.TypeDgram, cellsock.ProtocolUDP)
	require.NoError(t, err)

	modem.QueueDatagram(0, "9.8.7.6", 9000, []byte("0123456789"))
	modem.QueueDatagram(0, "9.8.7.6", 9000, []byte("next"))

	// A small buffer gets the front of the first datagram; the excess
	// is discarded, not delivered later.
	buf := make([]byte, 4)
	n, _, err := stack.ReceiveFrom(d, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), buf[:n])

	// The second datagram arrives whole.
	buf = make([]byte, 16)
	n, _, err = stack.ReceiveFrom(d, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), buf[:n])
}

func TestReceiveFromTimesOut(t *testing.T) {
	stack, _ := newStack(t)
	d, err := stack.Create(cellsock.TypeDgram, cellsock.ProtocolUDP)
	require.NoError(t, err)
	setShortTimeout(t, stack, d)

	_, _, err = stack.ReceiveFrom(d, make([]byte, 16))
	assert.ErrorIs(t, err, cellsock.ErrWouldBlock)
}

func TestDatagramOnTCPSocket(t *testing.T) {
	stack, modem := newStack(t)
	d := connectedTCP(t, stack)

	// The modem permits datagram operations on a TCP socket.
	remote := mustAddr(t, "1.2.3.4:80")
	n, err := stack.SendTo(d, &remote, []byte("dgram"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("dgram"), modem.Sent(0))
}
