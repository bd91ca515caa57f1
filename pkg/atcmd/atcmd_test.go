package atcmd_test

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CELL-SOCK/pkg/atcmd"
	"CELL-SOCK/pkg/modemsim"
)

func newChannel(t *testing.T) (*atcmd.Channel, *modemsim.Modem) {
	t.Helper()
	modem := modemsim.New()
	channel := atcmd.New(modem.Endpoint())
	t.Cleanup(func() {
		channel.Close()
		modem.Close()
	})
	return channel, modem
}

func TestExchange(t *testing.T) {
	channel, _ := newChannel(t)

	channel.Lock()
	channel.CommandStart("AT+USOCR=")
	channel.WriteInt(6)
	channel.CommandStop()
	channel.ResponseStart("+USOCR:")
	handle := channel.ReadInt()
	channel.ResponseStop()
	require.NoError(t, channel.UnlockReturnError())
	assert.Equal(t, 0, handle)
}

func TestExchangeError(t *testing.T) {
	channel, modem := newChannel(t)
	modem.FailNext("USOCR")

	channel.Lock()
	channel.CommandStart("AT+USOCR=")
	channel.WriteInt(6)
	channel.CommandStop()
	channel.ResponseStart("+USOCR:")
	channel.ReadInt()
	channel.ResponseStop()
	err := channel.UnlockReturnError()
	assert.ErrorIs(t, err, atcmd.ErrDeviceError)
}

func TestQuotedStringParameter(t *testing.T) {
	channel, modem := newChannel(t)
	modem.AddHost("example.com", "1.2.3.4")

	channel.Lock()
	channel.CommandStart("AT+UDNSRN=")
	channel.WriteInt(0)
	channel.WriteString("example.com", true)
	channel.CommandStop()
	channel.ResponseStart("+UDNSRN:")
	addr := channel.ReadString()
	channel.ResponseStop()
	require.NoError(t, channel.UnlockReturnError())
	assert.Equal(t, "1.2.3.4", addr)
}

func TestURCDispatchedWhileIdle(t *testing.T) {
	channel, modem := newChannel(t)

	var gotHandle, gotCount atomic.Int32
	channel.SetURCHandler("+UUSORD:", func(p *atcmd.Params) {
		gotHandle.Store(int32(p.Int()))
		gotCount.Store(int32(p.Int()))
	})

	modem.EmitDataReady(3, 42)

	assert.Eventually(t, func() bool {
		return gotCount.Load() == 42
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), gotHandle.Load())
}

func TestURCHandlerRemoved(t *testing.T) {
	channel, modem := newChannel(t)

	var fired atomic.Bool
	channel.SetURCHandler("+UUSORD:", func(*atcmd.Params) { fired.Store(true) })
	channel.RemoveURCHandler("+UUSORD:")

	modem.EmitDataReady(0, 1)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestCallbackRunsOffParserContext(t *testing.T) {
	channel, _ := newChannel(t)

	done := make(chan struct{})
	channel.Callback(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

// deadChannel is a channel whose far end never answers.
func deadChannel(t *testing.T) *atcmd.Channel {
	t.Helper()
	host, peer := net.Pipe()
	go io.Copy(io.Discard, peer) // swallow commands
	channel := atcmd.New(host)
	t.Cleanup(func() {
		channel.Close()
		host.Close()
		peer.Close()
	})
	return channel
}

func TestTimeout(t *testing.T) {
	channel := deadChannel(t)

	channel.Lock()
	channel.SetTimeout(50 * time.Millisecond)
	channel.CommandStart("AT+USORD=")
	channel.WriteInt(0)
	channel.WriteInt(0)
	channel.CommandStop()
	channel.ResponseStart("+USORD:")
	channel.RestoreTimeout()
	err := channel.UnlockReturnError()
	assert.ErrorIs(t, err, atcmd.ErrTimeout)
}

func TestKeepGoingAbandonsWait(t *testing.T) {
	channel := deadChannel(t)

	channel.Lock()
	channel.SetTimeout(10 * time.Second)
	channel.SetKeepGoing(func() bool { return false })
	channel.CommandStart("AT+USORD=")
	channel.WriteInt(0)
	channel.WriteInt(0)
	channel.CommandStop()
	start := time.Now()
	channel.ResponseStart("+USORD:")
	channel.SetKeepGoing(nil)
	channel.RestoreTimeout()
	err := channel.UnlockReturnError()
	assert.ErrorIs(t, err, atcmd.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}
