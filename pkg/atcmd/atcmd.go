// Package atcmd drives a textual AT-command channel to a cellular modem.
//
// One command/response exchange is in flight at a time across the whole
// driver: callers take the channel lock, build a command token by token,
// then parse the response incrementally. Unsolicited result codes (URCs)
// arriving between or during exchanges are dispatched to registered
// handlers; during an exchange they are handled on the calling goroutine
// while it scans for its response prefix or prompt, otherwise an idle
// monitor goroutine picks them up. The modem is assumed to be in no-echo
// mode (ATE0).
package atcmd

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// CRLF terminates commands and response lines.
	CRLF = "\r\n"

	defaultTimeout  = 5 * time.Second
	idlePollPeriod  = 10 * time.Millisecond
	idleReadBudget  = 5 * time.Millisecond
	callbackBacklog = 16
)

var (
	ErrTimeout     = errors.New("at: timeout")
	ErrDeviceError = errors.New("at: modem returned ERROR")
	ErrClosed      = errors.New("at: channel closed")
)

// URCHandler receives the parameters following a URC prefix. It runs on
// whichever goroutine happened to be parsing modem output, so it must not
// block and must not take locks that a blocked API caller could hold.
type URCHandler func(p *Params)

// Channel is an AT command channel over a byte stream.
type Channel struct {
	mu sync.Mutex // the transport lock: one exchange at a time

	w  io.Writer
	in chan []byte // chunks from the pump goroutine

	pending []byte // bytes read but not yet consumed

	cmdBuf    []byte
	cmdParams int

	timeout     time.Duration
	prevTimeout time.Duration
	lastErr     error
	keepGoing   func() bool

	urcMu    sync.Mutex
	urc      map[string]URCHandler
	keyCache []string

	callbacks chan func()
	done      chan struct{}
	closeOnce sync.Once

	log *logrus.Entry
}

// New wraps a byte stream in a Channel and starts its pump, idle-monitor
// and callback goroutines.
func New(rw io.ReadWriter) *Channel {
	c := &Channel{
		w:         rw,
		in:        make(chan []byte, 32),
		timeout:   defaultTimeout,
		urc:       make(map[string]URCHandler),
		callbacks: make(chan func(), callbackBacklog),
		done:      make(chan struct{}),
		log:       logrus.WithField("pkg", "atcmd"),
	}
	go c.pump(rw)
	go c.idleMonitor()
	go c.callbackRunner()
	return c
}

// Close stops the background goroutines. The underlying stream is owned by
// the caller and is not closed here.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Channel) pump(r io.Reader) {
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.in <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// idleMonitor pumps the receive path while no exchange is in progress so
// that URCs are not stuck waiting for the next API call.
func (c *Channel) idleMonitor() {
	for {
		select {
		case <-c.done:
			return
		case <-time.After(idlePollPeriod):
		}
		c.mu.Lock()
		c.drainURCs(idleReadBudget)
		c.mu.Unlock()
	}
}

func (c *Channel) callbackRunner() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.callbacks:
			f()
		}
	}
}

// Callback schedules f to run on the channel's callback goroutine, away
// from the parser context a URC handler executes on.
func (c *Channel) Callback(f func()) {
	select {
	case c.callbacks <- f:
	case <-c.done:
	}
}

// Lock takes the transport lock. Every command/response exchange happens
// with the lock held.
func (c *Channel) Lock() {
	c.mu.Lock()
	c.lastErr = nil
}

// Unlock releases the transport lock.
func (c *Channel) Unlock() {
	c.mu.Unlock()
}

// UnlockReturnError releases the lock and reports the accumulated error of
// the exchange, if any.
func (c *Channel) UnlockReturnError() error {
	err := c.lastErr
	c.mu.Unlock()
	return err
}

// LastError reports the accumulated error of the exchange in progress.
func (c *Channel) LastError() error {
	return c.lastErr
}

// SetTimeout changes the response timeout for the exchange in progress.
// RestoreTimeout puts the previous value back.
func (c *Channel) SetTimeout(d time.Duration) {
	c.prevTimeout = c.timeout
	c.timeout = d
}

// SetKeepGoing installs a predicate consulted periodically while the
// exchange in progress waits for modem output; returning false abandons
// the wait early with a timeout. Nil clears it. Lock held.
func (c *Channel) SetKeepGoing(f func() bool) {
	c.keepGoing = f
}

func (c *Channel) RestoreTimeout() {
	if c.prevTimeout != 0 {
		c.timeout = c.prevTimeout
		c.prevTimeout = 0
	}
}

// SetURCHandler registers a handler for lines starting with prefix,
// e.g. "+UUSORD:".
func (c *Channel) SetURCHandler(prefix string, h URCHandler) {
	c.urcMu.Lock()
	c.urc[prefix] = h
	c.keyCache = nil
	c.urcMu.Unlock()
}

func (c *Channel) RemoveURCHandler(prefix string) {
	c.urcMu.Lock()
	delete(c.urc, prefix)
	c.keyCache = nil
	c.urcMu.Unlock()
}

/* ----------------------------------------------------------------
 * Command building
 * -------------------------------------------------------------- */

// CommandStart begins a command, e.g. CommandStart("AT+USOCR=").
// Subsequent Write* calls append comma-separated parameters.
func (c *Channel) CommandStart(cmd string) {
	c.cmdBuf = c.cmdBuf[:0]
	c.cmdBuf = append(c.cmdBuf, cmd...)
	c.cmdParams = 0
}

// WriteInt appends an integer parameter.
func (c *Channel) WriteInt(v int) {
	c.delimit()
	c.cmdBuf = strconv.AppendInt(c.cmdBuf, int64(v), 10)
}

// WriteString appends a string parameter, quoted when asked for.
func (c *Channel) WriteString(s string, quoted bool) {
	c.delimit()
	if quoted {
		c.cmdBuf = append(c.cmdBuf, '"')
	}
	c.cmdBuf = append(c.cmdBuf, s...)
	if quoted {
		c.cmdBuf = append(c.cmdBuf, '"')
	}
}

func (c *Channel) delimit() {
	if c.cmdParams > 0 {
		c.cmdBuf = append(c.cmdBuf, ',')
	}
	c.cmdParams++
}

// CommandStop terminates the command and sends it. Response parsing
// follows with ResponseStart or WaitPrompt.
func (c *Channel) CommandStop() {
	c.cmdBuf = append(c.cmdBuf, CRLF...)
	c.log.WithField("tx", string(bytes.TrimRight(c.cmdBuf, CRLF))).Debug("command")
	if _, err := c.w.Write(c.cmdBuf); err != nil {
		c.fail(errors.Wrap(err, "write command"))
	}
}

// CommandStopReadResponse sends the command and consumes the response up
// to its final OK or ERROR, for commands with no information response.
func (c *Channel) CommandStopReadResponse() {
	c.CommandStop()
	c.consumeToFinal()
}

// WriteBytes sends raw payload bytes, bypassing command framing. Used
// after the modem has issued its binary-entry prompt.
func (c *Channel) WriteBytes(b []byte) {
	if c.lastErr != nil {
		return
	}
	if _, err := c.w.Write(b); err != nil {
		c.fail(errors.Wrap(err, "write payload"))
	}
}

func (c *Channel) fail(err error) {
	if c.lastErr == nil {
		c.lastErr = err
	}
}
