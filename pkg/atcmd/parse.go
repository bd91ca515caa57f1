package atcmd

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

/* ----------------------------------------------------------------
 * Byte-stream plumbing
 * -------------------------------------------------------------- */

// readMore blocks for more input until the deadline. With a keep-going
// predicate installed it waits in short slices, checking the predicate
// between them, so a long exchange can be abandoned early.
func (c *Channel) readMore(deadline time.Time) error {
	const slice = 100 * time.Millisecond
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return ErrTimeout
		}
		if c.keepGoing != nil {
			if !c.keepGoing() {
				return ErrTimeout
			}
			if wait > slice {
				wait = slice
			}
		}
		select {
		case chunk := <-c.in:
			c.pending = append(c.pending, chunk...)
			return nil
		case <-time.After(wait):
			if c.keepGoing == nil {
				return ErrTimeout
			}
		case <-c.done:
			return ErrClosed
		}
	}
}

// ensure makes at least n bytes available in pending.
func (c *Channel) ensure(n int, deadline time.Time) error {
	for len(c.pending) < n {
		if err := c.readMore(deadline); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) consume(n int) []byte {
	b := c.pending[:n]
	c.pending = c.pending[n:]
	return b
}

func (c *Channel) skipEOL() {
	for len(c.pending) > 0 && (c.pending[0] == '\r' || c.pending[0] == '\n') {
		c.pending = c.pending[1:]
	}
}

// takeLine consumes and returns the next complete CRLF-terminated line,
// without its terminator.
func (c *Channel) takeLine(deadline time.Time) (string, error) {
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(c.pending[:i], "\r"))
			c.pending = c.pending[i+1:]
			return line, nil
		}
		if err := c.readMore(deadline); err != nil {
			return "", err
		}
	}
}

/* ----------------------------------------------------------------
 * URC dispatch
 * -------------------------------------------------------------- */

func (c *Channel) urcPrefixes() []string {
	c.urcMu.Lock()
	defer c.urcMu.Unlock()
	if c.keyCache == nil {
		for k := range c.urc {
			c.keyCache = append(c.keyCache, k)
		}
	}
	return c.keyCache
}

// dispatchURC hands a complete line to its registered handler, if any.
func (c *Channel) dispatchURC(line string) bool {
	for _, prefix := range c.urcPrefixes() {
		if strings.HasPrefix(line, prefix) {
			c.urcMu.Lock()
			h := c.urc[prefix]
			c.urcMu.Unlock()
			if h != nil {
				c.log.WithField("urc", line).Debug("urc")
				h(&Params{s: strings.TrimSpace(line[len(prefix):])})
			}
			return true
		}
	}
	return false
}

// drainURCs processes complete lines already buffered or arriving within
// the budget. Partial lines are left for the next pass.
func (c *Channel) drainURCs(budget time.Duration) {
	deadline := time.Now().Add(budget)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(c.pending[:i], "\r"))
			c.pending = c.pending[i+1:]
			if line != "" && !c.dispatchURC(line) {
				c.log.WithField("rx", line).Debug("unexpected line")
			}
			continue
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return
		}
		select {
		case chunk := <-c.in:
			c.pending = append(c.pending, chunk...)
		case <-time.After(wait):
			return
		case <-c.done:
			return
		}
	}
}

/* ----------------------------------------------------------------
 * Response parsing
 * -------------------------------------------------------------- */

func isFinal(line string) (ok, final bool) {
	switch {
	case line == "OK":
		return true, true
	case line == "ERROR", line == "ABORTED",
		strings.HasPrefix(line, "+CME ERROR"),
		strings.HasPrefix(line, "+CMS ERROR"):
		return false, true
	}
	return false, false
}

// ResponseStart scans for an information response beginning with prefix,
// dispatching any complete URC lines met along the way. After it returns
// the Read*/Skip* methods consume the response's parameters in order.
func (c *Channel) ResponseStart(prefix string) {
	if c.lastErr != nil {
		return
	}
	deadline := time.Now().Add(c.timeout)
	for {
		c.skipEOL()
		if err := c.ensure(1, deadline); err != nil {
			c.fail(errors.Wrapf(err, "awaiting %q", prefix))
			return
		}
		// Not enough buffered yet to judge the prefix.
		if len(c.pending) < len(prefix) && bytes.HasPrefix([]byte(prefix), c.pending) {
			if err := c.readMore(deadline); err != nil {
				c.fail(errors.Wrapf(err, "awaiting %q", prefix))
				return
			}
			continue
		}
		if bytes.HasPrefix(c.pending, []byte(prefix)) {
			c.consume(len(prefix))
			c.skipSpaces(deadline)
			return
		}
		// Some other complete line: a URC, a final, or noise.
		line, err := c.takeLine(deadline)
		if err != nil {
			c.fail(errors.Wrapf(err, "awaiting %q", prefix))
			return
		}
		if line == "" {
			continue
		}
		if okFinal, final := isFinal(line); final {
			if okFinal {
				c.fail(errors.Errorf("at: no %q in response", prefix))
			} else {
				c.fail(ErrDeviceError)
			}
			return
		}
		if !c.dispatchURC(line) {
			c.log.WithField("rx", line).Debug("unexpected line")
		}
	}
}

func (c *Channel) skipSpaces(deadline time.Time) {
	for {
		if len(c.pending) == 0 {
			if err := c.readMore(deadline); err != nil {
				return
			}
		}
		if c.pending[0] != ' ' {
			return
		}
		c.pending = c.pending[1:]
	}
}

// endParam consumes a trailing comma so the next parameter read starts
// clean. A CR is left in place for ResponseStop.
func (c *Channel) endParam(deadline time.Time) {
	if len(c.pending) > 0 && c.pending[0] == ',' {
		c.pending = c.pending[1:]
	}
	_ = deadline
}

// ReadInt consumes an integer parameter, returning -1 on any channel
// error.
func (c *Channel) ReadInt() int {
	if c.lastErr != nil {
		return -1
	}
	deadline := time.Now().Add(c.timeout)
	c.skipSpaces(deadline)
	var digits []byte
	for {
		if err := c.ensure(1, deadline); err != nil {
			c.fail(err)
			return -1
		}
		b := c.pending[0]
		if b == '-' || (b >= '0' && b <= '9') {
			digits = append(digits, b)
			c.pending = c.pending[1:]
			continue
		}
		break
	}
	if len(digits) == 0 {
		c.fail(errors.New("at: expected integer parameter"))
		return -1
	}
	v, err := strconv.Atoi(string(digits))
	if err != nil {
		c.fail(errors.Wrap(err, "at: bad integer parameter"))
		return -1
	}
	c.endParam(deadline)
	return v
}

// ReadString consumes a string parameter, stripping quotes if present.
// Returns "" on any channel error.
func (c *Channel) ReadString() string {
	if c.lastErr != nil {
		return ""
	}
	deadline := time.Now().Add(c.timeout)
	c.skipSpaces(deadline)
	if err := c.ensure(1, deadline); err != nil {
		c.fail(err)
		return ""
	}
	var out []byte
	if c.pending[0] == '"' {
		c.pending = c.pending[1:]
		for {
			if err := c.ensure(1, deadline); err != nil {
				c.fail(err)
				return ""
			}
			b := c.pending[0]
			c.pending = c.pending[1:]
			if b == '"' {
				break
			}
			out = append(out, b)
		}
	} else {
		for {
			if err := c.ensure(1, deadline); err != nil {
				c.fail(err)
				return ""
			}
			b := c.pending[0]
			if b == ',' || b == '\r' || b == '\n' {
				break
			}
			out = append(out, b)
			c.pending = c.pending[1:]
		}
	}
	c.endParam(deadline)
	return string(out)
}

// SkipParams discards count parameters.
func (c *Channel) SkipParams(count int) {
	for i := 0; i < count && c.lastErr == nil; i++ {
		c.ReadString()
	}
}

// ReadBytes fills buf with exactly len(buf) raw bytes from the stream,
// bypassing line framing entirely. Used for binary payloads that may
// contain CR/LF.
func (c *Channel) ReadBytes(buf []byte) int {
	if c.lastErr != nil {
		return -1
	}
	deadline := time.Now().Add(c.timeout)
	if err := c.ensure(len(buf), deadline); err != nil {
		c.fail(err)
		return -1
	}
	copy(buf, c.consume(len(buf)))
	return len(buf)
}

// SkipBytes pours away n raw bytes.
func (c *Channel) SkipBytes(n int) {
	if c.lastErr != nil {
		return
	}
	deadline := time.Now().Add(c.timeout)
	if err := c.ensure(n, deadline); err != nil {
		c.fail(err)
		return
	}
	c.consume(n)
}

// ResponseStop consumes the rest of the response up to its final OK or
// ERROR.
func (c *Channel) ResponseStop() {
	if c.lastErr != nil {
		return
	}
	c.consumeToFinal()
}

func (c *Channel) consumeToFinal() {
	deadline := time.Now().Add(c.timeout)
	for {
		line, err := c.takeLine(deadline)
		if err != nil {
			c.fail(err)
			return
		}
		if line == "" {
			continue
		}
		if okFinal, final := isFinal(line); final {
			if !okFinal {
				c.fail(ErrDeviceError)
			}
			return
		}
		if !c.dispatchURC(line) {
			c.log.WithField("rx", line).Debug("unexpected line")
		}
	}
}

// WaitPrompt blocks until the modem issues the given prompt character
// (the '@' that precedes binary payload entry), dispatching URC lines met
// along the way.
func (c *Channel) WaitPrompt(prompt byte) bool {
	if c.lastErr != nil {
		return false
	}
	deadline := time.Now().Add(c.timeout)
	for {
		c.skipEOL()
		if len(c.pending) > 0 {
			if c.pending[0] == prompt {
				c.pending = c.pending[1:]
				return true
			}
			line, err := c.takeLine(deadline)
			if err != nil {
				c.fail(err)
				return false
			}
			if line == "" {
				continue
			}
			if okFinal, final := isFinal(line); final {
				if !okFinal {
					c.fail(ErrDeviceError)
				} else {
					c.fail(errors.New("at: final before prompt"))
				}
				return false
			}
			if !c.dispatchURC(line) {
				c.log.WithField("rx", line).Debug("unexpected line")
			}
			continue
		}
		if err := c.readMore(deadline); err != nil {
			c.fail(err)
			return false
		}
	}
}

/* ----------------------------------------------------------------
 * URC parameter access
 * -------------------------------------------------------------- */

// Params walks the comma-separated parameters following a URC prefix.
type Params struct {
	s string
}

// Int consumes the next integer parameter, -1 if absent or malformed.
func (p *Params) Int() int {
	field := p.next()
	if field == "" {
		return -1
	}
	v, err := strconv.Atoi(field)
	if err != nil {
		return -1
	}
	return v
}

// String consumes the next parameter, unquoting it if needed.
func (p *Params) String() string {
	return strings.Trim(p.next(), `"`)
}

func (p *Params) next() string {
	if p.s == "" {
		return ""
	}
	var field string
	if i := strings.IndexByte(p.s, ','); i >= 0 {
		field, p.s = p.s[:i], p.s[i+1:]
	} else {
		field, p.s = p.s, ""
	}
	return strings.TrimSpace(field)
}
