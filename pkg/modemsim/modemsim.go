// Package modemsim is an in-process stand-in for a cellular modem's
// socket AT interface: it speaks the create/connect/read/write command
// set over one end of an in-memory pipe and gives tests hooks to queue
// inbound traffic, emit notifications and inject faults.
package modemsim

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

const (
	maxSockets    = 7
	streamBufSize = 16 * 1024
)

type dgram struct {
	addr string
	port int
	data []byte
}

// simSocket is the modem-side record of one socket.
type simSocket struct {
	proto  int
	open   bool
	stream *ringbuffer.RingBuffer // TCP inbound
	dgrams []dgram                // UDP inbound, whole datagrams
	opts   map[[2]int]int
	sent   []byte // everything written out of this socket
}

// Modem simulates the modem end of the AT channel.
type Modem struct {
	host io.ReadWriteCloser // handed to the channel under test
	peer io.ReadWriteCloser

	writeMu sync.Mutex // responses and URCs share the pipe

	mu        sync.Mutex
	sockets   map[int]*simSocket
	next      int
	dns       map[string]string
	localAddr string

	// Fault injection.
	acceptLimit int    // cap on bytes accepted per write command, 0 = off
	failNext    string // command name that should answer ERROR

	log *logrus.Entry
}

// New starts a simulated modem and returns it; Endpoint is the stream
// to drive it with.
func New() *Modem {
	host, peer := net.Pipe()
	m := &Modem{
		host:      host,
		peer:      peer,
		sockets:   make(map[int]*simSocket),
		dns:       make(map[string]string),
		localAddr: "10.20.30.40",
		log:       logrus.WithField("pkg", "modemsim"),
	}
	go m.run()
	return m
}

// Endpoint is the byte stream a Channel should be created over.
func (m *Modem) Endpoint() io.ReadWriteCloser { return m.host }

// Close tears the pipe down.
func (m *Modem) Close() {
	m.peer.Close()
}

/* ----------------------------------------------------------------
 * Test hooks
 * -------------------------------------------------------------- */

// AddHost adds a DNS entry.
func (m *Modem) AddHost(name, addr string) {
	m.mu.Lock()
	m.dns[name] = addr
	m.mu.Unlock()
}

// SetLocalAddress sets the address reported for the active connection.
func (m *Modem) SetLocalAddress(addr string) {
	m.mu.Lock()
	m.localAddr = addr
	m.mu.Unlock()
}

// SetAcceptLimit caps how many bytes each write command accepts, to
// exercise under-acceptance handling. Zero removes the cap.
func (m *Modem) SetAcceptLimit(n int) {
	m.mu.Lock()
	m.acceptLimit = n
	m.mu.Unlock()
}

// FailNext makes the next command with the given name (e.g. "USOCR")
// answer ERROR.
func (m *Modem) FailNext(name string) {
	m.mu.Lock()
	m.failNext = name
	m.mu.Unlock()
}

// QueueStream appends inbound TCP data for a handle and raises the
// data-ready notification with the total now pending.
func (m *Modem) QueueStream(handle int, data []byte) {
	m.mu.Lock()
	sk := m.sockets[handle]
	if sk == nil || !sk.open {
		m.mu.Unlock()
		return
	}
	sk.stream.Write(data)
	pending := sk.stream.Length()
	m.mu.Unlock()
	m.urc("+UUSORD: %d,%d", handle, pending)
}

// QueueDatagram appends one inbound UDP datagram for a handle and
// raises the data-ready notification with the size of the next one.
func (m *Modem) QueueDatagram(handle int, addr string, port int, data []byte) {
	m.mu.Lock()
	sk := m.sockets[handle]
	if sk == nil || !sk.open {
		m.mu.Unlock()
		return
	}
	sk.dgrams = append(sk.dgrams, dgram{addr: addr, port: port, data: append([]byte(nil), data...)})
	next := len(sk.dgrams[0].data)
	m.mu.Unlock()
	m.urc("+UUSORF: %d,%d", handle, next)
}

// EmitClosed reports the far end having closed the socket.
func (m *Modem) EmitClosed(handle int) {
	m.mu.Lock()
	if sk := m.sockets[handle]; sk != nil {
		sk.open = false
	}
	m.mu.Unlock()
	m.urc("+UUSOCL: %d", handle)
}

// EmitDataReady raises a bare data-ready notification with an arbitrary
// handle and count, for poking at notification handling directly.
func (m *Modem) EmitDataReady(handle, count int) {
	m.urc("+UUSORD: %d,%d", handle, count)
}

// EmitLinkDown reports loss of the packet-switched connection.
func (m *Modem) EmitLinkDown(profile int) {
	m.urc("+UUPSDD: %d", profile)
}

// Sent returns everything written out of the given socket so far.
func (m *Modem) Sent(handle int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sk := m.sockets[handle]; sk != nil {
		return append([]byte(nil), sk.sent...)
	}
	return nil
}

// NumOpen reports how many sockets the modem has open.
func (m *Modem) NumOpen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sk := range m.sockets {
		if sk.open {
			n++
		}
	}
	return n
}

/* ----------------------------------------------------------------
 * The modem end of the wire
 * -------------------------------------------------------------- */

func (m *Modem) urc(format string, args ...interface{}) {
	m.writeMu.Lock()
	fmt.Fprintf(m.peer, "\r\n"+format+"\r\n", args...)
	m.writeMu.Unlock()
}

func (m *Modem) respond(lines ...string) {
	m.writeMu.Lock()
	for _, l := range lines {
		fmt.Fprintf(m.peer, "\r\n%s\r\n", l)
	}
	m.writeMu.Unlock()
}

// shouldFail consumes a pending FailNext for the named command.
func (m *Modem) shouldFail(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext == name {
		m.failNext = ""
		return true
	}
	return false
}

func (m *Modem) run() {
	r := bufio.NewReader(m.peer)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m.handle(r, line)
	}
}

// handle processes one command line, reading a binary payload off the
// wire first where the command calls for one.
func (m *Modem) handle(r *bufio.Reader, line string) {
	name, args := splitCommand(line)
	if m.shouldFail(name) {
		m.respond("ERROR")
		return
	}
	switch name {
	case "USOCR":
		m.create(args)
	case "USOCO":
		m.connect(args)
	case "USOCL":
		m.close(args)
	case "USOWR":
		m.streamWrite(r, args)
	case "USOST":
		m.datagramWrite(r, args)
	case "USORD":
		m.streamRead(args)
	case "USORF":
		m.datagramRead(args)
	case "USOSO":
		m.setOption(args)
	case "USOGO":
		m.getOption(args)
	case "UDNSRN":
		m.resolve(args)
	case "UPSND":
		m.mu.Lock()
		addr := m.localAddr
		m.mu.Unlock()
		m.respond(fmt.Sprintf("+UPSND: 0,0,\"%s\"", addr), "OK")
	default:
		m.log.WithField("line", line).Debug("unhandled command")
		m.respond("ERROR")
	}
}

// splitCommand turns "AT+USOWR=3,5" into ("USOWR", [3 5]).
func splitCommand(line string) (string, []string) {
	line = strings.TrimPrefix(line, "AT+")
	name, rest, ok := strings.Cut(line, "=")
	if !ok {
		return line, nil
	}
	return name, splitArgs(rest)
}

// splitArgs splits on commas outside quotes and strips the quotes.
func splitArgs(s string) []string {
	var args []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"':
			inQuote = !inQuote
		case c == ',' && !inQuote:
			args = append(args, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	args = append(args, cur.String())
	return args
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return n
}

func (m *Modem) socketFor(args []string) (*simSocket, int) {
	if len(args) < 1 {
		return nil, -1
	}
	h := atoi(args[0])
	m.mu.Lock()
	defer m.mu.Unlock()
	sk := m.sockets[h]
	if sk == nil || !sk.open {
		return nil, h
	}
	return sk, h
}

func (m *Modem) create(args []string) {
	if len(args) < 1 {
		m.respond("ERROR")
		return
	}
	m.mu.Lock()
	open := 0
	for _, sk := range m.sockets {
		if sk.open {
			open++
		}
	}
	if open >= maxSockets {
		m.mu.Unlock()
		m.respond("ERROR")
		return
	}
	h := m.next
	m.next++
	m.sockets[h] = &simSocket{
		proto:  atoi(args[0]),
		open:   true,
		stream: ringbuffer.New(streamBufSize),
		opts:   make(map[[2]int]int),
	}
	m.mu.Unlock()
	m.respond(fmt.Sprintf("+USOCR: %d", h), "OK")
}

func (m *Modem) connect(args []string) {
	sk, _ := m.socketFor(args)
	if sk == nil || len(args) < 3 {
		m.respond("ERROR")
		return
	}
	m.respond("OK")
}

func (m *Modem) close(args []string) {
	sk, h := m.socketFor(args)
	if sk == nil {
		m.respond("ERROR")
		return
	}
	m.mu.Lock()
	sk.open = false
	m.mu.Unlock()
	async := len(args) >= 2 && atoi(args[1]) == 1
	m.respond("OK")
	if async {
		// Asynchronous closure confirmation, slightly delayed as the
		// real network would.
		go func() {
			time.Sleep(5 * time.Millisecond)
			m.urc("+UUSOCL: %d", h)
		}()
	}
}

// readPayload issues the binary-entry prompt and takes n raw bytes.
func (m *Modem) readPayload(r *bufio.Reader, n int) ([]byte, error) {
	m.writeMu.Lock()
	m.peer.Write([]byte("\r\n@"))
	m.writeMu.Unlock()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *Modem) streamWrite(r *bufio.Reader, args []string) {
	sk, h := m.socketFor(args)
	if sk == nil || len(args) < 2 {
		m.respond("ERROR")
		return
	}
	n := atoi(args[1])
	data, err := m.readPayload(r, n)
	if err != nil {
		return
	}
	m.mu.Lock()
	accepted := n
	if m.acceptLimit > 0 && accepted > m.acceptLimit {
		accepted = m.acceptLimit
	}
	sk.sent = append(sk.sent, data[:accepted]...)
	m.mu.Unlock()
	m.respond(fmt.Sprintf("+USOWR: %d,%d", h, accepted), "OK")
}

func (m *Modem) datagramWrite(r *bufio.Reader, args []string) {
	sk, h := m.socketFor(args)
	if sk == nil || len(args) < 4 {
		m.respond("ERROR")
		return
	}
	n := atoi(args[3])
	data, err := m.readPayload(r, n)
	if err != nil {
		return
	}
	m.mu.Lock()
	sk.sent = append(sk.sent, data...)
	m.mu.Unlock()
	m.respond(fmt.Sprintf("+USOST: %d,%d", h, n), "OK")
}

func (m *Modem) streamRead(args []string) {
	sk, h := m.socketFor(args)
	if sk == nil || len(args) < 2 {
		m.respond("ERROR")
		return
	}
	want := atoi(args[1])
	m.mu.Lock()
	if want == 0 {
		// Probe for the amount pending.
		pending := sk.stream.Length()
		m.mu.Unlock()
		m.respond(fmt.Sprintf("+USORD: %d,%d", h, pending), "OK")
		return
	}
	if want > sk.stream.Length() {
		want = sk.stream.Length()
	}
	buf := make([]byte, want)
	sk.stream.Read(buf)
	m.mu.Unlock()
	m.respond(fmt.Sprintf("+USORD: %d,%d,\"%s\"", h, len(buf), buf), "OK")
}

func (m *Modem) datagramRead(args []string) {
	sk, h := m.socketFor(args)
	if sk == nil || len(args) < 2 {
		m.respond("ERROR")
		return
	}
	want := atoi(args[1])
	m.mu.Lock()
	if want == 0 || len(sk.dgrams) == 0 {
		next := 0
		if len(sk.dgrams) > 0 {
			next = len(sk.dgrams[0].data)
		}
		m.mu.Unlock()
		m.respond(fmt.Sprintf("+USORF: %d,%d", h, next), "OK")
		return
	}
	// Whole datagrams only, regardless of how much was asked for.
	d := sk.dgrams[0]
	sk.dgrams = sk.dgrams[1:]
	m.mu.Unlock()
	m.respond(fmt.Sprintf("+USORF: %d,\"%s\",%d,%d,\"%s\"",
		h, d.addr, d.port, len(d.data), d.data), "OK")
}

func (m *Modem) setOption(args []string) {
	sk, _ := m.socketFor(args)
	if sk == nil || len(args) < 4 {
		m.respond("ERROR")
		return
	}
	key := [2]int{atoi(args[1]), atoi(args[2])}
	m.mu.Lock()
	sk.opts[key] = atoi(args[3])
	// Linger carries a second value when being switched on.
	if len(args) >= 5 {
		sk.opts[[2]int{key[0], -key[1]}] = atoi(args[4])
	}
	m.mu.Unlock()
	m.respond("OK")
}

func (m *Modem) getOption(args []string) {
	sk, _ := m.socketFor(args)
	if sk == nil || len(args) < 3 {
		m.respond("ERROR")
		return
	}
	key := [2]int{atoi(args[1]), atoi(args[2])}
	m.mu.Lock()
	v := sk.opts[key]
	extra, twoValued := sk.opts[[2]int{key[0], -key[1]}]
	m.mu.Unlock()
	if twoValued && v == 1 {
		m.respond(fmt.Sprintf("+USOGO: %d,%d", v, extra), "OK")
		return
	}
	m.respond(fmt.Sprintf("+USOGO: %d", v), "OK")
}

func (m *Modem) resolve(args []string) {
	if len(args) < 2 {
		m.respond("ERROR")
		return
	}
	m.mu.Lock()
	addr, ok := m.dns[args[1]]
	m.mu.Unlock()
	if !ok {
		m.respond("ERROR")
		return
	}
	m.respond(fmt.Sprintf("+UDNSRN: \"%s\"", addr), "OK")
}
