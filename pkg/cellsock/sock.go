// Package cellsock multiplexes BSD-style socket descriptors onto a
// cellular modem driven over a single AT-command channel.
//
// Any number of caller-visible descriptors map onto the one serialized
// AT exchange; per-socket lifecycle and pending-data state are updated
// both by the calling goroutine and by modem notifications (URCs) parsed
// on a background context. TCP gets stream semantics (chunking, bounded
// retry) and UDP gets whole-datagram semantics on top of the modem's
// request/response socket commands.
package cellsock

import (
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"CELL-SOCK/pkg/atcmd"
	"CELL-SOCK/pkg/sockaddr"
)

const (
	// MaxSegmentBytes is the most payload one AT read or write command
	// can carry, independent of the caller's buffer size.
	MaxSegmentBytes = 1024

	// MaxSockets caps simultaneously open (non-closed) sockets; it is
	// what the modem firmware supports.
	MaxSockets = 7

	// NumStaticSockets containers are pre-allocated and never freed.
	NumStaticSockets = MaxSockets

	// DefaultReceiveTimeout applies to blocking reads until RCVTIMEO
	// changes it.
	DefaultReceiveTimeout = 10 * time.Second

	// tcpRetryLimit bounds the send loop when the modem persistently
	// accepts fewer bytes than offered.
	tcpRetryLimit = 10

	// closeTimeout is large because the modem may be waiting for the
	// ack of the ack of the ack.
	closeTimeout = 60 * time.Second

	connectTimeout = 10 * time.Second
	dnsTimeout     = 60 * time.Second

	// pollInterval is how long receive loops sleep to let the AT parser
	// task deliver a data-ready URC.
	pollInterval = 10 * time.Millisecond

	// promptDelay is the settle time between the modem's binary-entry
	// prompt and the payload.
	promptDelay = 50 * time.Millisecond

	promptChar = '@'
)

// Descriptor is a caller-visible socket handle, distinct from the handle
// the modem firmware assigns.
type Descriptor int

// Type is the socket semantic type.
type Type int

const (
	TypeStream Type = 1
	TypeDgram  Type = 2
)

// Protocol values are what goes to the modem on creation.
type Protocol int

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

// socket is the per-socket record. pendingBytes and state are atomics
// because the URC bridge writes them without the pool lock; see the
// concurrency notes on Stack.
type socket struct {
	typ            Type
	proto          Protocol
	modemHandle    int
	state          atomicState
	remote         sockaddr.Address
	receiveTimeout time.Duration
	nonBlocking    bool
	pendingBytes   atomicCount

	// Guarded by Stack.cbMu.
	dataCallback   func()
	closedCallback func()
}

// container is a pool slot owning one socket record plus list linkage.
// Static containers are linked at initialisation and never freed.
type container struct {
	descriptor Descriptor
	isStatic   bool
	sock       socket
	prev, next *container
}

// Stack is the socket subsystem: one per AT channel.
//
// Two locks protect different things. mu (the pool lock) serializes all
// container allocation, lookup and list traversal done by API calls.
// cbMu serializes only the read-then-schedule of the callback fields.
// The URC bridge takes neither: a caller may be blocked inside a
// transfer engine holding the AT lock waiting for a prompt, and the only
// way its URC can arrive is by that same goroutine pumping the receive
// path, so locking the pool from the bridge would deadlock. The bridge
// instead goes through a lock-free handle index, and the shared counters
// are atomics written defensively on both sides.
type Stack struct {
	at  *atcmd.Channel
	log *logrus.Entry

	mu          sync.Mutex
	cbMu        sync.Mutex
	initialised bool

	static         [NumStaticSockets]container
	head           *container
	nextDescriptor Descriptor

	// byHandle maps modem handle to container for the URC bridge; a
	// sync.Map so the bridge can look sockets up without the pool lock.
	byHandle sync.Map

	keepGoing func() bool
}

// New returns a Stack over the given AT channel. URC handlers are
// registered lazily on first use and removed again when the last socket
// is reclaimed.
func New(at *atcmd.Channel) *Stack {
	return &Stack{
		at:  at,
		log: logrus.WithField("pkg", "cellsock"),
	}
}

// SetKeepGoingCallback installs a predicate consulted while a connect
// exchange is pending; returning false abandons the wait. Nil (the
// default) lets the exchange run to its timeout.
func (s *Stack) SetKeepGoingCallback(f func() bool) {
	s.mu.Lock()
	s.keepGoing = f
	s.mu.Unlock()
}

// initLocked sets the subsystem up on first use. Pool lock held.
func (s *Stack) initLocked() {
	if s.initialised {
		return
	}
	s.at.SetURCHandler("+UUSORD:", s.dataReadyURC)
	s.at.SetURCHandler("+UUSORF:", s.dataReadyURC)
	s.at.SetURCHandler("+UUSOCL:", s.socketClosedURC)
	s.at.SetURCHandler("+UUPSDD:", s.linkDownURC)

	// Link the static containers into the start of the container list.
	var prev *container
	for i := range s.static {
		c := &s.static[i]
		c.isStatic = true
		c.sock.modemHandle = -1
		c.sock.state.Store(StateClosed)
		c.prev = prev
		c.next = nil
		if prev != nil {
			prev.next = c
		} else {
			s.head = c
		}
		prev = c
	}
	s.initialised = true
}

// deinitLocked removes the URC handlers. Pool lock held. The list and
// the mutexes remain: someone may still hold them.
func (s *Stack) deinitLocked() {
	if !s.initialised {
		return
	}
	s.at.RemoveURCHandler("+UUSORD:")
	s.at.RemoveURCHandler("+UUSORF:")
	s.at.RemoveURCHandler("+UUSOCL:")
	s.at.RemoveURCHandler("+UUPSDD:")
	s.initialised = false
}

/* ----------------------------------------------------------------
 * Create / connect / close
 * -------------------------------------------------------------- */

// Create opens a socket of the given type and protocol on the modem and
// returns its descriptor.
func (s *Stack) Create(typ Type, proto Protocol) (Descriptor, error) {
	if typ != TypeStream && typ != TypeDgram {
		return -1, ErrPfNoSupport
	}
	if proto != ProtocolTCP && proto != ProtocolUDP {
		return -1, ErrProtoNoSupport
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	if s.numInUseLocked() >= MaxSockets {
		s.log.Warn("unable to create socket, no free descriptors")
		return -1, ErrNoBufs
	}

	cont, desc := s.containerCreateLocked(typ, proto)

	// Talk to the modem to create its end.
	at := s.at
	at.Lock()
	at.CommandStart("AT+USOCR=")
	at.WriteInt(int(proto))
	at.CommandStop()
	at.ResponseStart("+USOCR:")
	handle := at.ReadInt()
	at.ResponseStop()
	if err := at.UnlockReturnError(); err != nil || handle < 0 {
		s.containerFreeLocked(desc)
		s.log.WithError(err).Warn("modem could not create socket")
		return -1, ErrIO
	}

	cont.sock.modemHandle = handle
	s.byHandle.Store(handle, cont)
	s.log.WithFields(logrus.Fields{
		"descriptor": desc, "handle": handle,
	}).Debug("socket created")
	return desc, nil
}

// Connect makes an outgoing connection. Only valid on a freshly created
// socket.
func (s *Stack) Connect(d Descriptor, remote sockaddr.Address) error {
	if !remote.IsValid() {
		return ErrDestAddrReq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return ErrBadFd
	}
	if cont.sock.state.Load() != StateCreated {
		return ErrPerm
	}

	s.log.WithField("remote", remote.String()).Debug("connecting socket")
	at := s.at
	at.Lock()
	at.SetTimeout(connectTimeout)
	at.SetKeepGoing(s.keepGoing)
	at.CommandStart("AT+USOCO=")
	at.WriteInt(cont.sock.modemHandle)
	at.WriteString(remote.Format(false), true)
	at.WriteInt(int(remote.Port))
	at.CommandStopReadResponse()
	at.SetKeepGoing(nil)
	at.RestoreTimeout()
	if err := at.UnlockReturnError(); err != nil {
		s.log.WithError(err).WithField("remote", remote.String()).
			Warn("remote address is not reachable")
		return ErrHostUnreach
	}

	cont.sock.remote = remote
	cont.sock.state.Store(StateConnected)
	s.log.WithFields(logrus.Fields{
		"descriptor": d, "handle": cont.sock.modemHandle,
		"remote": remote.String(),
	}).Debug("socket connected")
	return nil
}

// Close closes the socket on the modem. A connected TCP socket asks for
// asynchronous confirmation and stays in Closing until the closed URC
// arrives; everything else goes straight to Closed. The container itself
// is only reclaimed by CleanUp.
func (s *Stack) Close(d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return ErrBadFd
	}

	finalState := StateClosed
	at := s.at
	at.Lock()
	at.SetTimeout(closeTimeout)
	at.CommandStart("AT+USOCL=")
	at.WriteInt(cont.sock.modemHandle)
	if cont.sock.proto == ProtocolTCP &&
		cont.sock.state.Load() == StateConnected {
		// The modem is strict about waiting for the final ack, so ask
		// for an asynchronous indication instead of blocking here.
		at.WriteInt(1)
		finalState = StateClosing
	}
	at.CommandStopReadResponse()
	at.RestoreTimeout()
	if err := at.UnlockReturnError(); err != nil {
		s.log.WithError(err).WithField("descriptor", d).
			Warn("modem could not close socket")
		return ErrIO
	}

	cont.sock.state.Store(finalState)
	s.log.WithFields(logrus.Fields{
		"descriptor": d, "state": finalState.String(),
	}).Debug("socket closed")
	return nil
}

// CleanUp reclaims the containers of closed and closing sockets: dynamic
// ones are unlinked and freed, static ones reset to Closed. When no
// non-closed socket remains the subsystem is deinitialised (URC handlers
// removed); the next Create starts it again.
func (s *Stack) CleanUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialised {
		return
	}

	nonClosed := 0
	for cont := s.head; cont != nil; {
		next := cont.next
		switch cont.sock.state.Load() {
		case StateClosed, StateClosing:
			s.byHandle.Delete(cont.sock.modemHandle)
			if cont.isStatic {
				cont.sock.modemHandle = -1
				cont.sock.state.Store(StateClosed)
			} else {
				s.unlinkLocked(cont)
			}
		default:
			nonClosed++
		}
		cont = next
	}
	if nonClosed == 0 {
		s.deinitLocked()
	}
}

// Deinit tears the subsystem down regardless of socket state.
func (s *Stack) Deinit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialised {
		return
	}
	for cont := s.head; cont != nil; {
		next := cont.next
		s.byHandle.Delete(cont.sock.modemHandle)
		if cont.isStatic {
			cont.sock.modemHandle = -1
			cont.sock.state.Store(StateClosed)
		} else {
			s.unlinkLocked(cont)
		}
		cont = next
	}
	s.deinitLocked()
}

// Shutdown blocks further transfers in the given direction.
func (s *Stack) Shutdown(d Descriptor, how How) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return ErrBadFd
	}
	switch how {
	case ShutdownRead:
		cont.sock.state.Store(StateShutdownRead)
	case ShutdownWrite:
		cont.sock.state.Store(StateShutdownWrite)
	case ShutdownReadWrite:
		cont.sock.state.Store(StateShutdownReadWrite)
	default:
		return ErrInval
	}
	return nil
}

/* ----------------------------------------------------------------
 * Configure
 * -------------------------------------------------------------- */

// Fcntl commands and the non-blocking status bit, numerically compatible
// with the usual F_GETFL/F_SETFL/O_NONBLOCK trio.
const (
	FcntlGetStatus    = 3
	FcntlSetStatus    = 4
	StatusNonBlocking = 0x00000001
)

// IoctlSetNonBlock is the FIONBIO request code.
const IoctlSetNonBlock = 0x8004667E

// Fcntl gets or sets the socket's file status flags.
func (s *Stack) Fcntl(d Descriptor, command, value int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return -1, ErrBadFd
	}
	switch command {
	case FcntlSetStatus:
		cont.sock.nonBlocking = value&StatusNonBlocking != 0
		return 0, nil
	case FcntlGetStatus:
		if cont.sock.nonBlocking {
			return StatusNonBlocking, nil
		}
		return 0, nil
	}
	return -1, ErrInval
}

// Ioctl configures device parameters; only FIONBIO is supported.
func (s *Stack) Ioctl(d Descriptor, command int, value *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return ErrBadFd
	}
	if command != IoctlSetNonBlock || value == nil {
		return ErrInval
	}
	cont.sock.nonBlocking = *value != 0
	return nil
}

/* ----------------------------------------------------------------
 * Async callbacks
 * -------------------------------------------------------------- */

// RegisterDataCallback installs cb to be scheduled whenever a data-ready
// notification lands for the socket. It runs on the channel's callback
// goroutine, never on the parser context. Nil removes it.
func (s *Stack) RegisterDataCallback(d Descriptor, cb func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return ErrBadFd
	}
	s.cbMu.Lock()
	cont.sock.dataCallback = cb
	s.cbMu.Unlock()
	return nil
}

// RegisterClosedCallback installs cb to be scheduled when the modem
// reports the socket closed. Nil removes it.
func (s *Stack) RegisterClosedCallback(d Descriptor, cb func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return ErrBadFd
	}
	s.cbMu.Lock()
	cont.sock.closedCallback = cb
	s.cbMu.Unlock()
	return nil
}

/* ----------------------------------------------------------------
 * Finding addresses
 * -------------------------------------------------------------- */

// RemoteAddress reports the peer a socket is connected to.
func (s *Stack) RemoteAddress(d Descriptor) (sockaddr.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return sockaddr.Address{}, ErrBadFd
	}
	if cont.sock.state.Load() != StateConnected {
		return sockaddr.Address{}, ErrHostUnreach
	}
	return cont.sock.remote, nil
}

// LocalAddress reports the cellular interface's own address; it is the
// same for every socket and carries no port.
func (s *Stack) LocalAddress(d Descriptor) (sockaddr.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	if s.findByDescriptorLocked(d) == nil {
		return sockaddr.Address{}, ErrBadFd
	}

	at := s.at
	at.Lock()
	at.CommandStart("AT+UPSND=")
	at.WriteInt(0)
	at.WriteInt(0)
	at.CommandStop()
	at.ResponseStart("+UPSND:")
	at.SkipParams(2)
	text := at.ReadString()
	at.ResponseStop()
	if err := at.UnlockReturnError(); err != nil {
		return sockaddr.Address{}, ErrNetDown
	}
	addr, err := sockaddr.Parse(text)
	if err != nil {
		return sockaddr.Address{}, ErrNetDown
	}
	return addr, nil
}

// GetHostByName resolves a host name through the modem's DNS.
func (s *Stack) GetHostByName(name string) (netip.Addr, error) {
	if name == "" {
		return netip.Addr{}, ErrInval
	}
	s.log.WithField("host", name).Debug("looking up IP address")

	at := s.at
	at.Lock()
	// Allow plenty of time.
	at.SetTimeout(dnsTimeout)
	at.CommandStart("AT+UDNSRN=")
	at.WriteInt(0)
	at.WriteString(name, true)
	at.CommandStop()
	at.ResponseStart("+UDNSRN:")
	text := at.ReadString()
	at.ResponseStop()
	at.RestoreTimeout()
	if err := at.UnlockReturnError(); err != nil {
		s.log.WithField("host", name).Debug("host not found")
		return netip.Addr{}, ErrHostUnreach
	}
	addr, err := sockaddr.Parse(text)
	if err != nil {
		return netip.Addr{}, ErrHostUnreach
	}
	s.log.WithFields(logrus.Fields{"host": name, "addr": text}).Debug("resolved")
	return addr.IP, nil
}

// SocketInfo is a point-in-time snapshot of one live socket, for
// listings and diagnostics.
type SocketInfo struct {
	Descriptor   Descriptor
	Type         Type
	Protocol     Protocol
	State        State
	Remote       sockaddr.Address
	PendingBytes int
	NonBlocking  bool
}

// Sockets snapshots every socket that has not been fully closed.
func (s *Stack) Sockets() []SocketInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SocketInfo
	for cont := s.head; cont != nil; cont = cont.next {
		state := cont.sock.state.Load()
		if state == StateClosed {
			continue
		}
		out = append(out, SocketInfo{
			Descriptor:   cont.descriptor,
			Type:         cont.sock.typ,
			Protocol:     cont.sock.proto,
			State:        state,
			Remote:       cont.sock.remote,
			PendingBytes: cont.sock.pendingBytes.Load(),
			NonBlocking:  cont.sock.nonBlocking,
		})
	}
	return out
}

/* ----------------------------------------------------------------
 * Server-side operations: not supported by the modem firmware
 * -------------------------------------------------------------- */

func (s *Stack) Bind(Descriptor, sockaddr.Address) error { return ErrNoSys }

func (s *Stack) Listen(Descriptor, int) error { return ErrNoSys }

func (s *Stack) Accept(Descriptor) (Descriptor, sockaddr.Address, error) {
	return -1, sockaddr.Address{}, ErrNoSys
}

func (s *Stack) Select([]Descriptor, []Descriptor, []Descriptor, time.Duration) (int, error) {
	return -1, ErrNoSys
}
