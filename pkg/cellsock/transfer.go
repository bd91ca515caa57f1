package cellsock

import (
	"time"

	"github.com/sirupsen/logrus"

	"CELL-SOCK/pkg/sockaddr"
)

/* ----------------------------------------------------------------
 * Public wrappers: parameter and state checks
 * -------------------------------------------------------------- */

// Write sends stream data on a connected TCP socket. It may return
// fewer bytes than asked for together with an error if the modem
// persistently under-accepts.
func (s *Stack) Write(d Descriptor, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return 0, ErrBadFd
	}
	if cont.sock.proto != ProtocolTCP {
		return 0, ErrProtoType
	}
	switch cont.sock.state.Load() {
	case StateConnected:
	case StateShutdownWrite, StateShutdownReadWrite:
		return 0, ErrShutdown
	case StateClosing:
		return 0, ErrNotConn
	default:
		return 0, ErrHostUnreach
	}
	if len(data) == 0 {
		return 0, nil
	}
	return s.send(cont, data)
}

// Read receives stream data from a connected TCP socket. It blocks up
// to the receive timeout and returns whatever has arrived by then;
// nothing at all is ErrWouldBlock.
func (s *Stack) Read(d Descriptor, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return 0, ErrBadFd
	}
	if cont.sock.proto != ProtocolTCP {
		return 0, ErrProtoType
	}
	switch cont.sock.state.Load() {
	case StateConnected:
	case StateShutdownRead, StateShutdownReadWrite:
		return 0, ErrShutdown
	case StateClosing:
		return 0, ErrNotConn
	default:
		return 0, ErrHostUnreach
	}
	if len(buf) == 0 {
		return 0, nil
	}
	return s.receive(cont, buf)
}

// SendTo sends one whole datagram. A nil remote uses the address the
// socket is connected to. Sending a datagram on a TCP socket is
// allowed, as the modem permits it.
func (s *Stack) SendTo(d Descriptor, remote *sockaddr.Address, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return 0, ErrBadFd
	}
	if remote == nil {
		switch cont.sock.state.Load() {
		case StateConnected:
			remote = &cont.sock.remote
		case StateShutdownWrite, StateShutdownReadWrite:
			return 0, ErrShutdown
		case StateClosing:
			return 0, ErrNotConn
		default:
			return 0, ErrDestAddrReq
		}
	}
	if len(data) == 0 {
		return 0, nil
	}
	return s.sendTo(cont, *remote, data)
}

// ReceiveFrom receives one whole datagram, blocking up to the receive
// timeout. A datagram larger than buf is truncated; the excess is gone.
// The second return is the sender's address.
func (s *Stack) ReceiveFrom(d Descriptor, buf []byte) (int, sockaddr.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return 0, sockaddr.Address{}, ErrBadFd
	}
	switch cont.sock.state.Load() {
	case StateShutdownRead, StateShutdownReadWrite:
		return 0, sockaddr.Address{}, ErrShutdown
	case StateClosing:
		return 0, sockaddr.Address{}, ErrNotConn
	}
	if len(buf) == 0 {
		return 0, sockaddr.Address{}, nil
	}
	return s.receiveFrom(cont, buf)
}

/* ----------------------------------------------------------------
 * Engines. All run with the pool lock held; each modem exchange takes
 * and releases the AT lock so the parser can run URCs in between.
 * -------------------------------------------------------------- */

// send pushes stream data in segments. The modem may accept fewer bytes
// than offered in a segment; that is retried with the remainder, but
// only so many times before giving up, otherwise a stuck connection
// would spin here forever.
func (s *Stack) send(cont *container, data []byte) (int, error) {
	at := s.at
	sent := 0
	loops := 0
	for sent < len(data) {
		loops++
		chunk := len(data) - sent
		if chunk > MaxSegmentBytes {
			chunk = MaxSegmentBytes
		}
		at.Lock()
		at.CommandStart("AT+USOWR=")
		at.WriteInt(cont.sock.modemHandle)
		at.WriteInt(chunk)
		at.CommandStop()
		if !at.WaitPrompt(promptChar) {
			at.Unlock()
			return sent, ErrIO
		}
		// The modem needs a moment after the prompt.
		time.Sleep(promptDelay)
		at.WriteBytes(data[sent : sent+chunk])
		at.ResponseStart("+USOWR:")
		at.SkipParams(1)
		accepted := at.ReadInt()
		at.ResponseStop()
		if err := at.UnlockReturnError(); err != nil || accepted < 0 {
			return sent, ErrIO
		}
		sent += accepted
		if accepted < chunk && loops >= tcpRetryLimit {
			s.log.WithFields(logrus.Fields{
				"handle": cont.sock.modemHandle, "sent": sent,
			}).Warn("modem persistently under-accepting, giving up")
			return sent, ErrIO
		}
	}
	return sent, nil
}

// receive pulls stream data until the buffer is full or the receive
// timeout passes. When no data is pending it sleeps briefly so the
// parser context can deliver a data-ready notification.
func (s *Stack) receive(cont *container, buf []byte) (int, error) {
	at := s.at
	start := time.Now()
	received := 0

	if cont.sock.pendingBytes.Load() == 0 {
		// No notification yet; ask the modem directly.
		at.Lock()
		at.CommandStart("AT+USORD=")
		at.WriteInt(cont.sock.modemHandle)
		at.WriteInt(0)
		at.CommandStop()
		at.ResponseStart("+USORD:")
		at.SkipParams(1)
		n := at.ReadInt()
		at.ResponseStop()
		if n >= 0 {
			cont.sock.pendingBytes.Store(n)
		}
		at.Unlock()
	}

	for received < len(buf) {
		if cont.sock.pendingBytes.Load() > 0 {
			want := len(buf) - received
			if want > MaxSegmentBytes {
				want = MaxSegmentBytes
			}
			at.Lock()
			at.CommandStart("AT+USORD=")
			at.WriteInt(cont.sock.modemHandle)
			at.WriteInt(want)
			at.CommandStop()
			at.ResponseStart("+USORD:")
			at.SkipParams(1)
			n := at.ReadInt()
			if n > want {
				n = want
			}
			if n > 0 {
				// The payload is raw binary inside quotes; skip the
				// opening quote and take the bytes as they are.
				at.SkipBytes(1)
				at.ReadBytes(buf[received : received+n])
			}
			at.ResponseStop()
			// Adjust pendingBytes before releasing the AT lock so a
			// data-ready notification cannot interleave with the
			// subtraction. What the modem returned is authoritative;
			// there is no notification for the count reaching zero.
			err := at.LastError()
			if err == nil && n > 0 {
				cont.sock.pendingBytes.Sub(n)
				received += n
			} else if err == nil && n == 0 {
				// A data-ready count can transiently over-state what
				// the modem actually holds. Its answer wins: zero the
				// count and go back to waiting instead of asking again
				// straight away.
				cont.sock.pendingBytes.Store(0)
			}
			at.Unlock()
			if err != nil || n < 0 {
				return received, ErrIO
			}
		} else if !cont.sock.nonBlocking &&
			time.Since(start) < cont.sock.receiveTimeout {
			// Yield to the parser context that is listening for
			// data-ready notifications.
			time.Sleep(pollInterval)
		} else {
			if received == 0 {
				return 0, ErrWouldBlock
			}
			// Timed out after receiving something; leave with that.
			break
		}
	}
	return received, nil
}

// sendTo ships one whole datagram in a single exchange.
func (s *Stack) sendTo(cont *container, remote sockaddr.Address, data []byte) (int, error) {
	if !remote.IsValid() {
		return 0, ErrDestAddrReq
	}
	if len(data) > MaxSegmentBytes {
		return 0, ErrMsgSize
	}

	at := s.at
	at.Lock()
	at.CommandStart("AT+USOST=")
	at.WriteInt(cont.sock.modemHandle)
	at.WriteString(remote.Format(false), true)
	at.WriteInt(int(remote.Port))
	at.WriteInt(len(data))
	at.CommandStop()
	if !at.WaitPrompt(promptChar) {
		at.Unlock()
		return 0, ErrIO
	}
	time.Sleep(promptDelay)
	at.WriteBytes(data)
	at.ResponseStart("+USOST:")
	at.SkipParams(1)
	sent := at.ReadInt()
	at.ResponseStop()
	if err := at.UnlockReturnError(); err != nil || sent < 0 {
		return 0, ErrHostUnreach
	}
	return sent, nil
}

// receiveFrom takes exactly one datagram off the modem: the modem only
// delivers whole datagrams, so the full pending size is always read and
// anything beyond the caller's buffer is poured away.
func (s *Stack) receiveFrom(cont *container, buf []byte) (int, sockaddr.Address, error) {
	at := s.at
	start := time.Now()

	if cont.sock.pendingBytes.Load() == 0 {
		at.Lock()
		at.CommandStart("AT+USORF=")
		at.WriteInt(cont.sock.modemHandle)
		at.WriteInt(0)
		at.CommandStop()
		at.ResponseStart("+USORF:")
		at.SkipParams(1)
		n := at.ReadInt()
		at.ResponseStop()
		if n >= 0 {
			cont.sock.pendingBytes.Store(n)
		}
		at.Unlock()
	}

	for {
		if cont.sock.pendingBytes.Load() > 0 {
			at.Lock()
			at.CommandStart("AT+USORF=")
			at.WriteInt(cont.sock.modemHandle)
			at.WriteInt(MaxSegmentBytes)
			at.CommandStop()
			at.ResponseStart("+USORF:")
			at.SkipParams(1)
			addrText := at.ReadString()
			port := at.ReadInt()
			size := at.ReadInt()
			if size > MaxSegmentBytes {
				size = MaxSegmentBytes
			}
			take := size
			if take > len(buf) {
				take = len(buf)
			}
			if size > 0 {
				at.SkipBytes(1)
				at.ReadBytes(buf[:take])
				if size > take {
					at.SkipBytes(size - take)
				}
			}
			at.ResponseStop()
			err := at.LastError()
			if err == nil && size >= 0 {
				cont.sock.pendingBytes.Sub(size)
			}
			at.Unlock()
			if err != nil || size < 0 {
				return 0, sockaddr.Address{}, ErrIO
			}
			from, perr := sockaddr.Parse(addrText)
			if perr != nil || port < 0 {
				return take, sockaddr.Address{}, ErrIO
			}
			from.Port = uint16(port)
			return take, from, nil
		} else if !cont.sock.nonBlocking &&
			time.Since(start) < cont.sock.receiveTimeout {
			time.Sleep(pollInterval)
		} else {
			return 0, sockaddr.Address{}, ErrWouldBlock
		}
	}
}
