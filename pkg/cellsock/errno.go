package cellsock

// Errno is the BSD-style error taxonomy surfaced by the socket API. The
// numeric values follow the usual errno assignments so that callers
// ported from a libc environment see familiar numbers.
type Errno int

const (
	ErrPerm           Errno = 1   // operation not permitted
	ErrIO             Errno = 5   // modem rejected or garbled a command
	ErrBadFd          Errno = 9   // not a live socket descriptor
	ErrWouldBlock     Errno = 11  // nothing received before the timeout
	ErrNoMem          Errno = 12  // subsystem could not initialise
	ErrInval          Errno = 22  // invalid argument
	ErrNoSys          Errno = 38  // not implemented
	ErrDestAddrReq    Errno = 89  // destination address required
	ErrMsgSize        Errno = 90  // datagram exceeds one segment
	ErrProtoType      Errno = 91  // wrong protocol for this operation
	ErrProtoNoSupport Errno = 93  // protocol not supported
	ErrPfNoSupport    Errno = 96  // socket type not supported
	ErrNetDown        Errno = 100 // cellular network is down
	ErrNoBufs         Errno = 105 // too many sockets open
	ErrNotConn        Errno = 107 // socket is closing
	ErrShutdown       Errno = 108 // direction has been shut down
	ErrHostUnreach    Errno = 113 // not connected / unreachable
)

func (e Errno) Error() string {
	switch e {
	case ErrPerm:
		return "operation not permitted"
	case ErrIO:
		return "input/output error"
	case ErrBadFd:
		return "bad socket descriptor"
	case ErrWouldBlock:
		return "operation would block"
	case ErrNoMem:
		return "out of memory"
	case ErrInval:
		return "invalid argument"
	case ErrNoSys:
		return "not implemented"
	case ErrDestAddrReq:
		return "destination address required"
	case ErrMsgSize:
		return "message too long"
	case ErrProtoType:
		return "protocol wrong type for socket"
	case ErrProtoNoSupport:
		return "protocol not supported"
	case ErrPfNoSupport:
		return "socket type not supported"
	case ErrNetDown:
		return "network is down"
	case ErrNoBufs:
		return "no buffer space available"
	case ErrNotConn:
		return "socket is not connected"
	case ErrShutdown:
		return "socket is shut down"
	case ErrHostUnreach:
		return "no route to host"
	}
	return "unknown socket error"
}
