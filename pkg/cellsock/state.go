package cellsock

import "sync/atomic"

// State is the per-socket lifecycle state. It is written by the URC
// bridge without the pool lock, so the socket record stores it in an
// atomic.
type State int32

const (
	StateCreated           State = iota // freshly created, unsullied
	StateConnected                      // TCP connected or UDP has an address
	StateShutdownRead                   // block all reads
	StateShutdownWrite                  // block all writes
	StateShutdownReadWrite              // block all reads and writes
	StateClosing                        // waiting for the far end to complete closure
	StateClosed                         // cannot be found, container may be re-used
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateConnected:
		return "Connected"
	case StateShutdownRead:
		return "ShutdownRead"
	case StateShutdownWrite:
		return "ShutdownWrite"
	case StateShutdownReadWrite:
		return "ShutdownReadWrite"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// How selects the direction for Shutdown.
type How int

const (
	ShutdownRead      How = 0
	ShutdownWrite     How = 1
	ShutdownReadWrite How = 2
)

// atomicState holds a State with atomic load/store semantics.
type atomicState struct{ v atomic.Int32 }

func (a *atomicState) Load() State   { return State(a.v.Load()) }
func (a *atomicState) Store(s State) { a.v.Store(int32(s)) }

// atomicCount is a byte counter shared between the URC bridge and the
// receive engines. Decrements clamp at zero rather than going negative:
// a notification can arrive between a read draining the modem and the
// count being adjusted, and over-counting is recovered by probing the
// modem, while a negative count would wedge the poll loop.
type atomicCount struct{ v atomic.Int32 }

func (a *atomicCount) Load() int   { return int(a.v.Load()) }
func (a *atomicCount) Store(n int) { a.v.Store(int32(n)) }

func (a *atomicCount) Sub(n int) {
	if int(a.v.Load()) <= n {
		a.v.Store(0)
		return
	}
	a.v.Add(-int32(n))
}
