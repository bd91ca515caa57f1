package cellsock

import "CELL-SOCK/pkg/atcmd"

// Modem notification handlers. These run on whichever goroutine is
// parsing modem output, which can be an API caller already holding the
// pool lock and waiting on this very parse, so nothing here may take
// the pool lock or block. Sockets are found through the lock-free
// handle index and only the atomic fields are touched; callbacks are
// handed to the channel's callback goroutine rather than run here.

func (s *Stack) lookupHandle(handle int) *container {
	v, ok := s.byHandle.Load(handle)
	if !ok {
		return nil
	}
	return v.(*container)
}

// dataReadyURC handles +UUSORD/+UUSORF: <handle>,<bytes pending>.
// The count is an absolute figure from the modem, not a delta.
func (s *Stack) dataReadyURC(p *atcmd.Params) {
	handle := p.Int()
	count := p.Int()
	cont := s.lookupHandle(handle)
	if cont == nil || count < 0 {
		// Stale or unknown handle; nothing to do.
		return
	}
	cont.sock.pendingBytes.Store(count)

	s.cbMu.Lock()
	cb := cont.sock.dataCallback
	s.cbMu.Unlock()
	if cb != nil {
		s.at.Callback(cb)
	}
}

// socketClosedURC handles +UUSOCL: <handle>, the far end having
// completed closure. The container is left for CleanUp.
func (s *Stack) socketClosedURC(p *atcmd.Params) {
	handle := p.Int()
	cont := s.lookupHandle(handle)
	if cont == nil {
		return
	}
	cont.sock.state.Store(StateClosed)

	s.cbMu.Lock()
	cb := cont.sock.closedCallback
	s.cbMu.Unlock()
	if cb != nil {
		s.at.Callback(cb)
	}
}

// linkDownURC handles +UUPSDD:, the packet-switched connection going
// away underneath every socket. There is no per-socket information in
// it and nothing useful to do beyond noting it.
func (s *Stack) linkDownURC(p *atcmd.Params) {
	s.log.WithField("profile", p.Int()).Warn("packet-switched connection lost")
}
