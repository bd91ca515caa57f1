package cellsock

import "CELL-SOCK/pkg/sockaddr"

// Container pool internals. Everything here runs with the pool lock
// held: the list is a fixed prefix of static containers followed by
// heap-allocated ones that come and go with CleanUp.

// numInUseLocked counts sockets that are not yet reclaimable.
func (s *Stack) numInUseLocked() int {
	n := 0
	for cont := s.head; cont != nil; cont = cont.next {
		if cont.sock.state.Load() != StateClosed {
			n++
		}
	}
	return n
}

// findByDescriptorLocked returns the live container for a descriptor.
// Closed containers are invisible: their descriptor is stale.
func (s *Stack) findByDescriptorLocked(d Descriptor) *container {
	for cont := s.head; cont != nil; cont = cont.next {
		if cont.descriptor == d && cont.sock.state.Load() != StateClosed {
			return cont
		}
	}
	return nil
}

// nextDescriptorLocked picks the next unused descriptor, wrapping the
// rolling cursor back to zero when it goes negative.
func (s *Stack) nextDescriptorLocked() Descriptor {
	for {
		d := s.nextDescriptor
		s.nextDescriptor++
		if s.nextDescriptor < 0 {
			s.nextDescriptor = 0
		}
		if s.findByDescriptorLocked(d) == nil {
			return d
		}
	}
}

// containerCreateLocked hands out a container for a new socket,
// recycling a closed one before allocating. The caller has already
// checked the pool is not full.
func (s *Stack) containerCreateLocked(typ Type, proto Protocol) (*container, Descriptor) {
	var cont *container
	last := s.head
	for c := s.head; c != nil; c = c.next {
		if c.sock.state.Load() == StateClosed {
			cont = c
			break
		}
		last = c
	}
	if cont == nil {
		cont = &container{}
		cont.prev = last
		if last != nil {
			last.next = cont
		} else {
			s.head = cont
		}
	}

	d := s.nextDescriptorLocked()
	cont.descriptor = d
	// Reset field by field: the record holds atomics, which must not
	// be copied by a struct assignment.
	sk := &cont.sock
	if sk.modemHandle >= 0 {
		// Recycled before CleanUp ran; drop the stale handle mapping
		// so a late notification for the old socket cannot hit this
		// one.
		s.byHandle.Delete(sk.modemHandle)
	}
	sk.typ = typ
	sk.proto = proto
	sk.modemHandle = -1
	sk.remote = sockaddr.Address{}
	sk.receiveTimeout = DefaultReceiveTimeout
	sk.nonBlocking = false
	sk.pendingBytes.Store(0)
	sk.dataCallback = nil
	sk.closedCallback = nil
	sk.state.Store(StateCreated)
	return cont, d
}

// containerFreeLocked releases a container after a failed creation.
func (s *Stack) containerFreeLocked(d Descriptor) {
	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return
	}
	cont.sock.state.Store(StateClosed)
	if !cont.isStatic {
		s.unlinkLocked(cont)
	}
}

// unlinkLocked removes a dynamic container from the list.
func (s *Stack) unlinkLocked(cont *container) {
	if cont.prev != nil {
		cont.prev.next = cont.next
	} else {
		s.head = cont.next
	}
	if cont.next != nil {
		cont.next.prev = cont.prev
	}
	cont.prev, cont.next = nil, nil
}
