package cellsock

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Level selects the protocol layer an option belongs to.
type Level int

const (
	LevelSocket Level = 0x0FFF
	LevelIP     Level = 0
	LevelTCP    Level = 6
)

// levelSocketWire is what actually goes to the modem for LevelSocket,
// which takes the level as an unsigned 16-bit field.
const levelSocketWire = 65535

// Option identifiers, per level.
const (
	// LevelSocket
	OptReuseAddr      = 0x0004
	OptKeepAlive      = 0x0008
	OptBroadcast      = 0x0020
	OptLinger         = 0x0080
	OptReusePort      = 0x0200
	OptReceiveTimeout = 0x1006

	// LevelIP
	OptIPTos = 0x0001
	OptIPTTL = 0x0002

	// LevelTCP
	OptTCPNoDelay  = 0x0001
	OptTCPKeepIdle = 0x0002
)

// Linger is the value for OptLinger. Linger is in milliseconds and only
// meaningful when OnOff is 1.
type Linger struct {
	OnOff  int
	Linger int
}

// Timeval is the value for OptReceiveTimeout, split the way a BSD
// timeval is.
type Timeval struct {
	Sec  int64
	Usec int64
}

func (t Timeval) duration() time.Duration {
	return time.Duration(t.Sec)*time.Second +
		time.Duration(t.Usec)*time.Microsecond
}

func timevalFrom(d time.Duration) Timeval {
	ms := d.Milliseconds()
	return Timeval{Sec: ms / 1000, Usec: (ms % 1000) * 1000}
}

// intOption reports whether the level/option pair is a supported option
// carrying a plain integer.
func intOption(level Level, option int) bool {
	switch level {
	case LevelSocket:
		switch option {
		case OptReuseAddr, OptKeepAlive, OptBroadcast, OptReusePort:
			return true
		}
	case LevelIP:
		switch option {
		case OptIPTos, OptIPTTL:
			return true
		}
	case LevelTCP:
		switch option {
		case OptTCPNoDelay, OptTCPKeepIdle:
			return true
		}
	}
	return false
}

// SetOption sets a socket option. value must be an int for the integer
// options, a Linger for OptLinger and a Timeval for OptReceiveTimeout;
// the receive timeout is held locally, everything else goes to the
// modem.
func (s *Stack) SetOption(d Descriptor, level Level, option int, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return ErrBadFd
	}
	s.log.WithFields(logrus.Fields{
		"descriptor": d, "level": int(level), "option": option,
	}).Debug("setting socket option")

	if level == LevelSocket {
		switch option {
		case OptReceiveTimeout:
			tv, ok := value.(Timeval)
			if !ok {
				return ErrInval
			}
			cont.sock.receiveTimeout = tv.duration()
			return nil
		case OptLinger:
			l, ok := value.(Linger)
			if !ok {
				return ErrInval
			}
			return s.setOptionLinger(cont, l)
		}
	}
	if !intOption(level, option) {
		return ErrInval
	}
	v, ok := value.(int)
	if !ok {
		return ErrInval
	}
	return s.setOptionInt(cont, level, option, v)
}

// GetOption retrieves a socket option into value, which must be a
// pointer of the type the option takes.
func (s *Stack) GetOption(d Descriptor, level Level, option int, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	cont := s.findByDescriptorLocked(d)
	if cont == nil {
		return ErrBadFd
	}

	if level == LevelSocket {
		switch option {
		case OptReceiveTimeout:
			tv, ok := value.(*Timeval)
			if !ok {
				return ErrInval
			}
			*tv = timevalFrom(cont.sock.receiveTimeout)
			return nil
		case OptLinger:
			l, ok := value.(*Linger)
			if !ok {
				return ErrInval
			}
			return s.getOptionLinger(cont, l)
		}
	}
	if !intOption(level, option) {
		return ErrInval
	}
	v, ok := value.(*int)
	if !ok {
		return ErrInval
	}
	return s.getOptionInt(cont, level, option, v)
}

// OptionLen reports the size in bytes of the value a supported option
// takes, or an error for an unsupported level/option pair.
func OptionLen(level Level, option int) (int, error) {
	if level == LevelSocket {
		switch option {
		case OptLinger:
			return 8, nil
		case OptReceiveTimeout:
			return 16, nil
		}
	}
	if intOption(level, option) {
		return 4, nil
	}
	return 0, ErrInval
}

func wireLevel(level Level) int {
	if level == LevelSocket {
		return levelSocketWire
	}
	return int(level)
}

func (s *Stack) setOptionInt(cont *container, level Level, option, value int) error {
	at := s.at
	at.Lock()
	at.CommandStart("AT+USOSO=")
	at.WriteInt(cont.sock.modemHandle)
	at.WriteInt(wireLevel(level))
	at.WriteInt(option)
	at.WriteInt(value)
	at.CommandStopReadResponse()
	if err := at.UnlockReturnError(); err != nil {
		// The modem not supporting it makes it an invalid parameter.
		return ErrInval
	}
	return nil
}

func (s *Stack) getOptionInt(cont *container, level Level, option int, value *int) error {
	at := s.at
	at.Lock()
	at.CommandStart("AT+USOGO=")
	at.WriteInt(cont.sock.modemHandle)
	at.WriteInt(wireLevel(level))
	at.WriteInt(option)
	at.CommandStop()
	at.ResponseStart("+USOGO:")
	v := at.ReadInt()
	at.ResponseStop()
	if err := at.UnlockReturnError(); err != nil || v < 0 {
		return ErrInval
	}
	*value = v
	return nil
}

func (s *Stack) setOptionLinger(cont *container, l Linger) error {
	at := s.at
	at.Lock()
	at.CommandStart("AT+USOSO=")
	at.WriteInt(cont.sock.modemHandle)
	at.WriteInt(levelSocketWire)
	at.WriteInt(OptLinger)
	at.WriteInt(l.OnOff)
	// The linger time is only sent when lingering is being switched on.
	if l.OnOff == 1 {
		at.WriteInt(l.Linger)
	}
	at.CommandStopReadResponse()
	if err := at.UnlockReturnError(); err != nil {
		return ErrInval
	}
	return nil
}

func (s *Stack) getOptionLinger(cont *container, l *Linger) error {
	at := s.at
	at.Lock()
	at.CommandStart("AT+USOGO=")
	at.WriteInt(cont.sock.modemHandle)
	at.WriteInt(levelSocketWire)
	at.WriteInt(OptLinger)
	at.CommandStop()
	at.ResponseStart("+USOGO:")
	onOff := at.ReadInt()
	lingerMs := -1
	if onOff == 1 {
		lingerMs = at.ReadInt()
	}
	at.ResponseStop()
	if err := at.UnlockReturnError(); err != nil {
		return ErrInval
	}
	switch {
	case onOff == 0:
		l.OnOff = 0
	case onOff == 1 && lingerMs >= 0:
		l.OnOff = 1
		l.Linger = lingerMs
	default:
		// The modem answered something malformed.
		return ErrIO
	}
	return nil
}
