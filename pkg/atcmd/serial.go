package atcmd

import (
	"io"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// Dialer opens the byte stream a Channel runs over. Implementations
// include serial ports and the in-memory pipes used with the modem
// simulator.
type Dialer interface {
	Dial() (io.ReadWriteCloser, error)
}

// SerialDialer opens a modem UART.
type SerialDialer struct {
	// PortName is the OS device path, e.g. "/dev/ttyUSB0".
	PortName string

	// Mode configures baud rate, parity and so on. Nil uses the serial
	// library defaults.
	Mode *serial.Mode
}

func (d SerialDialer) Dial() (io.ReadWriteCloser, error) {
	if d.PortName == "" {
		return nil, errors.New("at: serial port name is required")
	}
	port, err := serial.Open(d.PortName, d.Mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", d.PortName)
	}
	return port, nil
}
