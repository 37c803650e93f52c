package pump

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// serialLink adapts a go.bug.st port to the Link interface, mapping
// negative timeouts to the library's block-forever sentinel.
type serialLink struct {
	port serial.Port
}

// openLink opens the pump's serial port at 8N1. Failure here is a
// connectivity error, not a protocol one: nothing has been exchanged yet.
func openLink(path string, baud int, timeout time.Duration) (Link, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConnectivity, path, err)
	}
	l := &serialLink{port: port}
	if err := l.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", ErrConnectivity, path, err)
	}
	return l, nil
}

func (l *serialLink) Read(p []byte) (int, error)  { return l.port.Read(p) }
func (l *serialLink) Write(p []byte) (int, error) { return l.port.Write(p) }
func (l *serialLink) Close() error                { return l.port.Close() }

func (l *serialLink) SetReadTimeout(d time.Duration) error {
	if d < 0 {
		return l.port.SetReadTimeout(serial.NoTimeout)
	}
	return l.port.SetReadTimeout(d)
}
