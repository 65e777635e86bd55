// Package port abstracts the byte stream between the host and the sorting
// controller board. The real implementation is a serial device node; tests
// use the in-memory fake.
package port

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// DefaultBaud is the line rate the controller firmware is built for.
const DefaultBaud = 115200

// Opener dials the controller board. The link layer calls Open again after
// every drop, so implementations must be reusable.
type Opener interface {
	Open() (io.ReadWriteCloser, error)

	// Name identifies the endpoint for logs.
	Name() string
}

// SerialOpener opens a serial device node in 8N1 framing.
type SerialOpener struct {
	Device string // e.g. /dev/ttyACM0
	Baud   int    // 0 means DefaultBaud
}

func (o SerialOpener) Name() string { return o.Device }

func (o SerialOpener) Open() (io.ReadWriteCloser, error) {
	baud := o.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(o.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Device, err)
	}
	return p, nil
}
