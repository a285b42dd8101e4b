// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package server

import (
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

// serialLink is the byte stream a serial server serves on: either the
// master side of a pty pair or a real serial device.
type serialLink interface {
	io.ReadWriteCloser
	// armRead bounds the next reads so the serve loop can poll its stop
	// channel. A timed-out read surfaces an error satisfying os.IsTimeout.
	armRead(timeout time.Duration) error
}

// portLink serves on a real serial device.
type portLink struct {
	port serial.Port
}

// openPortLink opens the device with 8 data bits and the given line
// parameters.
func openPortLink(device string, baudRate int, parity serial.Parity, stopBits serial.StopBits) (*portLink, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   parity,
		StopBits: stopBits,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	return &portLink{port: port}, nil
}

func (l *portLink) Read(p []byte) (int, error) {
	n, err := l.port.Read(p)
	if n == 0 && err == nil {
		// The port read timeout elapsed without data.
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (l *portLink) Write(p []byte) (int, error) {
	return l.port.Write(p)
}

func (l *portLink) Close() error {
	return l.port.Close()
}

func (l *portLink) armRead(timeout time.Duration) error {
	return l.port.SetReadTimeout(timeout)
}
