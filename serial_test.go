// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.bug.st/serial"
)

// fakePort is a scripted serial.Port: Read hands out queued chunks, Write
// caps each call at writeLimit bytes, and housekeeping calls are counted.
type fakePort struct {
	reads       [][]byte
	writeLimit  int
	written     []byte
	writeCalls  int
	drains      int
	inputResets int
	readTimeout time.Duration
	closed      bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, nil
	}
	chunk := p.reads[0]
	p.reads = p.reads[1:]
	return copy(b, chunk), nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.writeCalls++
	n := len(b)
	if p.writeLimit > 0 && n > p.writeLimit {
		n = p.writeLimit
	}
	p.written = append(p.written, b[:n]...)
	return n, nil
}

func (p *fakePort) Drain() error            { p.drains++; return nil }
func (p *fakePort) ResetInputBuffer() error { p.inputResets++; return nil }

func (p *fakePort) ResetOutputBuffer() error { return nil }
func (p *fakePort) SetMode(*serial.Mode) error {
	return nil
}
func (p *fakePort) SetDTR(bool) error { return nil }
func (p *fakePort) SetRTS(bool) error { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}
func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.readTimeout = t
	return nil
}
func (p *fakePort) Close() error {
	p.closed = true
	return nil
}
func (p *fakePort) Break(time.Duration) error { return nil }

func TestSerialOpenRejectsZeroTimeout(t *testing.T) {
	s := &serialPort{Address: "/dev/null", Timeout: 0}
	if err := s.Connect(); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("error = %v, want ErrInvalidData", err)
	}

	s.Timeout = -time.Second
	if err := s.Connect(); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("negative timeout error = %v, want ErrInvalidData", err)
	}
}

// Partial writes are retried until the whole frame is on the wire.
func TestSerialWriteRetriesPartialWrites(t *testing.T) {
	port := &fakePort{writeLimit: 2}
	s := &serialPort{port: port, Timeout: time.Second}

	frame := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76}
	if err := s.write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(port.written, frame) {
		t.Fatalf("written = % x, want % x", port.written, frame)
	}
	if port.writeCalls != 4 {
		t.Fatalf("write calls = %d, want 4", port.writeCalls)
	}
}

// The RS485 post-write delay drains the transmit path before releasing the
// driver.
func TestSerialWriteRS485Drain(t *testing.T) {
	port := &fakePort{}
	s := &serialPort{
		port:                 port,
		Timeout:              time.Second,
		RS485DelayBeforeSend: time.Millisecond,
		RS485DelayAfterSend:  time.Millisecond,
	}
	if err := s.write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if port.drains != 1 {
		t.Fatalf("drains = %d, want 1", port.drains)
	}
}

func TestSerialFlush(t *testing.T) {
	port := &fakePort{}
	s := &serialPort{port: port}
	if err := s.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if port.inputResets != 1 {
		t.Fatalf("input resets = %d, want 1", port.inputResets)
	}

	// A closed port flushes to nothing without error
	s.port = nil
	if err := s.flush(); err != nil {
		t.Fatalf("flush on closed port: %v", err)
	}
}

// Link recovery drops the port so the next call reopens it; without the
// mode bit the port is left alone.
func TestSerialRecoverLink(t *testing.T) {
	port := &fakePort{}
	s := &serialPort{port: port, RecoveryMode: RecoveryLink}
	s.recoverLink()
	if !port.closed || s.port != nil {
		t.Fatalf("link recovery did not close the port: closed=%v port=%v", port.closed, s.port)
	}

	port = &fakePort{}
	s = &serialPort{port: port, RecoveryMode: RecoveryNone}
	s.recoverLink()
	if port.closed || s.port == nil {
		t.Fatal("link recovery ran without the mode bit")
	}
}

// Protocol recovery waits out the response timeout and flushes pending
// input, but only for integrity failures.
func TestSerialRecoverProtocol(t *testing.T) {
	port := &fakePort{}
	s := &serialPort{port: port, Timeout: 5 * time.Millisecond, RecoveryMode: RecoveryProtocol}

	s.Recover(context.Background(), ErrCRC)
	if port.inputResets != 1 {
		t.Fatalf("input resets = %d, want 1", port.inputResets)
	}

	// Ordinary errors do not trigger it
	s.Recover(context.Background(), fmt.Errorf("transport broke"))
	if port.inputResets != 1 {
		t.Fatalf("input resets = %d after non-protocol error, want 1", port.inputResets)
	}

	// Neither does a protocol failure without the mode bit
	s.RecoveryMode = RecoveryNone
	s.Recover(context.Background(), ErrCRC)
	if port.inputResets != 1 {
		t.Fatalf("input resets = %d with recovery off, want 1", port.inputResets)
	}
}

func TestSerialCloseIdle(t *testing.T) {
	port := &fakePort{}
	s := &serialPort{port: port, IdleTimeout: 50 * time.Millisecond}

	s.mu.Lock()
	s.touch()
	s.mu.Unlock()

	time.Sleep(120 * time.Millisecond)

	s.mu.Lock()
	closed := port.closed
	portNil := s.port == nil
	s.mu.Unlock()
	if !closed || !portNil {
		t.Fatalf("serial port is not closed when inactive: closed=%v portNil=%v", closed, portNil)
	}
}

func TestSerialModeMapping(t *testing.T) {
	tests := []struct {
		name     string
		stopBits StopBits
		parity   Parity
		want     serial.Mode
	}{
		{
			name:     "defaults",
			stopBits: OneStopBit,
			parity:   EvenParity,
			want:     serial.Mode{StopBits: serial.OneStopBit, Parity: serial.EvenParity},
		},
		{
			name:     "two stop bits no parity",
			stopBits: TwoStopBits,
			parity:   NoParity,
			want:     serial.Mode{StopBits: serial.TwoStopBits, Parity: serial.NoParity},
		},
		{
			name:     "odd parity",
			stopBits: OneStopBit,
			parity:   OddParity,
			want:     serial.Mode{StopBits: serial.OneStopBit, Parity: serial.OddParity},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &serialPort{BaudRate: 19200, DataBits: 8, StopBits: tt.stopBits, Parity: tt.parity}
			mode := s.serialMode()
			if mode.BaudRate != 19200 || mode.DataBits != 8 {
				t.Fatalf("line parameters = %d/%d", mode.BaudRate, mode.DataBits)
			}
			if mode.StopBits != tt.want.StopBits {
				t.Fatalf("stop bits = %v, want %v", mode.StopBits, tt.want.StopBits)
			}
			if mode.Parity != tt.want.Parity {
				t.Fatalf("parity = %v, want %v", mode.Parity, tt.want.Parity)
			}
		})
	}
}
