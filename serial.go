// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// Default timeouts
	serialTimeout     = 5 * time.Second
	serialByteTimeout = 500 * time.Millisecond
	serialIdleTimeout = 60 * time.Second
)

// StopBits is the number of serial stop bits.
type StopBits int

const (
	OneStopBit StopBits = iota + 1
	TwoStopBits
)

// Parity is the serial parity mode.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// serialPort holds the line configuration and the open port shared by the
// RTU and ASCII transporters.
type serialPort struct {
	// Serial port configuration.
	Address  string
	BaudRate int
	DataBits int
	StopBits StopBits
	Parity   Parity
	// Timeout bounds the wait for the first byte of a confirmation.
	Timeout time.Duration
	// ByteTimeout bounds the gap between successive bytes of the same
	// frame. A negative value disables the inter-character timeout so the
	// whole frame shares the Timeout budget.
	ByteTimeout time.Duration
	Logger      *log.Logger
	IdleTimeout time.Duration
	// RecoveryMode selects the re-arm behaviour after failures.
	RecoveryMode RecoveryMode
	// RS485 driver-enable settle delays around each write, for adapters
	// that toggle RTS on transmit.
	RS485DelayBeforeSend time.Duration
	RS485DelayAfterSend  time.Duration

	mu           sync.Mutex
	port         serial.Port
	lastActivity time.Time
	closeTimer   *time.Timer
}

// serialMode maps the configuration onto the serial library's mode struct.
func (mb *serialPort) serialMode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: mb.BaudRate,
		DataBits: mb.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.EvenParity,
	}
	if mb.StopBits == TwoStopBits {
		mode.StopBits = serial.TwoStopBits
	}
	switch mb.Parity {
	case NoParity:
		mode.Parity = serial.NoParity
	case OddParity:
		mode.Parity = serial.OddParity
	}
	return mode
}

func (mb *serialPort) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.open()
}

// open opens the device unless it is already open. Caller must hold the
// mutex.
func (mb *serialPort) open() error {
	if mb.Timeout <= 0 {
		return fmt.Errorf("%w: response timeout '%v' must be positive", ErrInvalidData, mb.Timeout)
	}
	if mb.port != nil {
		return nil
	}
	port, err := serial.Open(mb.Address, mb.serialMode())
	if err != nil {
		return err
	}
	if err := port.SetReadTimeout(mb.Timeout); err != nil {
		port.Close()
		return err
	}
	mb.port = port
	return nil
}

func (mb *serialPort) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.closePort()
}

// closePort closes the device if open. Caller must hold the mutex.
func (mb *serialPort) closePort() (err error) {
	if mb.port != nil {
		err = mb.port.Close()
		mb.port = nil
	}
	return
}

// touch records activity and re-arms the idle-close timer.
func (mb *serialPort) touch() {
	mb.lastActivity = time.Now()
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// closeIdle closes the port once it has been idle for IdleTimeout.
func (mb *serialPort) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 {
		return
	}
	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		mb.logf("modbus: closing connection due to idle timeout: %v", idle)
		mb.closePort()
	}
}

// write sends the whole buffer, retrying partial writes, bracketed by the
// configured RS485 drive-enable delays.
func (mb *serialPort) write(data []byte) error {
	if mb.RS485DelayBeforeSend > 0 {
		time.Sleep(mb.RS485DelayBeforeSend)
	}
	for sent := 0; sent < len(data); {
		n, err := mb.port.Write(data[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	if mb.RS485DelayAfterSend > 0 {
		mb.port.Drain()
		time.Sleep(mb.RS485DelayAfterSend)
	}
	return nil
}

// flush discards inbound bytes so the next frame starts clean. Caller must
// hold the mutex.
func (mb *serialPort) flush() error {
	if mb.port == nil {
		return nil
	}
	return mb.port.ResetInputBuffer()
}

// recoverLink closes the port after a link failure so the next call
// reconnects. Caller must hold the mutex.
func (mb *serialPort) recoverLink() {
	if mb.RecoveryMode&RecoveryLink != 0 {
		mb.logf("modbus: link recovery, closing port\n")
		mb.closePort()
	}
}

// Recover implements the Recoverer interface: after an integrity failure it
// sleeps for the response timeout and flushes pending input so a straggling
// or corrupt confirmation cannot be mistaken for the next one.
func (mb *serialPort) Recover(ctx context.Context, err error) {
	if mb.RecoveryMode&RecoveryProtocol == 0 || !isProtocolFailure(err) {
		return
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.logf("modbus: protocol recovery after %v\n", err)
	delay := time.NewTimer(mb.Timeout)
	defer delay.Stop()
	select {
	case <-delay.C:
	case <-ctx.Done():
	}
	if err := mb.flush(); err != nil {
		mb.logf("modbus: flush failed: %v\n", err)
	}
}

func (mb *serialPort) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}
