// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol
	tcpHeaderSize = 7
	tcpMaxLength  = 260

	tcpTimeout     = 10 * time.Second
	tcpIdleTimeout = 60 * time.Second
)

// TCPClientHandler implements Packager and Transporter interface.
type TCPClientHandler struct {
	tcpPackager
	tcpTransporter
}

// NewTCPClientHandler allocates a new TCPClientHandler.
func NewTCPClientHandler(address string) *TCPClientHandler {
	h := &TCPClientHandler{}
	h.Address = address
	h.Timeout = tcpTimeout
	h.IdleTimeout = tcpIdleTimeout
	h.SlaveID = AnyUnitID
	return h
}

// TCPClient creates TCP client with default handler and given connect string.
func TCPClient(address string) Client {
	handler := NewTCPClientHandler(address)
	return NewClient(handler)
}

// tcpPackager frames PDUs behind the 7-byte MBAP header:
// TID(2) | protocol=0(2) | length(2) | unit(1).
type tcpPackager struct {
	// transactionID correlates request and confirmation on a multiplexed
	// connection. It is per handler so two handlers in one process carry
	// independent streams.
	transactionID uint32
	// SlaveID is the unit identifier; AnyUnitID on a direct TCP link.
	SlaveID byte
}

// Encode prefixes the PDU with an MBAP header carrying a fresh transaction
// id. The length field counts the unit id plus the PDU.
func (mb *tcpPackager) Encode(pdu *ProtocolDataUnit) ([]byte, error) {
	pduLength := 1 + len(pdu.Data)
	if tcpHeaderSize+pduLength > tcpMaxLength {
		return nil, fmt.Errorf("%w: pdu data length '%v' must not exceed '%v'", ErrTooManyData, len(pdu.Data), tcpMaxLength-tcpHeaderSize-1)
	}
	adu := make([]byte, tcpHeaderSize+pduLength)
	binary.BigEndian.PutUint16(adu[0:], uint16(atomic.AddUint32(&mb.transactionID, 1)))
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(adu[4:], uint16(1+pduLength))
	adu[6] = mb.SlaveID
	adu[7] = pdu.FunctionCode
	copy(adu[8:], pdu.Data)
	return adu, nil
}

// Verify cross-checks the MBAP header of the confirmation against the
// request: transaction id, protocol id, and unit id. A request addressed to
// the "any" unit accepts every unit id in the reply.
func (mb *tcpPackager) Verify(aduRequest, aduResponse []byte) error {
	if got, want := binary.BigEndian.Uint16(aduResponse), binary.BigEndian.Uint16(aduRequest); got != want {
		return fmt.Errorf("%w: response transaction id '%v' does not match request '%v'", ErrProtocolError, got, want)
	}
	if got, want := binary.BigEndian.Uint16(aduResponse[2:]), binary.BigEndian.Uint16(aduRequest[2:]); got != want {
		return fmt.Errorf("%w: response protocol id '%v' does not match request '%v'", ErrProtocolError, got, want)
	}
	if aduRequest[6] != AnyUnitID && aduResponse[6] != aduRequest[6] {
		return fmt.Errorf("%w: response unit id '%v' does not match request '%v'", ErrBadSlave, aduResponse[6], aduRequest[6])
	}
	return nil
}

// Decode strips the MBAP header after checking that its length field and
// the frame size agree.
func (mb *tcpPackager) Decode(adu []byte) (*ProtocolDataUnit, error) {
	declared := int(binary.BigEndian.Uint16(adu[4:]))
	if declared < 2 || len(adu) != tcpHeaderSize+declared-1 {
		return nil, fmt.Errorf("%w: length in response '%v' does not match pdu data length '%v'", ErrProtocolError, declared-1, len(adu)-tcpHeaderSize)
	}
	return &ProtocolDataUnit{FunctionCode: adu[7], Data: adu[8:]}, nil
}

// tcpTransporter implements Transporter interface.
type tcpTransporter struct {
	// Connect string
	Address string
	// Connect & Read timeout
	Timeout time.Duration
	// Idle timeout to close the connection
	IdleTimeout time.Duration
	// Transmission logger
	Logger *log.Logger
	// RecoveryMode selects the re-arm behaviour after failures.
	RecoveryMode RecoveryMode

	mu           sync.Mutex
	conn         net.Conn
	closeTimer   *time.Timer
	lastActivity time.Time
}

// Send writes an MBAP request and reads the matching confirmation, sized by
// the length field of its header.
func (mb *tcpTransporter) Send(ctx context.Context, aduRequest []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before send: %w", err)
	}
	if err := mb.dial(ctx); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	mb.touch()

	// The context deadline wins over the configured timeout
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	} else if mb.Timeout > 0 {
		deadline = mb.lastActivity.Add(mb.Timeout)
	}
	if err := mb.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}

	mb.logf("modbus: sending % x", aduRequest)
	if _, err := mb.conn.Write(aduRequest); err != nil {
		mb.recoverLink()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	response, err := mb.readResponse()
	if err != nil {
		return nil, err
	}
	mb.logf("modbus: received % x\n", response)
	return response, nil
}

// readResponse reads one MBAP frame: the fixed header first, then as many
// bytes as its length field declares.
func (mb *tcpTransporter) readResponse() ([]byte, error) {
	var frame [tcpMaxLength]byte
	if _, err := io.ReadFull(mb.conn, frame[:tcpHeaderSize]); err != nil {
		mb.recoverLink()
		return nil, fmt.Errorf("reading response header: %w", err)
	}
	declared := int(binary.BigEndian.Uint16(frame[4:]))
	if declared <= 0 {
		mb.flush(frame[:])
		return nil, fmt.Errorf("%w: length in response header '%v' must not be zero", ErrProtocolError, declared)
	}
	if declared > tcpMaxLength-tcpHeaderSize+1 {
		mb.flush(frame[:])
		return nil, fmt.Errorf("%w: length in response header '%v' must not greater than '%v'", ErrTooManyData, declared, tcpMaxLength-tcpHeaderSize+1)
	}
	// The unit id was read with the header; the rest of the frame follows
	total := tcpHeaderSize + declared - 1
	if _, err := io.ReadFull(mb.conn, frame[tcpHeaderSize:total]); err != nil {
		mb.recoverLink()
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return frame[:total], nil
}

// Connect establishes a new connection to the address in Address.
// Connect and Close are exported so that multiple requests can be done with one session
func (mb *tcpTransporter) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.dial(context.Background())
}

// dial opens the connection unless it is already open. Caller must hold the
// mutex.
func (mb *tcpTransporter) dial(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", mb.Address, err)
	}
	mb.conn = conn
	return nil
}

// touch records activity and re-arms the idle-close timer.
func (mb *tcpTransporter) touch() {
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

// Close closes current connection.
func (mb *tcpTransporter) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// close drops the connection. Caller must hold the mutex.
func (mb *tcpTransporter) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}

// closeIdle closes the connection once it has been idle for IdleTimeout.
func (mb *tcpTransporter) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 {
		return
	}
	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		mb.logf("modbus: closing connection due to idle timeout: %v", idle)
		mb.close()
	}
}

// flush drains whatever is already readable so a stale frame cannot be
// matched against the next request. Caller must hold the mutex.
func (mb *tcpTransporter) flush(b []byte) (err error) {
	if mb.conn == nil {
		return nil
	}
	if err = mb.conn.SetReadDeadline(time.Now()); err != nil {
		return
	}
	if _, err = mb.conn.Read(b); err != nil {
		// An immediate timeout means the buffer was already empty
		if netError, ok := err.(net.Error); ok && netError.Timeout() {
			err = nil
		}
	}
	return
}

// recoverLink closes the connection after a link failure so the next call
// reconnects. Caller must hold the mutex.
func (mb *tcpTransporter) recoverLink() {
	if mb.RecoveryMode&RecoveryLink != 0 {
		mb.logf("modbus: link recovery, closing connection\n")
		mb.close()
	}
}

// Recover implements the Recoverer interface: after an integrity failure
// (bad transaction id, bad unit id) it sleeps for the response timeout and
// drains pending bytes so a late confirmation cannot be matched against the
// next request.
func (mb *tcpTransporter) Recover(ctx context.Context, err error) {
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
	var scratch [tcpMaxLength]byte
	if flushErr := mb.flush(scratch[:]); flushErr != nil {
		mb.logf("modbus: flush failed: %v\n", flushErr)
	}
}

func (mb *tcpTransporter) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}
