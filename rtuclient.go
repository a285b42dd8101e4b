// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256

	rtuExceptionSize = 5
)

// RTUClientHandler implements Packager and Transporter interface.
type RTUClientHandler struct {
	rtuPackager
	rtuSerialTransporter
}

// NewRTUClientHandler allocates and initializes a RTUClientHandler.
func NewRTUClientHandler(address string) *RTUClientHandler {
	handler := &RTUClientHandler{}
	handler.Address = address
	handler.BaudRate = 19200
	handler.DataBits = 8
	handler.StopBits = OneStopBit
	handler.Parity = EvenParity
	handler.Timeout = serialTimeout
	handler.ByteTimeout = serialByteTimeout
	handler.IdleTimeout = serialIdleTimeout
	return handler
}

// RTUClient creates RTU client with default handler and given connect string.
func RTUClient(address string) Client {
	handler := NewRTUClientHandler(address)
	return NewClient(handler)
}

// rtuPackager frames PDUs as slave(1) | function(1) | data | CRC(2).
type rtuPackager struct {
	SlaveID byte
	// RelaxedSlaveID lifts the 247 upper bound on slave ids for devices
	// that use the reserved range.
	RelaxedSlaveID bool
}

// validateSlaveID rejects slave ids above the standard 247 limit unless the
// relaxed quirk is enabled.
func validateSlaveID(slaveID byte, relaxed bool) error {
	if !relaxed && slaveID > 247 {
		return fmt.Errorf("%w: slave id '%v' must be between 0 and 247", ErrInvalidData, slaveID)
	}
	return nil
}

// Encode builds an RTU frame around the PDU. The CRC low byte leads on the
// wire, so the trailer is written little-endian.
func (mb *rtuPackager) Encode(pdu *ProtocolDataUnit) ([]byte, error) {
	if err := validateSlaveID(mb.SlaveID, mb.RelaxedSlaveID); err != nil {
		return nil, err
	}
	if len(pdu.Data) > rtuMaxSize-rtuMinSize {
		return nil, fmt.Errorf("%w: pdu data length '%v' must not exceed '%v'", ErrTooManyData, len(pdu.Data), rtuMaxSize-rtuMinSize)
	}
	adu := make([]byte, 0, len(pdu.Data)+rtuMinSize)
	adu = append(adu, mb.SlaveID, pdu.FunctionCode)
	adu = append(adu, pdu.Data...)

	var sum crc
	return binary.LittleEndian.AppendUint16(adu, sum.reset().pushBytes(adu).value()), nil
}

// Verify checks the confirmation length and that it came from the slave the
// request addressed.
func (mb *rtuPackager) Verify(aduRequest, aduResponse []byte) error {
	if len(aduResponse) < rtuMinSize {
		return fmt.Errorf("%w: response length '%v' does not meet minimum '%v'", ErrShortFrame, len(aduResponse), rtuMinSize)
	}
	if aduResponse[0] != aduRequest[0] {
		return fmt.Errorf("%w: response slave id '%v' does not match request '%v'", ErrBadSlave, aduResponse[0], aduRequest[0])
	}
	return nil
}

// Decode checks the CRC trailer and strips the framing from an RTU frame.
func (mb *rtuPackager) Decode(adu []byte) (*ProtocolDataUnit, error) {
	if len(adu) < rtuMinSize {
		return nil, fmt.Errorf("%w: frame length '%v' does not meet minimum '%v'", ErrShortFrame, len(adu), rtuMinSize)
	}
	body := adu[:len(adu)-2]
	var sum crc
	want := sum.reset().pushBytes(body).value()
	got := binary.LittleEndian.Uint16(adu[len(adu)-2:])
	if got != want {
		return nil, fmt.Errorf("%w: response crc '%v' does not match expected '%v'", ErrCRC, got, want)
	}
	return &ProtocolDataUnit{FunctionCode: adu[1], Data: body[2:]}, nil
}

// rtuSerialTransporter implements Transporter interface.
type rtuSerialTransporter struct {
	serialPort
}

// Send writes an RTU request and collects the confirmation. Reads run in
// small slices with context checks in between, so a cancelled context or a
// device that stalls mid-frame cannot hang the caller. A broadcast request
// (slave id 0) is written and the call returns immediately with an empty
// confirmation; no read is attempted.
func (mb *rtuSerialTransporter) Send(ctx context.Context, aduRequest []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before send: %w", err)
	}
	if err := mb.open(); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	mb.touch()

	mb.logf("modbus: sending % x\n", aduRequest)
	if err := mb.write(aduRequest); err != nil {
		mb.recoverLink()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Broadcasts are applied by every slave and never acknowledged.
	if aduRequest[0] == BroadcastSlaveID {
		mb.logf("modbus: broadcast request, skipping confirmation\n")
		return nil, nil
	}

	predicted := expectedResponseLength(aduRequest)

	// Respect the 3.5-character inter-frame silence before listening.
	time.Sleep(mb.turnaround(len(aduRequest) + predicted))
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	// The first byte must arrive within the response timeout, clamped to
	// whatever budget the context still has.
	readTimeout := mb.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("context deadline exceeded before read")
		}
		if remaining < readTimeout {
			readTimeout = remaining
		}
	}
	if err := mb.port.SetReadTimeout(readTimeout); err != nil {
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}
	defer func() {
		if err := mb.port.SetReadTimeout(mb.Timeout); err != nil {
			mb.logf("modbus: warning - failed to restore read timeout: %v\n", err)
		}
	}()

	buf := make([]byte, rtuMaxSize)
	total, err := mb.readAtLeast(ctx, buf, rtuMinSize)
	if err != nil {
		return nil, err
	}

	// Later bytes of the same frame arrive back to back; gaps are bounded
	// by the inter-character timeout when one is configured.
	if mb.ByteTimeout > 0 && mb.ByteTimeout < readTimeout {
		if err := mb.port.SetReadTimeout(mb.ByteTimeout); err != nil {
			return nil, fmt.Errorf("setting byte timeout: %w", err)
		}
	}

	target, drain := responseTarget(buf, aduRequest[1], predicted, total)
	if target > rtuMaxSize {
		mb.flush()
		return nil, fmt.Errorf("%w: response length '%v' must not be bigger than '%v'", ErrTooManyData, target, rtuMaxSize)
	}
	switch {
	case drain:
		if total, err = mb.drainFrame(ctx, buf, total); err != nil {
			return nil, err
		}
	case target > total:
		if err := mb.readExactly(ctx, buf[total:target]); err != nil {
			return nil, err
		}
		total = target
	}

	mb.logf("modbus: received % x\n", buf[:total])
	return buf[:total], nil
}

// readAtLeast fills buf with at least min bytes, checking the context
// between reads.
func (mb *rtuSerialTransporter) readAtLeast(ctx context.Context, buf []byte, min int) (int, error) {
	total := 0
	for total < min {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("context cancelled during read: %w", err)
		}
		n, err := mb.port.Read(buf[total:])
		total += n
		if err != nil {
			mb.recoverLink()
			return total, fmt.Errorf("reading response: %w", err)
		}
		if n == 0 {
			return total, fmt.Errorf("reading response: unexpected EOF, got %d bytes, expected at least %d", total, min)
		}
	}
	return total, nil
}

// readExactly fills buf completely, checking the context between reads.
func (mb *rtuSerialTransporter) readExactly(ctx context.Context, buf []byte) error {
	for read := 0; read < len(buf); {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled during read: %w", err)
		}
		n, err := mb.port.Read(buf[read:])
		read += n
		if err != nil {
			mb.recoverLink()
			return fmt.Errorf("reading response body: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("reading response body: unexpected EOF, got %d bytes, expected %d", read, len(buf))
		}
	}
	return nil
}

// drainFrame keeps reading until the line goes quiet for the byte timeout,
// for confirmations whose length no header field reveals.
func (mb *rtuSerialTransporter) drainFrame(ctx context.Context, buf []byte, total int) (int, error) {
	for total < len(buf) {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("context cancelled during read: %w", err)
		}
		n, err := mb.port.Read(buf[total:])
		total += n
		if err != nil {
			mb.recoverLink()
			return total, fmt.Errorf("reading response body: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// responseTarget decides how long the whole confirmation is once its first
// bytes are in hand. The second return value requests drain mode.
func responseTarget(buf []byte, function byte, predicted, total int) (int, bool) {
	switch buf[1] {
	case function:
		switch function {
		case FuncCodeReportSlaveID:
			// slave + function + byte count + data + crc
			return 3 + int(buf[2]) + 2, false
		case FuncCodeReadFIFOQueue:
			return 4 + int(binary.BigEndian.Uint16(buf[2:])) + 2, false
		case FuncCodeEncapsulatedInterfaceTransport:
			// No single header field gives the length.
			return 0, true
		default:
			return predicted, false
		}
	case function | 0x80:
		return rtuExceptionSize, false
	default:
		// Unknown function; hand back what arrived and let the packager
		// reject it.
		return total, false
	}
}

// turnaround is the 3.5-character inter-frame delay plus one character time
// per byte in flight. See MODBUS over Serial Line - Specification and
// Implementation Guide (page 13).
func (mb *rtuSerialTransporter) turnaround(chars int) time.Duration {
	characterDelay, frameDelay := 750, 1750 // us, for rates above 19200
	if mb.BaudRate > 0 && mb.BaudRate <= 19200 {
		characterDelay = 15000000 / mb.BaudRate
		frameDelay = 35000000 / mb.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

// expectedResponseLength predicts the confirmation length for a request,
// per the per-function PDU shapes. Functions with variable-length replies
// predict the minimum.
func expectedResponseLength(adu []byte) int {
	length := rtuMinSize
	switch adu[1] {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + (count+7)/8
	case FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters,
		FuncCodeReadWriteMultipleRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case FuncCodeWriteSingleCoil,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters:
		length += 4
	case FuncCodeMaskWriteRegister:
		length += 6
	case FuncCodeReadExceptionStatus:
		length++
	case FuncCodeReportSlaveID,
		FuncCodeEncapsulatedInterfaceTransport,
		FuncCodeReadFIFOQueue:
		// undetermined
	}
	return length
}
