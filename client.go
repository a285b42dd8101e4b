// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
)

// ClientHandler is the interface that groups the Packager and Transporter methods.
type ClientHandler interface {
	Packager
	Transporter
}

type client struct {
	packager    Packager
	transporter Transporter
}

// NewClient creates a new modbus client with given backend handler.
func NewClient(handler ClientHandler) Client {
	return &client{packager: handler, transporter: handler}
}

// NewClient2 creates a new modbus client with separate packager and transporter.
// This is useful for advanced use cases where you want to use different implementations
// for the packager and transporter, such as in testing scenarios.
func NewClient2(packager Packager, transporter Transporter) Client {
	return &client{packager: packager, transporter: transporter}
}

// ReadCoils reads the status of 1 to 2000 contiguous coils (function code
// 0x01) and returns the packed bit values.
func (mb *client) ReadCoils(ctx context.Context, address, quantity uint16) ([]byte, error) {
	results, err := mb.readBits(ctx, FuncCodeReadCoils, address, quantity)
	if err != nil {
		return nil, fmt.Errorf("reading coils: %w", err)
	}
	return results, nil
}

// ReadDiscreteInputs reads the status of 1 to 2000 contiguous discrete
// inputs (function code 0x02) and returns the packed bit values.
func (mb *client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]byte, error) {
	results, err := mb.readBits(ctx, FuncCodeReadDiscreteInputs, address, quantity)
	if err != nil {
		return nil, fmt.Errorf("reading discrete inputs: %w", err)
	}
	return results, nil
}

// ReadHoldingRegisters reads 1 to 125 contiguous holding registers
// (function code 0x03) and returns the register bytes, big-endian.
func (mb *client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	results, err := mb.readWords(ctx, FuncCodeReadHoldingRegisters, address, quantity)
	if err != nil {
		return nil, fmt.Errorf("reading holding registers: %w", err)
	}
	return results, nil
}

// ReadInputRegisters reads 1 to 125 contiguous input registers (function
// code 0x04) and returns the register bytes, big-endian.
func (mb *client) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	results, err := mb.readWords(ctx, FuncCodeReadInputRegisters, address, quantity)
	if err != nil {
		return nil, fmt.Errorf("reading input registers: %w", err)
	}
	return results, nil
}

// readBits issues a bit-space read; the confirmation is a byte count
// followed by the packed bits, first bit of the range in the LSB of the
// first byte.
func (mb *client) readBits(ctx context.Context, functionCode byte, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 2000 {
		return nil, quantityError(quantity, 1, 2000)
	}
	return mb.requestPayload(ctx, functionCode, dataBlock(address, quantity))
}

// readWords issues a register-space read; the confirmation is a byte count
// followed by two bytes per register.
func (mb *client) readWords(ctx context.Context, functionCode byte, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 125 {
		return nil, quantityError(quantity, 1, 125)
	}
	return mb.requestPayload(ctx, functionCode, dataBlock(address, quantity))
}

// requestPayload sends a request whose confirmation carries a byte-count
// prefixed payload and returns the payload.
func (mb *client) requestPayload(ctx context.Context, functionCode byte, data []byte) ([]byte, error) {
	response, err := mb.send(ctx, &ProtocolDataUnit{FunctionCode: functionCode, Data: data})
	if err != nil || response == nil {
		return nil, err
	}
	return countPrefixedPayload(response.Data)
}

// WriteSingleCoil sets one output to ON (0xFF00) or OFF (0x0000) with
// function code 0x05 and returns the echoed output value.
func (mb *client) WriteSingleCoil(ctx context.Context, address, value uint16) ([]byte, error) {
	// The requested ON/OFF state can only be 0xFF00 and 0x0000
	if value != 0xFF00 && value != 0x0000 {
		return nil, fmt.Errorf("writing single coil: %w: state '%v' must be either 0xFF00 (ON) or 0x0000 (OFF)", ErrInvalidData, value)
	}
	results, err := mb.writeEcho(ctx, FuncCodeWriteSingleCoil, address, value)
	if err != nil {
		return nil, fmt.Errorf("writing single coil: %w", err)
	}
	return results, nil
}

// WriteSingleRegister writes one holding register (function code 0x06) and
// returns the echoed register value.
func (mb *client) WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error) {
	results, err := mb.writeEcho(ctx, FuncCodeWriteSingleRegister, address, value)
	if err != nil {
		return nil, fmt.Errorf("writing single register: %w", err)
	}
	return results, nil
}

// writeEcho issues a single-write request, whose confirmation echoes the
// address and value of the request.
func (mb *client) writeEcho(ctx context.Context, functionCode byte, address, value uint16) ([]byte, error) {
	response, err := mb.send(ctx, &ProtocolDataUnit{FunctionCode: functionCode, Data: dataBlock(address, value)})
	if err != nil || response == nil {
		return nil, err
	}
	return verifyEcho(response.Data, address, value)
}

// WriteMultipleCoils forces 1 to 1968 contiguous coils (function code
// 0x0F); value carries the packed bits. The confirmation echoes address and
// quantity.
func (mb *client) WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error) {
	if quantity < 1 || quantity > 1968 {
		return nil, fmt.Errorf("writing multiple coils: %w", quantityError(quantity, 1, 1968))
	}
	results, err := mb.writeBlock(ctx, FuncCodeWriteMultipleCoils, address, quantity, value)
	if err != nil {
		return nil, fmt.Errorf("writing multiple coils: %w", err)
	}
	return results, nil
}

// WriteMultipleRegisters writes 1 to 123 contiguous holding registers
// (function code 0x10); value carries two bytes per register. The
// confirmation echoes address and quantity.
func (mb *client) WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error) {
	if quantity < 1 || quantity > 123 {
		return nil, fmt.Errorf("writing multiple registers: %w", quantityError(quantity, 1, 123))
	}
	results, err := mb.writeBlock(ctx, FuncCodeWriteMultipleRegisters, address, quantity, value)
	if err != nil {
		return nil, fmt.Errorf("writing multiple registers: %w", err)
	}
	return results, nil
}

// writeBlock issues a multi-write request. The quantity echoed by the
// confirmation is cross-checked strictly: devices that acknowledge a
// different count are rejected.
func (mb *client) writeBlock(ctx context.Context, functionCode byte, address, quantity uint16, value []byte) ([]byte, error) {
	request := &ProtocolDataUnit{
		FunctionCode: functionCode,
		Data:         dataBlockSuffix(value, address, quantity),
	}
	response, err := mb.send(ctx, request)
	if err != nil || response == nil {
		return nil, err
	}
	return verifyEcho(response.Data, address, quantity)
}

// MaskWriteRegister updates a holding register to (current AND andMask) OR
// (orMask AND NOT andMask) with function code 0x16. The confirmation echoes
// all three request fields.
func (mb *client) MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) ([]byte, error) {
	request := &ProtocolDataUnit{
		FunctionCode: FuncCodeMaskWriteRegister,
		Data:         dataBlock(address, andMask, orMask),
	}
	response, err := mb.send(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("mask writing register: %w", err)
	}
	if response == nil {
		return nil, nil
	}
	if len(response.Data) != 6 {
		return nil, fmt.Errorf("mask writing register: %w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(response.Data), 6)
	}
	echoed := []struct {
		name string
		want uint16
	}{
		{"address", address},
		{"AND-mask", andMask},
		{"OR-mask", orMask},
	}
	for i, field := range echoed {
		if got := binary.BigEndian.Uint16(response.Data[2*i:]); got != field.want {
			return nil, fmt.Errorf("mask writing register: %w: response %s '%v' does not match request '%v'", ErrInvalidResponse, field.name, got, field.want)
		}
	}
	return response.Data[2:], nil
}

// ReadWriteMultipleRegisters performs one write and one read in a single
// transaction (function code 0x17); the write happens first. Returns the
// read register bytes.
func (mb *client) ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	if readQuantity < 1 || readQuantity > 125 {
		return nil, fmt.Errorf("reading/writing multiple registers: read %w", quantityError(readQuantity, 1, 125))
	}
	if writeQuantity < 1 || writeQuantity > 121 {
		return nil, fmt.Errorf("reading/writing multiple registers: write %w", quantityError(writeQuantity, 1, 121))
	}
	data := dataBlockSuffix(value, readAddress, readQuantity, writeAddress, writeQuantity)
	results, err := mb.requestPayload(ctx, FuncCodeReadWriteMultipleRegisters, data)
	if err != nil {
		return nil, fmt.Errorf("reading/writing multiple registers: %w", err)
	}
	return results, nil
}

// ReadFIFOQueue reads the register FIFO queue at the given pointer address
// (function code 0x18). The confirmation carries a 16-bit byte count, a
// FIFO count of at most 31, and the queued registers.
func (mb *client) ReadFIFOQueue(ctx context.Context, address uint16) ([]byte, error) {
	response, err := mb.send(ctx, &ProtocolDataUnit{
		FunctionCode: FuncCodeReadFIFOQueue,
		Data:         dataBlock(address),
	})
	if err != nil {
		return nil, fmt.Errorf("reading FIFO queue: %w", err)
	}
	if response == nil {
		return nil, nil
	}
	if len(response.Data) < 4 {
		return nil, fmt.Errorf("reading FIFO queue: %w: response data size '%v' is less than expected '%v'", ErrInvalidResponse, len(response.Data), 4)
	}
	if count := int(binary.BigEndian.Uint16(response.Data)); count != len(response.Data)-2 {
		return nil, fmt.Errorf("reading FIFO queue: %w: response data size '%v' does not match count '%v'", ErrInvalidResponse, len(response.Data)-2, count)
	}
	if fifoCount := int(binary.BigEndian.Uint16(response.Data[2:])); fifoCount > 31 {
		return nil, fmt.Errorf("reading FIFO queue: %w: fifo count '%v' is greater than expected '%v'", ErrInvalidResponse, fifoCount, 31)
	}
	return response.Data[4:], nil
}

// ReadExceptionStatus reads the eight exception status outputs (function
// code 0x07).
func (mb *client) ReadExceptionStatus(ctx context.Context) (byte, error) {
	response, err := mb.send(ctx, &ProtocolDataUnit{
		FunctionCode: FuncCodeReadExceptionStatus,
		Data:         []byte{},
	})
	if err != nil {
		return 0, fmt.Errorf("reading exception status: %w", err)
	}
	if response == nil {
		return 0, nil
	}
	if len(response.Data) != 1 {
		return 0, fmt.Errorf("reading exception status: %w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(response.Data), 1)
	}
	return response.Data[0], nil
}

// ReportSlaveID reads the device description (function code 0x11): slave
// id, run indicator (0x00 stopped, 0xFF running) and device-specific data.
func (mb *client) ReportSlaveID(ctx context.Context) ([]byte, error) {
	results, err := mb.requestPayload(ctx, FuncCodeReportSlaveID, []byte{})
	if err != nil {
		return nil, fmt.Errorf("reporting slave id: %w", err)
	}
	return results, nil
}

// ReadDeviceIdentification issues as many 0x2B/0x0E transactions as the
// device requires, following the more-follows cursor, and returns the
// collected objects keyed by object id.
func (mb *client) ReadDeviceIdentification(ctx context.Context, readDeviceIDCode byte) (map[byte][]byte, error) {
	if readDeviceIDCode < ReadDeviceIDCodeBasic || readDeviceIDCode > ReadDeviceIDCodeSpecific {
		return nil, fmt.Errorf("%w: read device id code '%v' must be between '%v' and '%v'", ErrInvalidData, readDeviceIDCode, ReadDeviceIDCodeBasic, ReadDeviceIDCodeSpecific)
	}
	objects := make(map[byte][]byte)
	objectID := byte(0)
	for {
		request := ProtocolDataUnit{
			FunctionCode: FuncCodeEncapsulatedInterfaceTransport,
			Data:         []byte{MEITypeReadDeviceIdentification, readDeviceIDCode, objectID},
		}
		response, err := mb.send(ctx, &request)
		if err != nil {
			return nil, fmt.Errorf("reading device identification: %w", err)
		}
		if response == nil {
			return nil, nil
		}
		stanza, err := decodeDeviceIdentification(response.Data)
		if err != nil {
			return nil, fmt.Errorf("reading device identification: %w", err)
		}
		for id, value := range stanza.Objects {
			objects[id] = value
		}
		if stanza.MoreFollows != deviceIDMoreFollows {
			return objects, nil
		}
		objectID = stanza.NextObjectID
	}
}

// Send transmits a raw protocol data unit and returns the decoded
// confirmation. A broadcast request returns a nil confirmation and nil
// error.
func (mb *client) Send(ctx context.Context, request *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	return mb.send(ctx, request)
}

// send runs one full exchange: encode, transmit, verify, decode, and map an
// exception confirmation to a ModbusError.
func (mb *client) send(ctx context.Context, request *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	aduRequest, err := mb.packager.Encode(request)
	if err != nil {
		return nil, fmt.Errorf("encoding PDU: %w", err)
	}
	aduResponse, err := mb.transporter.Send(ctx, aduRequest)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	// A broadcast request produces no confirmation.
	if len(aduResponse) == 0 {
		return nil, nil
	}
	if err := mb.packager.Verify(aduRequest, aduResponse); err != nil {
		mb.recover(ctx, err)
		return nil, fmt.Errorf("verifying response: %w", err)
	}
	response, err := mb.packager.Decode(aduResponse)
	if err != nil {
		mb.recover(ctx, err)
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	// A function code with the high bit set carries an exception code
	if response.FunctionCode == request.FunctionCode|0x80 {
		return nil, responseError(response)
	}
	if response.FunctionCode != request.FunctionCode {
		err := fmt.Errorf("%w: response function code '%v' does not match request '%v'", ErrProtocolError, response.FunctionCode, request.FunctionCode)
		mb.recover(ctx, err)
		return nil, err
	}
	if len(response.Data) == 0 {
		return nil, fmt.Errorf("%w: response data is empty", ErrInvalidResponse)
	}
	return response, nil
}

// recover hands a framing failure to the transport so it can re-arm itself
// before the error reaches the caller.
func (mb *client) recover(ctx context.Context, err error) {
	if r, ok := mb.transporter.(Recoverer); ok {
		r.Recover(ctx, err)
	}
}

// quantityError reports a quantity outside its per-function limits.
func quantityError(quantity, min, max uint16) error {
	return fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, min, max)
}

// countPrefixedPayload validates a confirmation of the shape byte-count +
// payload and returns the payload.
func countPrefixedPayload(data []byte) ([]byte, error) {
	if count := int(data[0]); count != len(data)-1 {
		return nil, fmt.Errorf("%w: response data size '%v' does not match count '%v'", ErrInvalidResponse, len(data)-1, count)
	}
	return data[1:], nil
}

// verifyEcho validates a confirmation that echoes a 16-bit address and a
// 16-bit value (or quantity) and returns the echoed value bytes.
func verifyEcho(data []byte, address, value uint16) ([]byte, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("%w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(data), 4)
	}
	if got := binary.BigEndian.Uint16(data); got != address {
		return nil, fmt.Errorf("%w: response address '%v' does not match request '%v'", ErrInvalidResponse, got, address)
	}
	if got := binary.BigEndian.Uint16(data[2:]); got != value {
		return nil, fmt.Errorf("%w: response value '%v' does not match request '%v'", ErrInvalidResponse, got, value)
	}
	return data[2:], nil
}

// dataBlock packs 16-bit values big-endian.
func dataBlock(values ...uint16) []byte {
	data := make([]byte, 0, 2*len(values))
	for _, v := range values {
		data = binary.BigEndian.AppendUint16(data, v)
	}
	return data
}

// dataBlockSuffix packs 16-bit values big-endian followed by a one-byte
// length prefix and the suffix bytes.
func dataBlockSuffix(suffix []byte, values ...uint16) []byte {
	data := make([]byte, 0, 2*len(values)+1+len(suffix))
	for _, v := range values {
		data = binary.BigEndian.AppendUint16(data, v)
	}
	data = append(data, byte(len(suffix)))
	return append(data, suffix...)
}

// responseError maps an exception confirmation to a ModbusError.
func responseError(response *ProtocolDataUnit) error {
	mbError := &ModbusError{FunctionCode: response.FunctionCode}
	if len(response.Data) > 0 {
		mbError.ExceptionCode = response.Data[0]
	}
	return mbError
}
