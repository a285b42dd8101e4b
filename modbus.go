// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
)

// Function codes.
const (
	FuncCodeReadCoils          = 1
	FuncCodeReadDiscreteInputs = 2

	FuncCodeReadHoldingRegisters = 3
	FuncCodeReadInputRegisters   = 4

	FuncCodeWriteSingleCoil     = 5
	FuncCodeWriteSingleRegister = 6

	FuncCodeReadExceptionStatus = 7

	FuncCodeWriteMultipleCoils     = 15
	FuncCodeWriteMultipleRegisters = 16

	FuncCodeReportSlaveID = 17

	FuncCodeMaskWriteRegister          = 22
	FuncCodeReadWriteMultipleRegisters = 23
	FuncCodeReadFIFOQueue              = 24

	FuncCodeEncapsulatedInterfaceTransport = 43
)

// MEI types carried by the encapsulated interface transport (0x2B).
const (
	MEITypeReadDeviceIdentification = 14
)

// Exception codes.
const (
	ExceptionCodeIllegalFunction                    = 1
	ExceptionCodeIllegalDataAddress                 = 2
	ExceptionCodeIllegalDataValue                   = 3
	ExceptionCodeServerDeviceFailure                = 4
	ExceptionCodeAcknowledge                        = 5
	ExceptionCodeServerDeviceBusy                   = 6
	ExceptionCodeNegativeAcknowledge                = 7
	ExceptionCodeMemoryParityError                  = 8
	ExceptionCodeGatewayPathUnavailable             = 10
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 11
)

const (
	// BroadcastSlaveID addresses every slave on a serial bus. Broadcast
	// requests are applied by all slaves and never acknowledged.
	BroadcastSlaveID = 0

	// AnyUnitID is the unit identifier accepted by servers reached over a
	// direct TCP link rather than through a serial gateway.
	AnyUnitID = 0xFF
)

// Sentinel errors returned (wrapped) by clients and packagers. Match with
// errors.Is.
var (
	// ErrInvalidQuantity indicates a request quantity outside the
	// per-function Modbus limits.
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")
	// ErrInvalidData indicates request data that cannot be encoded.
	ErrInvalidData = errors.New("modbus: invalid data")
	// ErrInvalidResponse indicates a well-framed confirmation whose content
	// contradicts the request.
	ErrInvalidResponse = errors.New("modbus: invalid response")
	// ErrShortFrame indicates a frame below the minimum length for its
	// framing.
	ErrShortFrame = errors.New("modbus: short frame")
	// ErrProtocolError indicates a framing-level violation such as a bad
	// transaction identifier or frame delimiter.
	ErrProtocolError = errors.New("modbus: protocol error")
	// ErrCRC indicates a checksum mismatch (CRC-16 or LRC).
	ErrCRC = errors.New("modbus: checksum mismatch")
	// ErrBadSlave indicates a confirmation from an unexpected slave.
	ErrBadSlave = errors.New("modbus: unexpected slave")
	// ErrTooManyData indicates a request or expected confirmation that would
	// exceed the maximum ADU length of the framing.
	ErrTooManyData = errors.New("modbus: too many data")
)

// ModbusError implements error interface for an exception reply sent by the
// peer.
type ModbusError struct {
	FunctionCode  byte
	ExceptionCode byte
}

// Error converts known modbus exception code to error message.
func (e *ModbusError) Error() string {
	var name string
	switch e.ExceptionCode {
	case ExceptionCodeIllegalFunction:
		name = "illegal function"
	case ExceptionCodeIllegalDataAddress:
		name = "illegal data address"
	case ExceptionCodeIllegalDataValue:
		name = "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		name = "server device failure"
	case ExceptionCodeAcknowledge:
		name = "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		name = "server device busy"
	case ExceptionCodeNegativeAcknowledge:
		name = "negative acknowledge"
	case ExceptionCodeMemoryParityError:
		name = "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		name = "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		name = "gateway target device failed to respond"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", e.ExceptionCode, name, e.FunctionCode)
}

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Packager specifies the communication layer.
type Packager interface {
	Encode(pdu *ProtocolDataUnit) (adu []byte, err error)
	Decode(adu []byte) (pdu *ProtocolDataUnit, err error)
	Verify(aduRequest []byte, aduResponse []byte) (err error)
}

// Transporter specifies the transport layer. Send transmits a request ADU
// and blocks until the matching confirmation arrives or the context or
// configured timeouts expire. A broadcast request yields an empty
// confirmation.
type Transporter interface {
	Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error)
}

// Recoverer re-arms a transport after a failed exchange so that the next
// call has a chance of succeeding. The original error is always still
// returned to the caller.
type Recoverer interface {
	Recover(ctx context.Context, err error)
}

// Client provides modbus client operations. All multi-byte values cross the
// wire big-endian; bit results pack the first bit of the range into the LSB
// of the first byte.
type Client interface {
	// Bit access

	// ReadCoils reads from 1 to 2000 contiguous status of coils in a
	// remote device and returns coil status.
	ReadCoils(ctx context.Context, address, quantity uint16) (results []byte, err error)
	// ReadDiscreteInputs reads from 1 to 2000 contiguous status of
	// discrete inputs in a remote device and returns input status.
	ReadDiscreteInputs(ctx context.Context, address, quantity uint16) (results []byte, err error)
	// WriteSingleCoil writes a single output to either ON (0xFF00) or OFF
	// (0x0000) in a remote device and returns output value.
	WriteSingleCoil(ctx context.Context, address, value uint16) (results []byte, err error)
	// WriteMultipleCoils forces each coil in a sequence of coils to either
	// ON or OFF in a remote device and returns quantity of outputs.
	WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) (results []byte, err error)

	// 16-bit access

	// ReadInputRegisters reads from 1 to 125 contiguous input registers in
	// a remote device and returns input registers.
	ReadInputRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error)
	// ReadHoldingRegisters reads the contents of a contiguous block of
	// holding registers in a remote device and returns register value.
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error)
	// WriteSingleRegister writes a single holding register in a remote
	// device and returns register value.
	WriteSingleRegister(ctx context.Context, address, value uint16) (results []byte, err error)
	// WriteMultipleRegisters writes a block of contiguous registers
	// (1 to 123 registers) in a remote device and returns quantity of
	// registers.
	WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) (results []byte, err error)
	// ReadWriteMultipleRegisters performs a combination of one read
	// operation and one write operation in a single MODBUS transaction.
	// The write operation is performed before the read. Returns read
	// register value.
	ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) (results []byte, err error)
	// MaskWriteRegister modifies the contents of a specified holding
	// register using a combination of an AND mask, an OR mask, and the
	// register's current contents. Returns AND-mask and OR-mask.
	MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) (results []byte, err error)
	// ReadFIFOQueue reads the contents of a First-In-First-Out (FIFO)
	// queue of register in a remote device and returns FIFO value register.
	ReadFIFOQueue(ctx context.Context, address uint16) (results []byte, err error)

	// Diagnostics

	// ReadExceptionStatus reads the contents of eight Exception Status
	// outputs in a remote device.
	ReadExceptionStatus(ctx context.Context) (status byte, err error)
	// ReportSlaveID reads the description of a remote device: slave id,
	// run indicator status and additional device-specific data.
	ReportSlaveID(ctx context.Context) (results []byte, err error)
	// ReadDeviceIdentification reads the identification objects of a
	// remote device, following the more-follows cursor across as many
	// transactions as the device requires.
	ReadDeviceIdentification(ctx context.Context, readDeviceIDCode byte) (objects map[byte][]byte, err error)

	// Raw access

	// Send transmits a raw protocol data unit and returns the decoded
	// confirmation. A broadcast request returns a nil confirmation.
	Send(ctx context.Context, request *ProtocolDataUnit) (response *ProtocolDataUnit, err error)
}
