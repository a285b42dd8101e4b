// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package server

import (
	"encoding/binary"
	"errors"

	"github.com/tarnhill/modbus"
)

// maxPDUDataSize is the largest function-specific payload a PDU can carry.
const maxPDUDataSize = 252

// Identity is the device identification served by function 0x2B/0x0E and
// the product portion of report-slave-id.
type Identity struct {
	VendorName         string
	ProductCode        string
	MajorMinorRevision string
}

// Handler processes Modbus indications against a storage backend and builds
// the matching response or exception PDU.
type Handler struct {
	backend  Backend
	slaveID  byte
	identity Identity
	// runIndicator is reported by report-slave-id: 0xFF running, 0x00 stopped.
	runIndicator byte
	// DisableTimeoutSimulation skips the configured timeout probability,
	// for transports where a silent drop would wedge the peer (PTY-backed
	// serial links).
	DisableTimeoutSimulation bool
}

// NewHandler creates a new Handler with the given backend.
func NewHandler(backend Backend) *Handler {
	return &Handler{
		backend: backend,
		slaveID: 1,
		identity: Identity{
			VendorName:         "tarnhill",
			ProductCode:        "modbus-simulator",
			MajorMinorRevision: "1.0",
		},
		runIndicator: 0xFF,
	}
}

// SetSlaveID sets the slave id reported by report-slave-id.
func (h *Handler) SetSlaveID(id byte) {
	h.slaveID = id
}

// SetIdentity sets the device identification objects.
func (h *Handler) SetIdentity(identity Identity) {
	h.identity = identity
}

// HandleRequest processes a Modbus PDU request and returns a response PDU.
// A nil return means no response at all (simulated timeout).
func (h *Handler) HandleRequest(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if !h.applyDelay(req) {
		return nil
	}
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return h.handleReadCoils(req)
	case modbus.FuncCodeReadDiscreteInputs:
		return h.handleReadDiscreteInputs(req)
	case modbus.FuncCodeReadHoldingRegisters:
		return h.handleReadHoldingRegisters(req)
	case modbus.FuncCodeReadInputRegisters:
		return h.handleReadInputRegisters(req)
	case modbus.FuncCodeWriteSingleCoil:
		return h.handleWriteSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return h.handleWriteSingleRegister(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return h.handleWriteMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return h.handleWriteMultipleRegisters(req)
	case modbus.FuncCodeMaskWriteRegister:
		return h.handleMaskWriteRegister(req)
	case modbus.FuncCodeReadWriteMultipleRegisters:
		return h.handleReadWriteMultipleRegisters(req)
	case modbus.FuncCodeReadExceptionStatus:
		return h.handleReadExceptionStatus(req)
	case modbus.FuncCodeReportSlaveID:
		return h.handleReportSlaveID(req)
	case modbus.FuncCodeEncapsulatedInterfaceTransport:
		return h.handleDeviceIdentification(req)
	default:
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
}

// applyDelay runs the backend's artificial delay hooks when it has any.
// Returns false when the request should be silently dropped.
func (h *Handler) applyDelay(req *modbus.ProtocolDataUnit) bool {
	ds, ok := h.backend.(*DataStore)
	if !ok || len(req.Data) < 2 {
		return true
	}
	var regType RegisterType
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteMultipleCoils:
		regType = RegisterTypeCoil
	case modbus.FuncCodeReadDiscreteInputs:
		regType = RegisterTypeDiscreteInput
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleRegisters, modbus.FuncCodeMaskWriteRegister,
		modbus.FuncCodeReadWriteMultipleRegisters:
		regType = RegisterTypeHoldingReg
	case modbus.FuncCodeReadInputRegisters:
		regType = RegisterTypeInputReg
	default:
		return true
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	return ds.ApplyDelayWithOptions(regType, address, h.DisableTimeoutSimulation)
}

// backendException maps a backend error to the exception code to emit: a
// wrapped *ExceptionError verbatim, anything else as server device failure.
func backendException(functionCode byte, err error) *modbus.ProtocolDataUnit {
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return newExceptionResponse(functionCode, exc.Code)
	}
	return newExceptionResponse(functionCode, modbus.ExceptionCodeServerDeviceFailure)
}

func (h *Handler) handleReadCoils(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > 2000 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	coils, err := h.backend.ReadCoils(address, quantity)
	if err != nil {
		return backendException(req.FunctionCode, err)
	}
	if uint16(len(coils)) != quantity {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         boolsToBytes(coils),
	}
}

func (h *Handler) handleReadDiscreteInputs(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > 2000 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	inputs, err := h.backend.ReadDiscreteInputs(address, quantity)
	if err != nil {
		return backendException(req.FunctionCode, err)
	}
	if uint16(len(inputs)) != quantity {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         boolsToBytes(inputs),
	}
}

func (h *Handler) handleReadHoldingRegisters(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > 125 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	registers, err := h.backend.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return backendException(req.FunctionCode, err)
	}
	if uint16(len(registers)) != quantity {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         registersToBytes(registers),
	}
}

func (h *Handler) handleReadInputRegisters(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > 125 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	registers, err := h.backend.ReadInputRegisters(address, quantity)
	if err != nil {
		return backendException(req.FunctionCode, err)
	}
	if uint16(len(registers)) != quantity {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         registersToBytes(registers),
	}
}

func (h *Handler) handleWriteSingleCoil(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if value != 0x0000 && value != 0xFF00 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	if err := h.backend.WriteSingleCoil(address, value == 0xFF00); err != nil {
		return backendException(req.FunctionCode, err)
	}

	// Echo back the request
	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         req.Data,
	}
}

func (h *Handler) handleWriteSingleRegister(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := h.backend.WriteSingleRegister(address, value); err != nil {
		return backendException(req.FunctionCode, err)
	}

	// Echo back the request
	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         req.Data,
	}
}

func (h *Handler) handleWriteMultipleCoils(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 5 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > 1968 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	expectedByteCount := (quantity + 7) / 8
	if uint16(byteCount) != expectedByteCount || len(req.Data) < int(5+uint16(byteCount)) {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	coils := bytesToBools(req.Data[5:5+byteCount], quantity)
	if err := h.backend.WriteMultipleCoils(address, coils); err != nil {
		return backendException(req.FunctionCode, err)
	}

	// Response contains address and quantity
	response := make([]byte, 4)
	binary.BigEndian.PutUint16(response[0:2], address)
	binary.BigEndian.PutUint16(response[2:4], quantity)

	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         response,
	}
}

func (h *Handler) handleWriteMultipleRegisters(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 5 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > 123 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	if byteCount != byte(quantity*2) || len(req.Data) < int(5+uint16(byteCount)) {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	registers := bytesToRegisters(req.Data[5 : 5+byteCount])
	if err := h.backend.WriteMultipleRegisters(address, registers); err != nil {
		return backendException(req.FunctionCode, err)
	}

	// Response contains address and quantity
	response := make([]byte, 4)
	binary.BigEndian.PutUint16(response[0:2], address)
	binary.BigEndian.PutUint16(response[2:4], quantity)

	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         response,
	}
}

func (h *Handler) handleMaskWriteRegister(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 6 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	address := binary.BigEndian.Uint16(req.Data[0:2])
	andMask := binary.BigEndian.Uint16(req.Data[2:4])
	orMask := binary.BigEndian.Uint16(req.Data[4:6])

	if err := h.maskWrite(address, andMask, orMask); err != nil {
		return backendException(req.FunctionCode, err)
	}

	// Echo back the request
	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         req.Data,
	}
}

// maskWrite uses the backend's atomic mask write when available, otherwise
// composes it as read-modify-write.
func (h *Handler) maskWrite(address, andMask, orMask uint16) error {
	if mw, ok := h.backend.(MaskWriter); ok {
		return mw.MaskWriteRegister(address, andMask, orMask)
	}
	current, err := h.backend.ReadHoldingRegisters(address, 1)
	if err != nil {
		return err
	}
	result := (current[0] & andMask) | (orMask & (^andMask))
	return h.backend.WriteSingleRegister(address, result)
}

func (h *Handler) handleReadWriteMultipleRegisters(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 9 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	readAddress := binary.BigEndian.Uint16(req.Data[0:2])
	readQuantity := binary.BigEndian.Uint16(req.Data[2:4])
	writeAddress := binary.BigEndian.Uint16(req.Data[4:6])
	writeQuantity := binary.BigEndian.Uint16(req.Data[6:8])
	writeByteCount := req.Data[8]

	if readQuantity < 1 || readQuantity > 125 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if writeQuantity < 1 || writeQuantity > 121 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if writeByteCount != byte(writeQuantity*2) || len(req.Data) < int(9+uint16(writeByteCount)) {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	// Write first
	writeRegisters := bytesToRegisters(req.Data[9 : 9+writeByteCount])
	if err := h.backend.WriteMultipleRegisters(writeAddress, writeRegisters); err != nil {
		return backendException(req.FunctionCode, err)
	}

	// Then read
	readRegisters, err := h.backend.ReadHoldingRegisters(readAddress, readQuantity)
	if err != nil {
		return backendException(req.FunctionCode, err)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         registersToBytes(readRegisters),
	}
}

func (h *Handler) handleReadExceptionStatus(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	var status byte
	if reader, ok := h.backend.(ExceptionStatusReader); ok {
		var err error
		if status, err = reader.ExceptionStatus(); err != nil {
			return backendException(req.FunctionCode, err)
		}
	}
	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         []byte{status},
	}
}

func (h *Handler) handleReportSlaveID(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	product := []byte(h.identity.ProductCode)
	data := make([]byte, 0, 3+len(product))
	data = append(data, byte(2+len(product)))
	data = append(data, h.slaveID, h.runIndicator)
	data = append(data, product...)
	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         data,
	}
}

// handleDeviceIdentification serves basic device identification, truncating
// the object list when it would not fit a single PDU and advancing the
// more-follows cursor.
func (h *Handler) handleDeviceIdentification(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 3 {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if req.Data[0] != modbus.MEITypeReadDeviceIdentification {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
	code := req.Data[1]
	objectID := req.Data[2]
	if code < modbus.ReadDeviceIDCodeBasic || code > modbus.ReadDeviceIDCodeSpecific {
		return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	objects := [][]byte{
		[]byte(h.identity.VendorName),
		[]byte(h.identity.ProductCode),
		[]byte(h.identity.MajorMinorRevision),
	}

	first := int(objectID)
	last := len(objects) - 1
	if code == modbus.ReadDeviceIDCodeSpecific {
		if first > last {
			return newExceptionResponse(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
		}
		last = first
	} else if first > last {
		// Stream reads restart at the first object when the cursor is
		// out of range.
		first = 0
	}

	data := make([]byte, 6, maxPDUDataSize)
	data[0] = modbus.MEITypeReadDeviceIdentification
	data[1] = code
	data[2] = deviceIDConformityLevel(code)
	data[3] = 0x00 // more follows, patched below
	data[4] = 0x00 // next object id
	count := byte(0)
	for id := first; id <= last; id++ {
		need := 2 + len(objects[id])
		if len(data)+need > maxPDUDataSize {
			data[3] = 0xFF
			data[4] = byte(id)
			break
		}
		data = append(data, byte(id), byte(len(objects[id])))
		data = append(data, objects[id]...)
		count++
	}
	data[5] = count

	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         data,
	}
}

// deviceIDConformityLevel reports basic identification, stream plus
// individual access.
func deviceIDConformityLevel(code byte) byte {
	return 0x81
}

// Helper functions

func newExceptionResponse(functionCode, exceptionCode byte) *modbus.ProtocolDataUnit {
	return &modbus.ProtocolDataUnit{
		FunctionCode: functionCode | 0x80, // Set high bit for exception
		Data:         []byte{exceptionCode},
	}
}

// boolsToBytes converts a slice of bools to Modbus byte format.
// The byte count is prepended, and bits are packed LSB first.
func boolsToBytes(values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	result := make([]byte, 1+byteCount)
	result[0] = byte(byteCount)

	for i, val := range values {
		if val {
			byteIndex := i/8 + 1
			bitIndex := uint(i % 8)
			result[byteIndex] |= 1 << bitIndex
		}
	}
	return result
}

// bytesToBools converts Modbus byte format to a slice of bools.
// Expects packed bits LSB first, extracts quantity bits.
func bytesToBools(data []byte, quantity uint16) []bool {
	result := make([]bool, quantity)
	for i := uint16(0); i < quantity; i++ {
		byteIndex := i / 8
		bitIndex := uint(i % 8)
		result[i] = (data[byteIndex] & (1 << bitIndex)) != 0
	}
	return result
}

// registersToBytes converts a slice of uint16 registers to Modbus byte format.
// The byte count is prepended, and each register is encoded big-endian.
func registersToBytes(registers []uint16) []byte {
	byteCount := len(registers) * 2
	result := make([]byte, 1+byteCount)
	result[0] = byte(byteCount)

	for i, reg := range registers {
		binary.BigEndian.PutUint16(result[1+i*2:], reg)
	}
	return result
}

// bytesToRegisters converts Modbus byte format to a slice of uint16 registers.
// Each pair of bytes is decoded big-endian.
func bytesToRegisters(data []byte) []uint16 {
	count := len(data) / 2
	result := make([]uint16, count)
	for i := 0; i < count; i++ {
		result[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return result
}
