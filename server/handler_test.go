// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package server

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tarnhill/modbus"
)

func newTestHandler(config *DataStoreConfig) (*Handler, *DataStore) {
	ds := NewDataStore(config)
	return NewHandler(ds), ds
}

func request(functionCode byte, data ...byte) *modbus.ProtocolDataUnit {
	return &modbus.ProtocolDataUnit{FunctionCode: functionCode, Data: data}
}

func assertException(t *testing.T, resp *modbus.ProtocolDataUnit, functionCode, exceptionCode byte) {
	t.Helper()
	if resp == nil {
		t.Fatal("response is nil")
	}
	if resp.FunctionCode != functionCode|0x80 {
		t.Fatalf("function code = 0x%02X, want 0x%02X", resp.FunctionCode, functionCode|0x80)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("exception data length = %d, want 1", len(resp.Data))
	}
	if resp.Data[0] != exceptionCode {
		t.Fatalf("exception code = 0x%02X, want 0x%02X", resp.Data[0], exceptionCode)
	}
}

func TestHandleReadCoils(t *testing.T) {
	h, _ := newTestHandler(&DataStoreConfig{
		Coils: map[uint16]bool{0: true, 2: true, 3: true, 6: true, 7: true, 9: true},
	})

	resp := h.HandleRequest(request(modbus.FuncCodeReadCoils, 0x00, 0x00, 0x00, 0x0A))
	if resp.FunctionCode != modbus.FuncCodeReadCoils {
		t.Fatalf("function code = 0x%02X", resp.FunctionCode)
	}
	// 10 coils -> 2 bytes, LSB first: 0b11001101, 0b00000010
	want := []byte{0x02, 0xCD, 0x02}
	if !bytes.Equal(resp.Data, want) {
		t.Fatalf("data = % x, want % x", resp.Data, want)
	}
}

func TestHandleReadCoilsQuantityLimits(t *testing.T) {
	h, _ := newTestHandler(nil)

	resp := h.HandleRequest(request(modbus.FuncCodeReadCoils, 0x00, 0x00, 0x00, 0x00))
	assertException(t, resp, modbus.FuncCodeReadCoils, modbus.ExceptionCodeIllegalDataValue)

	resp = h.HandleRequest(request(modbus.FuncCodeReadCoils, 0x00, 0x00, 0x07, 0xD1)) // 2001
	assertException(t, resp, modbus.FuncCodeReadCoils, modbus.ExceptionCodeIllegalDataValue)
}

// Requests beyond the declared extent fail with illegal data address. Extent
// [0x13, 0x13+0x25): one coil at 0x00FF is out of range.
func TestHandleReadCoilsOutsideExtent(t *testing.T) {
	h, _ := newTestHandler(&DataStoreConfig{
		Extents: &ExtentSet{
			Coils: Extent{Start: 0x13, Count: 0x25},
		},
	})

	resp := h.HandleRequest(request(modbus.FuncCodeReadCoils, 0x00, 0xFF, 0x00, 0x01))
	assertException(t, resp, modbus.FuncCodeReadCoils, modbus.ExceptionCodeIllegalDataAddress)

	// One element beyond the upper edge
	resp = h.HandleRequest(request(modbus.FuncCodeReadCoils, 0x00, 0x13, 0x00, 0x26))
	assertException(t, resp, modbus.FuncCodeReadCoils, modbus.ExceptionCodeIllegalDataAddress)

	// The full extent itself succeeds
	resp = h.HandleRequest(request(modbus.FuncCodeReadCoils, 0x00, 0x13, 0x00, 0x25))
	if resp.FunctionCode != modbus.FuncCodeReadCoils {
		t.Fatalf("full-extent read failed: % x", resp.Data)
	}
}

func TestHandleReadHoldingRegisters(t *testing.T) {
	h, _ := newTestHandler(&DataStoreConfig{
		HoldingRegs: map[uint16]uint16{0x6B: 0x022B, 0x6C: 0x0001, 0x6D: 0x0064},
	})

	resp := h.HandleRequest(request(modbus.FuncCodeReadHoldingRegisters, 0x00, 0x6B, 0x00, 0x03))
	want := []byte{0x06, 0x02, 0x2B, 0x00, 0x01, 0x00, 0x64}
	if !bytes.Equal(resp.Data, want) {
		t.Fatalf("data = % x, want % x", resp.Data, want)
	}
}

func TestHandleWriteSingleCoil(t *testing.T) {
	h, ds := newTestHandler(nil)

	// Invalid state value
	resp := h.HandleRequest(request(modbus.FuncCodeWriteSingleCoil, 0x00, 0x05, 0x12, 0x34))
	assertException(t, resp, modbus.FuncCodeWriteSingleCoil, modbus.ExceptionCodeIllegalDataValue)

	// Valid ON write echoes the request
	req := request(modbus.FuncCodeWriteSingleCoil, 0x00, 0x05, 0xFF, 0x00)
	resp = h.HandleRequest(req)
	if resp.FunctionCode != modbus.FuncCodeWriteSingleCoil || !bytes.Equal(resp.Data, req.Data) {
		t.Fatalf("response = %02X % x, want echo", resp.FunctionCode, resp.Data)
	}

	coils, err := ds.ReadCoils(5, 1)
	if err != nil || !coils[0] {
		t.Fatalf("coil not set: %v %v", coils, err)
	}
}

// Write-single-coil then read-coils returns the written value.
func TestWriteReadCoilRoundTrip(t *testing.T) {
	h, _ := newTestHandler(nil)

	h.HandleRequest(request(modbus.FuncCodeWriteSingleCoil, 0x00, 0x0A, 0xFF, 0x00))
	resp := h.HandleRequest(request(modbus.FuncCodeReadCoils, 0x00, 0x0A, 0x00, 0x01))
	if !bytes.Equal(resp.Data, []byte{0x01, 0x01}) {
		t.Fatalf("data = % x, want 01 01", resp.Data)
	}

	h.HandleRequest(request(modbus.FuncCodeWriteSingleCoil, 0x00, 0x0A, 0x00, 0x00))
	resp = h.HandleRequest(request(modbus.FuncCodeReadCoils, 0x00, 0x0A, 0x00, 0x01))
	if !bytes.Equal(resp.Data, []byte{0x01, 0x00}) {
		t.Fatalf("data = % x, want 01 00", resp.Data)
	}
}

// Write-multiple-registers then read-holding-registers returns the values
// byte for byte.
func TestWriteReadRegistersRoundTrip(t *testing.T) {
	h, _ := newTestHandler(nil)

	payload := []byte{0x00, 0x0A, 0x01, 0x02, 0xFF, 0xFF}
	req := append([]byte{0x00, 0x10, 0x00, 0x03, 0x06}, payload...)
	resp := h.HandleRequest(&modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Data: req})
	if resp.FunctionCode != modbus.FuncCodeWriteMultipleRegisters {
		t.Fatalf("write failed: % x", resp.Data)
	}
	if !bytes.Equal(resp.Data, []byte{0x00, 0x10, 0x00, 0x03}) {
		t.Fatalf("write response = % x", resp.Data)
	}

	resp = h.HandleRequest(request(modbus.FuncCodeReadHoldingRegisters, 0x00, 0x10, 0x00, 0x03))
	want := append([]byte{0x06}, payload...)
	if !bytes.Equal(resp.Data, want) {
		t.Fatalf("data = % x, want % x", resp.Data, want)
	}
}

func TestHandleWriteMultipleCoilsByteCountMismatch(t *testing.T) {
	h, _ := newTestHandler(nil)

	// 10 coils require 2 bytes; claim 3
	resp := h.HandleRequest(request(modbus.FuncCodeWriteMultipleCoils, 0x00, 0x00, 0x00, 0x0A, 0x03, 0xCD, 0x01, 0x00))
	assertException(t, resp, modbus.FuncCodeWriteMultipleCoils, modbus.ExceptionCodeIllegalDataValue)
}

func TestHandleWriteMultipleCoils(t *testing.T) {
	h, ds := newTestHandler(nil)

	resp := h.HandleRequest(request(modbus.FuncCodeWriteMultipleCoils, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01))
	if !bytes.Equal(resp.Data, []byte{0x00, 0x13, 0x00, 0x0A}) {
		t.Fatalf("response = % x", resp.Data)
	}

	coils, err := ds.ReadCoils(0x13, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []bool{true, false, true, true, false, false, true, true, true, false}
	for i, v := range want {
		if coils[i] != v {
			t.Fatalf("coil %d = %v, want %v", i, coils[i], v)
		}
	}
}

// Mask-write yields (current AND andMask) OR (orMask AND NOT andMask).
func TestHandleMaskWriteRegister(t *testing.T) {
	h, ds := newTestHandler(&DataStoreConfig{
		HoldingRegs: map[uint16]uint16{4: 0x0012},
	})

	req := request(modbus.FuncCodeMaskWriteRegister, 0x00, 0x04, 0x00, 0xF2, 0x00, 0x25)
	resp := h.HandleRequest(req)
	if resp.FunctionCode != modbus.FuncCodeMaskWriteRegister || !bytes.Equal(resp.Data, req.Data) {
		t.Fatalf("response = %02X % x, want echo", resp.FunctionCode, resp.Data)
	}

	regs, err := ds.ReadHoldingRegisters(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := uint16(0x0012&0x00F2 | 0x0025&^0x00F2)
	if regs[0] != want {
		t.Fatalf("register = 0x%04X, want 0x%04X", regs[0], want)
	}
}

// Write-and-read performs the write before the read.
func TestHandleReadWriteMultipleRegisters(t *testing.T) {
	h, _ := newTestHandler(&DataStoreConfig{
		HoldingRegs: map[uint16]uint16{0: 0x1111},
	})

	// Read 1 register at 0, write 1 register at 0 with 0x2222: the read
	// must observe the new value.
	data := []byte{
		0x00, 0x00, 0x00, 0x01, // read address, quantity
		0x00, 0x00, 0x00, 0x01, // write address, quantity
		0x02, 0x22, 0x22,
	}
	resp := h.HandleRequest(&modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeReadWriteMultipleRegisters, Data: data})
	if resp.FunctionCode != modbus.FuncCodeReadWriteMultipleRegisters {
		t.Fatalf("response = %02X % x", resp.FunctionCode, resp.Data)
	}
	if !bytes.Equal(resp.Data, []byte{0x02, 0x22, 0x22}) {
		t.Fatalf("data = % x, want 02 22 22", resp.Data)
	}
}

func TestHandleReadExceptionStatus(t *testing.T) {
	h, ds := newTestHandler(nil)
	ds.SetExceptionStatus(0x6D)

	resp := h.HandleRequest(request(modbus.FuncCodeReadExceptionStatus))
	if resp.FunctionCode != modbus.FuncCodeReadExceptionStatus {
		t.Fatalf("function code = 0x%02X", resp.FunctionCode)
	}
	if !bytes.Equal(resp.Data, []byte{0x6D}) {
		t.Fatalf("data = % x, want 6D", resp.Data)
	}
}

func TestHandleReportSlaveID(t *testing.T) {
	h, _ := newTestHandler(nil)
	h.SetSlaveID(17)
	h.SetIdentity(Identity{ProductCode: "MB-1"})

	resp := h.HandleRequest(request(modbus.FuncCodeReportSlaveID))
	if resp.FunctionCode != modbus.FuncCodeReportSlaveID {
		t.Fatalf("function code = 0x%02X", resp.FunctionCode)
	}
	if int(resp.Data[0]) != len(resp.Data)-1 {
		t.Fatalf("byte count = %d, data length %d", resp.Data[0], len(resp.Data)-1)
	}
	if resp.Data[1] != 17 {
		t.Fatalf("slave id = %d, want 17", resp.Data[1])
	}
	if resp.Data[2] != 0xFF {
		t.Fatalf("run indicator = 0x%02X, want 0xFF", resp.Data[2])
	}
	if !bytes.Equal(resp.Data[3:], []byte("MB-1")) {
		t.Fatalf("product = %q", resp.Data[3:])
	}
}

func TestHandleDeviceIdentificationBasic(t *testing.T) {
	h, _ := newTestHandler(nil)
	h.SetIdentity(Identity{
		VendorName:         "acme",
		ProductCode:        "MB-1",
		MajorMinorRevision: "1.0",
	})

	resp := h.HandleRequest(request(modbus.FuncCodeEncapsulatedInterfaceTransport,
		modbus.MEITypeReadDeviceIdentification, modbus.ReadDeviceIDCodeBasic, 0x00))
	if resp.FunctionCode != modbus.FuncCodeEncapsulatedInterfaceTransport {
		t.Fatalf("function code = 0x%02X", resp.FunctionCode)
	}
	data := resp.Data
	if data[0] != modbus.MEITypeReadDeviceIdentification {
		t.Fatalf("MEI type = 0x%02X", data[0])
	}
	if data[3] != 0x00 {
		t.Fatalf("more follows = 0x%02X, want 0", data[3])
	}
	if data[5] != 3 {
		t.Fatalf("object count = %d, want 3", data[5])
	}
	// First object: id 0, length 4, "acme"
	if data[6] != 0x00 || data[7] != 4 || !bytes.Equal(data[8:12], []byte("acme")) {
		t.Fatalf("first object = % x", data[6:12])
	}
}

// An object list that cannot fit one PDU is truncated with more-follows set
// and the cursor pointing at the first omitted object.
func TestHandleDeviceIdentificationTruncation(t *testing.T) {
	h, _ := newTestHandler(nil)
	long := make([]byte, 120)
	for i := range long {
		long[i] = 'x'
	}
	h.SetIdentity(Identity{
		VendorName:         string(long),
		ProductCode:        string(long),
		MajorMinorRevision: "1.0",
	})

	resp := h.HandleRequest(request(modbus.FuncCodeEncapsulatedInterfaceTransport,
		modbus.MEITypeReadDeviceIdentification, modbus.ReadDeviceIDCodeBasic, 0x00))
	data := resp.Data
	if data[3] != 0xFF {
		t.Fatalf("more follows = 0x%02X, want 0xFF", data[3])
	}
	if data[4] != 0x02 {
		t.Fatalf("next object id = %d, want 2", data[4])
	}
	if data[5] != 2 {
		t.Fatalf("object count = %d, want 2", data[5])
	}
	if len(data) > maxPDUDataSize {
		t.Fatalf("data length = %d exceeds %d", len(data), maxPDUDataSize)
	}

	// Resume at the advertised cursor
	resp = h.HandleRequest(request(modbus.FuncCodeEncapsulatedInterfaceTransport,
		modbus.MEITypeReadDeviceIdentification, modbus.ReadDeviceIDCodeBasic, data[4]))
	data = resp.Data
	if data[3] != 0x00 || data[5] != 1 {
		t.Fatalf("continuation = more %02X count %d", data[3], data[5])
	}
	if data[6] != 0x02 {
		t.Fatalf("continuation object id = %d, want 2", data[6])
	}
}

func TestHandleDeviceIdentificationSpecific(t *testing.T) {
	h, _ := newTestHandler(nil)
	h.SetIdentity(Identity{VendorName: "acme", ProductCode: "MB-1", MajorMinorRevision: "1.0"})

	resp := h.HandleRequest(request(modbus.FuncCodeEncapsulatedInterfaceTransport,
		modbus.MEITypeReadDeviceIdentification, modbus.ReadDeviceIDCodeSpecific, 0x01))
	if resp.Data[5] != 1 || resp.Data[6] != 0x01 {
		t.Fatalf("specific read = % x", resp.Data)
	}

	// Unknown object id
	resp = h.HandleRequest(request(modbus.FuncCodeEncapsulatedInterfaceTransport,
		modbus.MEITypeReadDeviceIdentification, modbus.ReadDeviceIDCodeSpecific, 0x7F))
	assertException(t, resp, modbus.FuncCodeEncapsulatedInterfaceTransport, modbus.ExceptionCodeIllegalDataAddress)
}

func TestHandleDeviceIdentificationBadMEI(t *testing.T) {
	h, _ := newTestHandler(nil)
	resp := h.HandleRequest(request(modbus.FuncCodeEncapsulatedInterfaceTransport, 0x0D, 0x01, 0x00))
	assertException(t, resp, modbus.FuncCodeEncapsulatedInterfaceTransport, modbus.ExceptionCodeIllegalFunction)
}

func TestHandleUnknownFunction(t *testing.T) {
	h, _ := newTestHandler(nil)
	resp := h.HandleRequest(request(0x55, 0x00, 0x00))
	assertException(t, resp, 0x55, modbus.ExceptionCodeIllegalFunction)
}

// Every exception reply carries the request function with the high bit set
// and exactly one payload byte within the defined code range.
func TestExceptionShape(t *testing.T) {
	h, _ := newTestHandler(&DataStoreConfig{
		Extents: &ExtentSet{HoldingRegs: Extent{Start: 0, Count: 8}},
	})

	requests := []*modbus.ProtocolDataUnit{
		request(modbus.FuncCodeReadHoldingRegisters, 0x00, 0x10, 0x00, 0x01),
		request(modbus.FuncCodeReadHoldingRegisters, 0x00, 0x00, 0x00, 0x00),
		request(0x55),
	}
	for _, req := range requests {
		resp := h.HandleRequest(req)
		if resp.FunctionCode != req.FunctionCode|0x80 {
			t.Fatalf("function code = 0x%02X, want 0x%02X", resp.FunctionCode, req.FunctionCode|0x80)
		}
		if len(resp.Data) != 1 {
			t.Fatalf("exception payload = % x, want one byte", resp.Data)
		}
		if resp.Data[0] < 1 || resp.Data[0] > 0x0B {
			t.Fatalf("exception code = 0x%02X outside [1, 0x0B]", resp.Data[0])
		}
	}
}

// The requested count drives the reply: ceil(n/8) payload bytes for bit
// reads, 2n for register reads.
func TestReadPayloadSizes(t *testing.T) {
	h, _ := newTestHandler(nil)

	for _, quantity := range []uint16{1, 7, 8, 9, 16, 37, 2000} {
		var req [4]byte
		binary.BigEndian.PutUint16(req[0:], 0)
		binary.BigEndian.PutUint16(req[2:], quantity)
		resp := h.HandleRequest(request(modbus.FuncCodeReadCoils, req[0], req[1], req[2], req[3]))
		wantBytes := int(quantity+7) / 8
		if int(resp.Data[0]) != wantBytes || len(resp.Data)-1 != wantBytes {
			t.Fatalf("quantity %d: payload = %d bytes, want %d", quantity, len(resp.Data)-1, wantBytes)
		}
	}

	for _, quantity := range []uint16{1, 3, 125} {
		var req [4]byte
		binary.BigEndian.PutUint16(req[0:], 0)
		binary.BigEndian.PutUint16(req[2:], quantity)
		resp := h.HandleRequest(request(modbus.FuncCodeReadInputRegisters, req[0], req[1], req[2], req[3]))
		wantBytes := int(quantity) * 2
		if int(resp.Data[0]) != wantBytes || len(resp.Data)-1 != wantBytes {
			t.Fatalf("quantity %d: payload = %d bytes, want %d", quantity, len(resp.Data)-1, wantBytes)
		}
	}
}
