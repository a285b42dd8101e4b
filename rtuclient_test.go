// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"errors"
	"testing"
)

func TestRTUPackagerEncode(t *testing.T) {
	packager := &rtuPackager{SlaveID: 17}
	pdu := &ProtocolDataUnit{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0x00, 0x6B, 0x00, 0x03},
	}
	adu, err := packager.Encode(pdu)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87}
	if !bytes.Equal(adu, want) {
		t.Fatalf("adu = % x, want % x", adu, want)
	}
}

func TestRTUPackagerEncodeTooLong(t *testing.T) {
	packager := &rtuPackager{SlaveID: 1}
	pdu := &ProtocolDataUnit{
		FunctionCode: FuncCodeWriteMultipleRegisters,
		Data:         make([]byte, 253),
	}
	_, err := packager.Encode(pdu)
	if !errors.Is(err, ErrTooManyData) {
		t.Fatalf("error = %v, want ErrTooManyData", err)
	}
}

func TestRTUPackagerEncodeSlaveIDRange(t *testing.T) {
	packager := &rtuPackager{SlaveID: 248}
	pdu := &ProtocolDataUnit{FunctionCode: FuncCodeReadCoils, Data: []byte{0, 0, 0, 1}}
	if _, err := packager.Encode(pdu); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("error = %v, want ErrInvalidData", err)
	}

	packager.RelaxedSlaveID = true
	if _, err := packager.Encode(pdu); err != nil {
		t.Fatalf("relaxed slave id rejected: %v", err)
	}
}

func TestRTUPackagerDecodeRoundTrip(t *testing.T) {
	packager := &rtuPackager{SlaveID: 17}
	pdu := &ProtocolDataUnit{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0x06, 0x02, 0x2B, 0x00, 0x01, 0x00, 0x64},
	}
	adu, err := packager.Encode(pdu)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := packager.Decode(adu)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.FunctionCode != pdu.FunctionCode {
		t.Fatalf("function code = %v, want %v", decoded.FunctionCode, pdu.FunctionCode)
	}
	if !bytes.Equal(decoded.Data, pdu.Data) {
		t.Fatalf("data = % x, want % x", decoded.Data, pdu.Data)
	}
}

func TestRTUPackagerDecodeBadCRC(t *testing.T) {
	packager := &rtuPackager{SlaveID: 17}
	pdu := &ProtocolDataUnit{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0x06, 0x02, 0x2B, 0x00, 0x01, 0x00, 0x64},
	}
	adu, err := packager.Encode(pdu)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Invert the low CRC byte
	adu[len(adu)-2] ^= 0xFF
	if _, err := packager.Decode(adu); !errors.Is(err, ErrCRC) {
		t.Fatalf("error = %v, want ErrCRC", err)
	}
}

func TestRTUPackagerVerify(t *testing.T) {
	packager := &rtuPackager{SlaveID: 17}

	request := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87}

	if err := packager.Verify(request, []byte{0x11, 0x03}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("short frame error = %v, want ErrShortFrame", err)
	}

	wrongSlave := []byte{0x12, 0x03, 0x06, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if err := packager.Verify(request, wrongSlave); !errors.Is(err, ErrBadSlave) {
		t.Fatalf("slave mismatch error = %v, want ErrBadSlave", err)
	}

	matching := []byte{0x11, 0x03, 0x06, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if err := packager.Verify(request, matching); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExpectedResponseLength(t *testing.T) {
	tests := []struct {
		name string
		adu  []byte
		want int
	}{
		{
			name: "read 3 holding registers",
			adu:  []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87},
			want: 4 + 1 + 6,
		},
		{
			name: "read 8 coils",
			adu:  []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00},
			want: 4 + 1 + 1,
		},
		{
			name: "read 19 coils",
			adu:  []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x13, 0x00, 0x00},
			want: 4 + 1 + 3,
		},
		{
			name: "write single register",
			adu:  []byte{0x01, 0x06, 0x00, 0x01, 0x00, 0x03, 0x00, 0x00},
			want: 4 + 4,
		},
		{
			name: "mask write register",
			adu:  []byte{0x01, 0x16, 0x00, 0x01, 0xF2, 0xF2, 0x25, 0x25, 0x00, 0x00},
			want: 4 + 6,
		},
		{
			name: "read exception status",
			adu:  []byte{0x01, 0x07, 0x00, 0x00},
			want: 4 + 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expectedResponseLength(tt.adu); got != tt.want {
				t.Fatalf("length = %d, want %d", got, tt.want)
			}
		})
	}
}
