// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "testing"

func TestCRC16KnownVector(t *testing.T) {
	// Canonical read-holding-registers request: slave 17, address 0x6B,
	// quantity 3. The wire trailer is 0x76 0x87 (low byte first), so the
	// register value is 0x8776.
	data := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}

	var crc crc
	got := crc.reset().pushBytes(data).value()
	if got != 0x8776 {
		t.Fatalf("crc value = 0x%04X, want 0x8776", got)
	}
	if byte(got) != 0x76 || byte(got>>8) != 0x87 {
		t.Fatalf("wire order = %02X %02X, want 76 87", byte(got), byte(got>>8))
	}
}

func TestCRC16Helper(t *testing.T) {
	data := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}
	if got := CRC16(data); got != 0x8776 {
		t.Fatalf("CRC16 = 0x%04X, want 0x8776", got)
	}
}

func TestCRC16Incremental(t *testing.T) {
	data := []byte{0x01, 0x04, 0x00, 0x00, 0x00, 0x0A}

	var whole crc
	want := whole.reset().pushBytes(data).value()

	var parts crc
	parts.reset()
	for _, b := range data {
		parts.pushByte(b)
	}
	if got := parts.value(); got != want {
		t.Fatalf("incremental crc = 0x%04X, want 0x%04X", got, want)
	}
}

func TestCRC16Reset(t *testing.T) {
	var crc crc
	crc.reset().pushBytes([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	first := crc.value()

	crc.reset().pushBytes([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	if got := crc.value(); got != first {
		t.Fatalf("crc after reset = 0x%04X, want 0x%04X", got, first)
	}
}
