// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/tarnhill/modbus"
	"github.com/tarnhill/modbus/internal/testutil"
	"github.com/tarnhill/modbus/server"
)

func TestTCPClient(t *testing.T) {
	cleanup, address, _ := testutil.StartTCPSimulator(t)
	defer cleanup()

	client := modbus.TCPClient(address)
	clientTestAll(t, client)
}

// clientTestAll exercises every standard operation against a fresh store.
func clientTestAll(t *testing.T, client modbus.Client) {
	t.Helper()
	ctx := context.Background()

	// Coil round trip
	if _, err := client.WriteSingleCoil(ctx, 5, 0xFF00); err != nil {
		t.Fatalf("write single coil: %v", err)
	}
	results, err := client.ReadCoils(ctx, 5, 1)
	if err != nil {
		t.Fatalf("read coils: %v", err)
	}
	if results[0]&0x01 != 1 {
		t.Fatalf("coil = %d, want 1", results[0]&0x01)
	}

	// Register round trip
	if _, err := client.WriteSingleRegister(ctx, 0x10, 0xABCD); err != nil {
		t.Fatalf("write single register: %v", err)
	}
	results, err = client.ReadHoldingRegisters(ctx, 0x10, 1)
	if err != nil {
		t.Fatalf("read holding registers: %v", err)
	}
	if !bytes.Equal(results, []byte{0xAB, 0xCD}) {
		t.Fatalf("register = % x, want AB CD", results)
	}

	// Multi-register round trip, byte for byte
	payload := []byte{0x00, 0x03, 0x00, 0x04, 0x12, 0x34}
	if _, err := client.WriteMultipleRegisters(ctx, 1, 3, payload); err != nil {
		t.Fatalf("write multiple registers: %v", err)
	}
	results, err = client.ReadHoldingRegisters(ctx, 1, 3)
	if err != nil {
		t.Fatalf("read holding registers: %v", err)
	}
	if !bytes.Equal(results, payload) {
		t.Fatalf("registers = % x, want % x", results, payload)
	}

	// Multi-coil round trip
	if _, err := client.WriteMultipleCoils(ctx, 0x20, 10, []byte{0xCD, 0x01}); err != nil {
		t.Fatalf("write multiple coils: %v", err)
	}
	results, err = client.ReadCoils(ctx, 0x20, 10)
	if err != nil {
		t.Fatalf("read coils: %v", err)
	}
	if !bytes.Equal(results, []byte{0xCD, 0x01}) {
		t.Fatalf("coils = % x, want CD 01", results)
	}

	// Mask write
	if _, err := client.WriteSingleRegister(ctx, 0x30, 0x0012); err != nil {
		t.Fatal(err)
	}
	if _, err := client.MaskWriteRegister(ctx, 0x30, 0x00F2, 0x0025); err != nil {
		t.Fatalf("mask write register: %v", err)
	}
	results, err = client.ReadHoldingRegisters(ctx, 0x30, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(results, []byte{0x00, 0x17}) {
		t.Fatalf("masked register = % x, want 00 17", results)
	}

	// Write-and-read in one transaction
	results, err = client.ReadWriteMultipleRegisters(ctx, 0x40, 1, 0x40, 1, []byte{0x55, 0xAA})
	if err != nil {
		t.Fatalf("read/write multiple registers: %v", err)
	}
	if !bytes.Equal(results, []byte{0x55, 0xAA}) {
		t.Fatalf("read/write result = % x, want 55 AA", results)
	}

	// Discrete inputs and input registers read as zero
	if _, err := client.ReadDiscreteInputs(ctx, 0, 8); err != nil {
		t.Fatalf("read discrete inputs: %v", err)
	}
	if _, err := client.ReadInputRegisters(ctx, 0, 2); err != nil {
		t.Fatalf("read input registers: %v", err)
	}

	// Diagnostics
	if _, err := client.ReadExceptionStatus(ctx); err != nil {
		t.Fatalf("read exception status: %v", err)
	}
	slaveInfo, err := client.ReportSlaveID(ctx)
	if err != nil {
		t.Fatalf("report slave id: %v", err)
	}
	if len(slaveInfo) < 2 || slaveInfo[1] != 0xFF {
		t.Fatalf("slave info = % x", slaveInfo)
	}
	objects, err := client.ReadDeviceIdentification(ctx, modbus.ReadDeviceIDCodeBasic)
	if err != nil {
		t.Fatalf("read device identification: %v", err)
	}
	if len(objects) != 3 {
		t.Fatalf("device id objects = %d, want 3", len(objects))
	}
}

func TestTCPClientAdvancedUsage(t *testing.T) {
	cleanup, address, _ := testutil.StartTCPSimulator(t)
	defer cleanup()

	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = 5 * time.Second
	handler.SlaveID = 1
	handler.Logger = log.New(os.Stdout, "tcp: ", log.LstdFlags)
	handler.Connect()
	defer handler.Close()

	client := modbus.NewClient(handler)
	ctx := context.Background()
	results, err := client.ReadDiscreteInputs(ctx, 15, 2)
	if err != nil || results == nil {
		t.Fatal(err, results)
	}
	results, err = client.WriteMultipleRegisters(ctx, 1, 2, []byte{0, 3, 0, 4})
	if err != nil || results == nil {
		t.Fatal(err, results)
	}
	results, err = client.WriteMultipleCoils(ctx, 5, 10, []byte{4, 3})
	if err != nil || results == nil {
		t.Fatal(err, results)
	}
}

// A request outside the server's declared extents yields exception 0x02.
func TestTCPClientIllegalDataAddress(t *testing.T) {
	config := &server.DataStoreConfig{
		Extents: &server.ExtentSet{
			Coils: server.Extent{Start: 0x13, Count: 0x25},
		},
	}
	cleanup, address, _ := testutil.StartTCPSimulator(t, testutil.WithDataStoreConfig(config))
	defer cleanup()

	client := modbus.TCPClient(address)
	_, err := client.ReadCoils(context.Background(), 0x00FF, 1)
	if err == nil {
		t.Fatal("expected exception, got nil")
	}
	var mbErr *modbus.ModbusError
	if !errors.As(err, &mbErr) {
		t.Fatalf("error = %v, want ModbusError", err)
	}
	if mbErr.FunctionCode != modbus.FuncCodeReadCoils|0x80 {
		t.Fatalf("function code = 0x%02X, want 0x81", mbErr.FunctionCode)
	}
	if mbErr.ExceptionCode != modbus.ExceptionCodeIllegalDataAddress {
		t.Fatalf("exception code = %d, want 2", mbErr.ExceptionCode)
	}
}
