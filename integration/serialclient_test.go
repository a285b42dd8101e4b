// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package integration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/tarnhill/modbus"
	"github.com/tarnhill/modbus/internal/testutil"
	"github.com/tarnhill/modbus/server"
)

func TestRTUClient(t *testing.T) {
	config := &server.DataStoreConfig{
		HoldingRegs: map[uint16]uint16{0x6B: 0x022B, 0x6C: 0x0001, 0x6D: 0x0064},
	}
	cleanup, devicePath, _ := testutil.StartRTUSimulator(t,
		testutil.WithSlaveID(17),
		testutil.WithDataStoreConfig(config))
	defer cleanup()

	handler := modbus.NewRTUClientHandler(devicePath)
	handler.SlaveID = 17
	handler.Timeout = 2 * time.Second
	if err := handler.Connect(); err != nil {
		t.Fatal(err)
	}
	defer handler.Close()

	client := modbus.NewClient(handler)
	results, err := client.ReadHoldingRegisters(context.Background(), 0x6B, 3)
	if err != nil {
		t.Fatalf("read holding registers: %v", err)
	}
	want := []byte{0x02, 0x2B, 0x00, 0x01, 0x00, 0x64}
	if !bytes.Equal(results, want) {
		t.Fatalf("registers = % x, want % x", results, want)
	}
}

// A broadcast write is applied by the server and produces no reply; the
// client returns at once. A follow-up addressed read observes the written
// bits byte for byte.
func TestRTUClientBroadcast(t *testing.T) {
	cleanup, devicePath, _ := testutil.StartRTUSimulator(t, testutil.WithSlaveID(17))
	defer cleanup()

	handler := modbus.NewRTUClientHandler(devicePath)
	handler.SlaveID = modbus.BroadcastSlaveID
	handler.Timeout = 2 * time.Second
	if err := handler.Connect(); err != nil {
		t.Fatal(err)
	}
	defer handler.Close()

	client := modbus.NewClient(handler)
	ctx := context.Background()

	bits := []byte{0xCD, 0x6B, 0xB2, 0x0E, 0x1B}
	start := time.Now()
	results, err := client.WriteMultipleCoils(ctx, 0, 37, bits)
	if err != nil {
		t.Fatalf("broadcast write: %v", err)
	}
	if results != nil {
		t.Fatalf("broadcast produced a confirmation: % x", results)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("broadcast blocked for %v", elapsed)
	}

	// Give the server time to apply the side effects
	time.Sleep(300 * time.Millisecond)

	handler.SlaveID = 17
	results, err = client.ReadCoils(ctx, 0, 37)
	if err != nil {
		t.Fatalf("follow-up read: %v", err)
	}
	if !bytes.Equal(results, bits) {
		t.Fatalf("coils = % x, want % x", results, bits)
	}
}

func TestASCIIClient(t *testing.T) {
	config := &server.DataStoreConfig{
		HoldingRegs: map[uint16]uint16{0x6B: 0x022B},
	}
	cleanup, devicePath, _ := testutil.StartASCIISimulator(t,
		testutil.WithSlaveID(17),
		testutil.WithDataStoreConfig(config))
	defer cleanup()

	handler := modbus.NewASCIIClientHandler(devicePath)
	handler.SlaveID = 17
	handler.Timeout = 2 * time.Second
	if err := handler.Connect(); err != nil {
		t.Fatal(err)
	}
	defer handler.Close()

	client := modbus.NewClient(handler)
	ctx := context.Background()

	results, err := client.ReadHoldingRegisters(ctx, 0x6B, 1)
	if err != nil {
		t.Fatalf("read holding registers: %v", err)
	}
	if !bytes.Equal(results, []byte{0x02, 0x2B}) {
		t.Fatalf("registers = % x, want 02 2B", results)
	}

	if _, err := client.WriteSingleRegister(ctx, 0x10, 0x1234); err != nil {
		t.Fatalf("write single register: %v", err)
	}
	results, err = client.ReadHoldingRegisters(ctx, 0x10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(results, []byte{0x12, 0x34}) {
		t.Fatalf("registers = % x, want 12 34", results)
	}
}
