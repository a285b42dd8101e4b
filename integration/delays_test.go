// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/tarnhill/modbus"
	"github.com/tarnhill/modbus/internal/testutil"
	"github.com/tarnhill/modbus/server"
)

func TestTCPClientWithDelay(t *testing.T) {
	// Setup simulator with delay configuration
	config := &server.DataStoreConfig{
		NamedHoldingRegs: map[uint16]server.RegisterConfig{
			100: {Name: "SLOW_REG", Value: 1234},
		},
		Delays: &server.DelayConfigSet{
			HoldingRegs: map[uint16]server.DelayConfig{
				100: {
					Delay:  "200ms",
					Jitter: 0,
				},
			},
		},
	}

	cleanup, address, _ := testutil.StartTCPSimulator(t, testutil.WithDataStoreConfig(config))
	defer cleanup()

	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = 5 * time.Second
	handler.SlaveID = 1
	if err := handler.Connect(); err != nil {
		t.Fatal(err)
	}
	defer handler.Close()

	client := modbus.NewClient(handler)
	ctx := context.Background()

	// Measure request time
	start := time.Now()
	results, err := client.ReadHoldingRegisters(ctx, 100, 1)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected successful read with delay, got error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 bytes, got %d", len(results))
	}

	// Verify delay was applied (should be around 200ms)
	expectedDelay := 200 * time.Millisecond
	if elapsed < expectedDelay-50*time.Millisecond {
		t.Errorf("delay too short: expected ~%v, got %v", expectedDelay, elapsed)
	}
	if elapsed > expectedDelay+300*time.Millisecond {
		t.Errorf("delay too long: expected ~%v, got %v", expectedDelay, elapsed)
	}

	t.Logf("Read with 200ms delay took %v", elapsed)
}

// A response timeout shorter than the server's artificial delay surfaces a
// timeout; with link recovery armed, the next exchange starts on a clean
// connection and succeeds.
func TestTCPClientShortResponseTimeout(t *testing.T) {
	config := &server.DataStoreConfig{
		NamedHoldingRegs: map[uint16]server.RegisterConfig{
			100: {Name: "SLOW_REG", Value: 1234},
			200: {Name: "FAST_REG", Value: 5678},
		},
		Delays: &server.DelayConfigSet{
			HoldingRegs: map[uint16]server.DelayConfig{
				100: {Delay: "500ms"},
			},
		},
	}

	cleanup, address, _ := testutil.StartTCPSimulator(t, testutil.WithDataStoreConfig(config))
	defer cleanup()

	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = 200 * time.Millisecond
	handler.SlaveID = 1
	handler.RecoveryMode = modbus.RecoveryLink
	if err := handler.Connect(); err != nil {
		t.Fatal(err)
	}
	defer handler.Close()

	client := modbus.NewClient(handler)
	ctx := context.Background()

	start := time.Now()
	_, err := client.ReadHoldingRegisters(ctx, 100, 1)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if elapsed > 450*time.Millisecond {
		t.Errorf("timeout took %v, want ~200ms", elapsed)
	}

	// The late reply must not bleed into the next exchange
	results, err := client.ReadHoldingRegisters(ctx, 200, 1)
	if err != nil {
		t.Fatalf("follow-up read failed: %v", err)
	}
	if results[0] != 0x16 || results[1] != 0x2E { // 5678
		t.Fatalf("follow-up read = % x, want 16 2E", results)
	}
}

func TestTCPClientWithGlobalDelay(t *testing.T) {
	config := &server.DataStoreConfig{
		HoldingRegs: map[uint16]uint16{1: 0x0001, 2: 0x0002},
		Delays: &server.DelayConfigSet{
			Global: map[server.RegisterType]server.DelayConfig{
				server.RegisterTypeHoldingReg: {Delay: "100ms"},
			},
		},
	}

	cleanup, address, _ := testutil.StartTCPSimulator(t, testutil.WithDataStoreConfig(config))
	defer cleanup()

	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = 5 * time.Second
	handler.SlaveID = 1
	if err := handler.Connect(); err != nil {
		t.Fatal(err)
	}
	defer handler.Close()

	client := modbus.NewClient(handler)

	start := time.Now()
	if _, err := client.ReadHoldingRegisters(context.Background(), 1, 2); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("global delay not applied: read took %v", elapsed)
	}
}
