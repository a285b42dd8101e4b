// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package testutil

import (
	"testing"

	"github.com/tarnhill/modbus/server"
)

// SimulatorOption configures a test simulator.
type SimulatorOption func(*simulatorConfig)

type simulatorConfig struct {
	slaveID          byte
	baudRate         int
	replyToBroadcast bool
	config           *server.DataStoreConfig
}

// WithSlaveID sets the slave ID for the simulator.
func WithSlaveID(id byte) SimulatorOption {
	return func(c *simulatorConfig) {
		c.slaveID = id
	}
}

// WithBaudRate sets the baud rate for the simulator.
func WithBaudRate(rate int) SimulatorOption {
	return func(c *simulatorConfig) {
		c.baudRate = rate
	}
}

// WithDataStoreConfig sets initial data values for the simulator.
func WithDataStoreConfig(config *server.DataStoreConfig) SimulatorOption {
	return func(c *simulatorConfig) {
		c.config = config
	}
}

// WithReplyToBroadcast enables the non-standard reply-to-broadcast quirk.
func WithReplyToBroadcast() SimulatorOption {
	return func(c *simulatorConfig) {
		c.replyToBroadcast = true
	}
}

func applyOptions(opts []SimulatorOption) *simulatorConfig {
	config := &simulatorConfig{
		slaveID:  1,
		baudRate: 19200,
	}
	for _, opt := range opts {
		opt(config)
	}
	return config
}

// StartRTUSimulator creates and starts an RTU Modbus server on a pty for
// testing. It returns a cleanup function that should be deferred, the
// device path that clients should use to connect, and the backing store.
//
// Example usage:
//
//	cleanup, devicePath, _ := testutil.StartRTUSimulator(t,
//	    testutil.WithSlaveID(17),
//	    testutil.WithBaudRate(19200))
//	defer cleanup()
//
//	client := modbus.NewRTUClientHandler(devicePath)
//	// ... use client ...
func StartRTUSimulator(t *testing.T, opts ...SimulatorOption) (cleanup func(), devicePath string, ds *server.DataStore) {
	t.Helper()

	config := applyOptions(opts)
	ds = server.NewDataStore(config.config)

	srv, err := server.NewRTUServer(ds, &server.RTUServerConfig{
		SlaveID:          config.slaveID,
		BaudRate:         config.baudRate,
		ReplyToBroadcast: config.replyToBroadcast,
	})
	if err != nil {
		t.Fatalf("failed to create RTU simulator: %v", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start RTU simulator: %v", err)
	}

	devicePath = srv.ClientDevicePath()
	t.Logf("RTU simulator started on %s (slave ID: %d)", devicePath, config.slaveID)

	cleanup = func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("failed to stop RTU simulator: %v", err)
		}
		t.Logf("RTU simulator stopped")
	}

	return cleanup, devicePath, ds
}

// StartASCIISimulator creates and starts an ASCII Modbus server on a pty
// for testing.
func StartASCIISimulator(t *testing.T, opts ...SimulatorOption) (cleanup func(), devicePath string, ds *server.DataStore) {
	t.Helper()

	config := applyOptions(opts)
	ds = server.NewDataStore(config.config)

	srv, err := server.NewASCIIServer(ds, &server.ASCIIServerConfig{
		SlaveID:          config.slaveID,
		BaudRate:         config.baudRate,
		ReplyToBroadcast: config.replyToBroadcast,
	})
	if err != nil {
		t.Fatalf("failed to create ASCII simulator: %v", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start ASCII simulator: %v", err)
	}

	devicePath = srv.ClientDevicePath()
	t.Logf("ASCII simulator started on %s (slave ID: %d)", devicePath, config.slaveID)

	cleanup = func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("failed to stop ASCII simulator: %v", err)
		}
		t.Logf("ASCII simulator stopped")
	}

	return cleanup, devicePath, ds
}

// StartTCPSimulator creates and starts a TCP Modbus server on a loopback
// port for testing.
func StartTCPSimulator(t *testing.T, opts ...SimulatorOption) (cleanup func(), address string, ds *server.DataStore) {
	t.Helper()

	config := applyOptions(opts)
	ds = server.NewDataStore(config.config)

	srv, err := server.NewTCPServer(ds, &server.TCPServerConfig{
		Address: "127.0.0.1:0",
		SlaveID: config.slaveID,
	})
	if err != nil {
		t.Fatalf("failed to create TCP simulator: %v", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start TCP simulator: %v", err)
	}

	address = srv.Address()
	t.Logf("TCP simulator started on %s", address)

	cleanup = func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("failed to stop TCP simulator: %v", err)
		}
		t.Logf("TCP simulator stopped")
	}

	return cleanup, address, ds
}
