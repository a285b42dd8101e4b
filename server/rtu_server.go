// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"go.bug.st/serial"

	"github.com/tarnhill/modbus"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// RTUServer implements a Modbus RTU server on a serial device or a pty.
type RTUServer struct {
	handler          *Handler
	link             serialLink
	pty              *PtyPair
	slaveID          byte
	baudRate         int
	replyToBroadcast bool
	logger           *log.Logger
	stopChan         chan struct{}
	doneChan         chan struct{}
}

// RTUServerConfig holds configuration for the RTU server.
type RTUServerConfig struct {
	SlaveID  byte
	BaudRate int
	// Device is a serial device path to serve on. Empty allocates a pty
	// pair and exposes its client path via ClientDevicePath.
	Device string
	Parity   serial.Parity
	StopBits serial.StopBits
	// ReplyToBroadcast answers broadcast requests, which the protocol
	// forbids; some installations rely on it for link probing.
	ReplyToBroadcast bool
	Identity         *Identity
	Logger           *log.Logger
}

// NewRTUServer creates a new RTU server with the given storage backend and
// configuration.
func NewRTUServer(backend Backend, config *RTUServerConfig) (*RTUServer, error) {
	if config == nil {
		config = &RTUServerConfig{}
	}
	if config.SlaveID == 0 {
		config.SlaveID = 1
	}
	if config.BaudRate == 0 {
		config.BaudRate = 19200
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "rtu-server: ", log.LstdFlags)
	}

	handler := NewHandler(backend)
	handler.SetSlaveID(config.SlaveID)
	// Silent drops wedge a pty peer that has no working read timeout.
	handler.DisableTimeoutSimulation = config.Device == ""
	if config.Identity != nil {
		handler.SetIdentity(*config.Identity)
	}

	s := &RTUServer{
		handler:          handler,
		slaveID:          config.SlaveID,
		baudRate:         config.BaudRate,
		replyToBroadcast: config.ReplyToBroadcast,
		logger:           config.Logger,
		stopChan:         make(chan struct{}),
		doneChan:         make(chan struct{}),
	}

	if config.Device != "" {
		link, err := openPortLink(config.Device, config.BaudRate, config.Parity, config.StopBits)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", config.Device, err)
		}
		s.link = link
	} else {
		pty, err := CreatePtyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to create pty: %w", err)
		}
		s.pty = pty
		s.link = pty
	}
	return s, nil
}

// ClientDevicePath returns the device path that clients should connect to
// when the server runs on a pty pair.
func (s *RTUServer) ClientDevicePath() string {
	if s.pty != nil {
		return s.pty.SlavePath
	}
	return ""
}

// Start starts the RTU server in a goroutine.
func (s *RTUServer) Start() error {
	go s.serve()
	// Give the server time to fully initialize
	time.Sleep(200 * time.Millisecond)
	return nil
}

// Stop stops the RTU server and waits for it to finish.
func (s *RTUServer) Stop() error {
	close(s.stopChan)

	// Close the link to unblock any pending reads
	if err := s.link.Close(); err != nil {
		s.logger.Printf("error closing link: %v", err)
	}

	// Wait for server goroutine to finish with a timeout
	select {
	case <-s.doneChan:
		// Clean shutdown
	case <-time.After(1 * time.Second):
		// Timeout - the goroutine is stuck in a blocking read
		s.logger.Printf("RTU server stop timed out (goroutine may still be reading)")
	}

	return nil
}

// serve is the main server loop that reads requests and sends responses.
func (s *RTUServer) serve() {
	defer close(s.doneChan)

	if s.pty != nil {
		s.logger.Printf("RTU server listening - server pty: %s, client pty: %s (slave ID: %d)", s.pty.MasterPath, s.pty.SlavePath, s.slaveID)
	} else {
		s.logger.Printf("RTU server listening (slave ID: %d)", s.slaveID)
	}

	for {
		select {
		case <-s.stopChan:
			s.logger.Printf("RTU server stopping")
			return
		default:
			if err := s.handleRequest(); err != nil {
				if err == io.EOF {
					// File closed, stop serving
					s.logger.Printf("RTU server stopping (link closed)")
					return
				}
				s.logger.Printf("error handling request: %v", err)
			}
		}
	}
}

// handleRequest reads a single request frame and sends a response.
func (s *RTUServer) handleRequest() error {
	// Bound the read to allow checking stopChan periodically
	if err := s.link.armRead(500 * time.Millisecond); err != nil {
		// Not critical; the read below may still complete
		s.logger.Printf("warning: failed to arm read: %v", err)
	}

	// Read RTU frame
	adu, err := s.readFrame()
	if err != nil {
		if os.IsTimeout(err) {
			// Timeout is expected, allows checking stopChan
			return nil
		}
		// Check if error is due to closed file (EOF or bad file descriptor)
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return io.EOF // Signal to stop serving
		}
		s.logger.Printf("error reading frame: %v", err)
		return nil // Continue serving on other errors
	}

	s.logger.Printf("received: % x", adu)

	// Decode the frame
	pdu, err := decodeRTUFrame(adu)
	if err != nil {
		s.logger.Printf("failed to decode frame: %v", err)
		return nil // Don't stop server on bad frame
	}

	// Frames for other slaves are silently dropped
	broadcast := adu[0] == modbus.BroadcastSlaveID
	if adu[0] != s.slaveID && !broadcast {
		return nil
	}

	// Handle the request; broadcast side effects still apply
	responsePDU := s.handler.HandleRequest(pdu)

	// Broadcasts are never acknowledged (unless the quirk says otherwise),
	// and a nil response means a simulated timeout.
	if responsePDU == nil || (broadcast && !s.replyToBroadcast) {
		return nil
	}

	// Encode the response
	responseADU, err := encodeRTUFrame(s.slaveID, responsePDU)
	if err != nil {
		s.logger.Printf("failed to encode response: %v", err)
		return nil
	}

	// Add frame delay (3.5 character times)
	delay := s.calculateDelay(len(adu))
	time.Sleep(delay)

	// Send the response
	s.logger.Printf("sending: % x", responseADU)
	n, err := s.link.Write(responseADU)
	if err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	s.logger.Printf("wrote %d bytes", n)

	// Sync to ensure data is flushed
	if s.pty != nil {
		if err := s.pty.Sync(); err != nil {
			s.logger.Printf("warning: failed to sync: %v", err)
		}
	}

	return nil
}

// readFrame reads a complete RTU frame, inferring the total length from the
// function code and the embedded byte count of the multi-writes.
func (s *RTUServer) readFrame() ([]byte, error) {
	var buffer [rtuMaxSize]byte

	// Read minimum frame size first
	n, err := io.ReadAtLeast(s.link, buffer[:], rtuMinSize)
	if err != nil {
		return nil, err
	}

	var expected int
	switch buffer[1] {
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		// The byte count in position 6 drives the final read
		if n < 7 {
			if _, err := io.ReadFull(s.link, buffer[n:7]); err != nil {
				return nil, err
			}
			n = 7
		}
		expected = 7 + int(buffer[6]) + 2
	case modbus.FuncCodeReadWriteMultipleRegisters:
		if n < 11 {
			if _, err := io.ReadFull(s.link, buffer[n:11]); err != nil {
				return nil, err
			}
			n = 11
		}
		expected = 11 + int(buffer[10]) + 2
	default:
		expected = fixedRequestLength(buffer[1])
		if expected == 0 {
			expected = n
		}
	}

	if expected > rtuMaxSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", expected, rtuMaxSize)
	}

	// Read remaining bytes if needed
	if expected > n {
		n2, err := io.ReadFull(s.link, buffer[n:expected])
		if err != nil {
			return nil, err
		}
		n += n2
	}

	return buffer[:n], nil
}

// fixedRequestLength returns the expected request length for fixed-size
// function codes, or 0 when the length cannot be inferred.
func fixedRequestLength(functionCode byte) int {
	switch functionCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		return 8 // slave(1) + func(1) + address(2) + value(2) + crc(2)
	case modbus.FuncCodeMaskWriteRegister:
		return 10 // slave(1) + func(1) + address(2) + andMask(2) + orMask(2) + crc(2)
	case modbus.FuncCodeReadFIFOQueue:
		return 6 // slave(1) + func(1) + address(2) + crc(2)
	case modbus.FuncCodeReadExceptionStatus,
		modbus.FuncCodeReportSlaveID:
		return 4 // slave(1) + func(1) + crc(2)
	case modbus.FuncCodeEncapsulatedInterfaceTransport:
		return 7 // slave(1) + func(1) + mei(1) + code(1) + object(1) + crc(2)
	default:
		return 0
	}
}

// calculateDelay calculates the frame delay based on baud rate.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (s *RTUServer) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int // microseconds

	if s.baudRate <= 0 || s.baudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / s.baudRate
		frameDelay = 35000000 / s.baudRate
	}

	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

// encodeRTUFrame frames a PDU with the slave id and CRC. The CRC low byte
// goes on the wire first.
func encodeRTUFrame(slaveID byte, pdu *modbus.ProtocolDataUnit) ([]byte, error) {
	length := len(pdu.Data) + 4 // slave + func + data + crc(2)
	if length > rtuMaxSize {
		return nil, fmt.Errorf("modbus: frame length %d exceeds maximum %d", length, rtuMaxSize)
	}

	adu := make([]byte, length)
	adu[0] = slaveID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)

	checksum := modbus.CRC16(adu[:length-2])
	adu[length-2] = byte(checksum)
	adu[length-1] = byte(checksum >> 8)

	return adu, nil
}

// decodeRTUFrame extracts the PDU from an RTU frame and verifies the CRC.
func decodeRTUFrame(adu []byte) (*modbus.ProtocolDataUnit, error) {
	length := len(adu)
	if length < rtuMinSize {
		return nil, fmt.Errorf("modbus: frame length %d is less than minimum %d", length, rtuMinSize)
	}

	expected := modbus.CRC16(adu[:length-2])
	actual := uint16(adu[length-1])<<8 | uint16(adu[length-2])
	if actual != expected {
		return nil, fmt.Errorf("modbus: CRC mismatch: expected %04x, got %04x", expected, actual)
	}

	return &modbus.ProtocolDataUnit{
		FunctionCode: adu[1],
		Data:         adu[2 : length-2],
	}, nil
}
