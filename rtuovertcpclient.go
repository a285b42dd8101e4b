// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// rtuOverTCPQuietWindow bounds the wait for further bytes of a frame whose
// length cannot be derived from its header.
const rtuOverTCPQuietWindow = 100 * time.Millisecond

// RTUOverTCPClientHandler implements Packager and Transporter interface for
// RTU framing carried over a TCP connection, as used by serial device
// servers that forward raw bus traffic.
type RTUOverTCPClientHandler struct {
	rtuPackager
	rtuOverTCPTransporter
}

// NewRTUOverTCPClientHandler allocates and initializes a RTUOverTCPClientHandler.
func NewRTUOverTCPClientHandler(address string) *RTUOverTCPClientHandler {
	handler := &RTUOverTCPClientHandler{}
	handler.Address = address
	handler.Timeout = tcpTimeout
	handler.IdleTimeout = tcpIdleTimeout
	return handler
}

// RTUOverTCPClient creates a RTU over TCP client with default handler and
// given connect string.
func RTUOverTCPClient(address string) Client {
	handler := NewRTUOverTCPClientHandler(address)
	return NewClient(handler)
}

// rtuOverTCPTransporter sends RTU frames on a TCP connection. Connection
// management is shared with the MBAP transporter; only the framing differs.
type rtuOverTCPTransporter struct {
	tcpTransporter
}

func (mb *rtuOverTCPTransporter) Send(ctx context.Context, aduRequest []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before send: %w", err)
	}
	if err := mb.dial(ctx); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	mb.touch()

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	} else if mb.Timeout > 0 {
		deadline = mb.lastActivity.Add(mb.Timeout)
	}
	if err := mb.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}

	mb.logf("modbus: sending % x", aduRequest)
	if _, err := mb.conn.Write(aduRequest); err != nil {
		mb.recoverLink()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Broadcasts are applied by every slave and never acknowledged.
	if aduRequest[0] == BroadcastSlaveID {
		mb.logf("modbus: broadcast request, skipping confirmation\n")
		return nil, nil
	}

	buf := make([]byte, rtuMaxSize)
	total, err := io.ReadAtLeast(mb.conn, buf, rtuMinSize)
	if err != nil {
		mb.recoverLink()
		return nil, fmt.Errorf("reading response: %w", err)
	}

	target, drain := responseTarget(buf, aduRequest[1], expectedResponseLength(aduRequest), total)
	if target > rtuMaxSize {
		var scratch [rtuMaxSize]byte
		mb.flush(scratch[:])
		return nil, fmt.Errorf("%w: response length '%v' must not be bigger than '%v'", ErrTooManyData, target, rtuMaxSize)
	}

	switch {
	case drain:
		total, err = mb.drainFrame(buf, total)
		if err != nil {
			return nil, err
		}
	case target > total:
		if _, err := io.ReadFull(mb.conn, buf[total:target]); err != nil {
			mb.recoverLink()
			return nil, fmt.Errorf("reading response body: %w", err)
		}
		total = target
	}

	mb.logf("modbus: received % x\n", buf[:total])
	return buf[:total], nil
}

// drainFrame keeps reading until the stream goes quiet for the drain
// window, for confirmations whose length no header field reveals.
func (mb *rtuOverTCPTransporter) drainFrame(buf []byte, total int) (int, error) {
	for total < len(buf) {
		if err := mb.conn.SetReadDeadline(time.Now().Add(rtuOverTCPQuietWindow)); err != nil {
			return total, fmt.Errorf("setting read deadline: %w", err)
		}
		n, err := mb.conn.Read(buf[total:])
		total += n
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			mb.recoverLink()
			return total, fmt.Errorf("reading response body: %w", err)
		}
	}
	return total, nil
}
