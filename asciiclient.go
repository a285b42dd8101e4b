// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
)

const (
	asciiStart   = ":"
	asciiEnd     = "\r\n"
	asciiMinSize = 3
	asciiMaxSize = 513

	hexTable = "0123456789ABCDEF"
)

// ASCIIClientHandler implements Packager and Transporter interface.
type ASCIIClientHandler struct {
	asciiPackager
	asciiSerialTransporter
}

// NewASCIIClientHandler allocates and initializes a ASCIIClientHandler.
func NewASCIIClientHandler(address string) *ASCIIClientHandler {
	handler := &ASCIIClientHandler{}
	handler.Address = address
	handler.BaudRate = 19200
	handler.DataBits = 8
	handler.StopBits = OneStopBit
	handler.Parity = EvenParity
	handler.Timeout = serialTimeout
	handler.ByteTimeout = serialByteTimeout
	handler.IdleTimeout = serialIdleTimeout
	return handler
}

// ASCIIClient creates ASCII client with default handler and given connect string.
func ASCIIClient(address string) Client {
	handler := NewASCIIClientHandler(address)
	return NewClient(handler)
}

// asciiPackager frames PDUs as ':' | hex(slave) | hex(function) |
// hex(data) | hex(LRC) | CR LF, all hex pairs uppercase.
type asciiPackager struct {
	SlaveID byte
	// RelaxedSlaveID lifts the 247 upper bound on slave ids.
	RelaxedSlaveID bool
}

// Encode assembles the raw frame bytes first and hex-encodes them in one
// pass; the LRC is computed over the raw bytes, not their hex form.
func (mb *asciiPackager) Encode(pdu *ProtocolDataUnit) ([]byte, error) {
	if err := validateSlaveID(mb.SlaveID, mb.RelaxedSlaveID); err != nil {
		return nil, err
	}
	raw := make([]byte, 0, 2+len(pdu.Data))
	raw = append(raw, mb.SlaveID, pdu.FunctionCode)
	raw = append(raw, pdu.Data...)

	encoded := len(asciiStart) + 2*len(raw) + 2 + len(asciiEnd)
	if encoded > asciiMaxSize {
		return nil, fmt.Errorf("%w: pdu data length '%v' must not exceed '%v'", ErrTooManyData, len(pdu.Data), (asciiMaxSize-len(asciiStart)-len(asciiEnd)-6)/2)
	}

	adu := make([]byte, 0, encoded)
	adu = append(adu, asciiStart...)
	adu = appendUpperHex(adu, raw)
	adu = appendUpperHex(adu, []byte{LRC(raw)})
	adu = append(adu, asciiEnd...)
	return adu, nil
}

// Verify checks the frame delimiters and that the confirmation came from
// the slave the request addressed.
func (mb *asciiPackager) Verify(aduRequest, aduResponse []byte) error {
	length := len(aduResponse)
	// Colon, four header chars, two LRC chars, CR LF at least
	if length < asciiMinSize+6 {
		return fmt.Errorf("%w: response length '%v' does not meet minimum '%v'", ErrShortFrame, length, asciiMinSize+6)
	}
	// The hex body between the delimiters must pair up
	if length%2 != 1 {
		return fmt.Errorf("%w: response length '%v' is not an even number", ErrProtocolError, length-1)
	}
	if prefix := string(aduResponse[:len(asciiStart)]); prefix != asciiStart {
		return fmt.Errorf("%w: response frame '%v'... is not started with '%v'", ErrProtocolError, prefix, asciiStart)
	}
	if suffix := string(aduResponse[length-len(asciiEnd):]); suffix != asciiEnd {
		return fmt.Errorf("%w: response frame ...'%v' is not ended with '%v'", ErrProtocolError, suffix, asciiEnd)
	}
	gotSlave, err := readHex(aduResponse[1:])
	if err != nil {
		return fmt.Errorf("reading response slave id: %w", err)
	}
	wantSlave, err := readHex(aduRequest[1:])
	if err != nil {
		return fmt.Errorf("reading request slave id: %w", err)
	}
	if gotSlave != wantSlave {
		return fmt.Errorf("%w: response slave id '%v' does not match request '%v'", ErrBadSlave, gotSlave, wantSlave)
	}
	return nil
}

// Decode hex-decodes the frame body and checks the LRC: the 8-bit sum of
// the raw bytes including the checksum must vanish.
func (mb *asciiPackager) Decode(adu []byte) (*ProtocolDataUnit, error) {
	if len(adu) < asciiMinSize+6 {
		return nil, fmt.Errorf("%w: frame length '%v' does not meet minimum '%v'", ErrShortFrame, len(adu), asciiMinSize+6)
	}
	body := adu[len(asciiStart) : len(adu)-len(asciiEnd)]
	raw := make([]byte, hex.DecodedLen(len(body)))
	if _, err := hex.Decode(raw, body); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if len(raw) < 3 {
		return nil, fmt.Errorf("%w: decoded frame length '%v' does not meet minimum '%v'", ErrShortFrame, len(raw), 3)
	}
	var residue uint8
	for _, b := range raw {
		residue += b
	}
	if residue != 0 {
		got := raw[len(raw)-1]
		return nil, fmt.Errorf("%w: response lrc '%v' does not match expected '%v'", ErrCRC, got, LRC(raw[:len(raw)-1]))
	}
	return &ProtocolDataUnit{FunctionCode: raw[1], Data: raw[2 : len(raw)-1]}, nil
}

// asciiSerialTransporter implements Transporter interface.
type asciiSerialTransporter struct {
	serialPort
}

// Send writes an ASCII request and reads the confirmation up to its CR LF
// terminator. A broadcast request (slave address "00") is written and the
// call returns immediately with an empty confirmation.
func (mb *asciiSerialTransporter) Send(ctx context.Context, aduRequest []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before send: %w", err)
	}
	if err := mb.open(); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	mb.touch()

	mb.logf("modbus: sending %q\n", aduRequest)
	if err := mb.write(aduRequest); err != nil {
		mb.recoverLink()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Broadcasts are applied by every slave and never acknowledged.
	if len(aduRequest) >= 3 && string(aduRequest[1:3]) == "00" {
		mb.logf("modbus: broadcast request, skipping confirmation\n")
		return nil, nil
	}

	frame, err := mb.readFrame(ctx)
	if err != nil {
		return nil, err
	}
	mb.logf("modbus: received %q\n", frame)
	return frame, nil
}

// readFrame accumulates bytes until the CR LF terminator, the line goes
// quiet, or the frame overflows. The first bytes wait out the response
// timeout; gaps after that are bounded by the inter-character timeout.
func (mb *asciiSerialTransporter) readFrame(ctx context.Context) ([]byte, error) {
	frame := make([]byte, 0, asciiMaxSize)
	window := make([]byte, asciiMaxSize)
	byteTimeoutSet := false
	for len(frame) < asciiMaxSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled: %w", err)
		}
		n, err := mb.port.Read(window[:asciiMaxSize-len(frame)])
		if err != nil {
			mb.recoverLink()
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if n == 0 {
			break
		}
		frame = append(frame, window[:n]...)
		if len(frame) > asciiMinSize && bytes.HasSuffix(frame, []byte(asciiEnd)) {
			break
		}
		if !byteTimeoutSet && mb.ByteTimeout > 0 {
			if err := mb.port.SetReadTimeout(mb.ByteTimeout); err != nil {
				return nil, fmt.Errorf("setting byte timeout: %w", err)
			}
			byteTimeoutSet = true
		}
	}
	if byteTimeoutSet {
		if err := mb.port.SetReadTimeout(mb.Timeout); err != nil {
			mb.logf("modbus: warning - failed to restore read timeout: %v\n", err)
		}
	}
	return frame, nil
}

// appendUpperHex appends the uppercase hex expansion of src to dst
// (encoding/hex only emits lowercase).
func appendUpperHex(dst, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, hexTable[b>>4], hexTable[b&0x0F])
	}
	return dst
}

// readHex decodes one hex pair, e.g. "8C" => 0x8C.
func readHex(data []byte) (byte, error) {
	var decoded [1]byte
	if _, err := hex.Decode(decoded[:], data[:2]); err != nil {
		return 0, err
	}
	return decoded[0], nil
}
