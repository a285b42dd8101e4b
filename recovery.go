// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "errors"

// RecoveryMode selects how a transport re-arms itself after a failure.
// Modes combine as a bitset. Recovery never suppresses the error returned
// to the caller; it only restores the session so the next call can succeed.
type RecoveryMode uint8

const (
	// RecoveryNone surfaces every error without retrying or flushing.
	RecoveryNone RecoveryMode = 0
	// RecoveryLink closes and reopens the transport after a link-level
	// failure (write error, closed connection). The reopen happens lazily
	// on the next call.
	RecoveryLink RecoveryMode = 1 << 0
	// RecoveryProtocol sleeps for the response timeout and then flushes
	// inbound bytes after an integrity failure (bad checksum, bad
	// transaction id, unexpected slave or function code).
	RecoveryProtocol RecoveryMode = 1 << 1
)

// isProtocolFailure reports whether err is an integrity failure that the
// protocol recovery mode should respond to. Modbus exception replies are
// ordinary responses and never qualify.
func isProtocolFailure(err error) bool {
	return errors.Is(err, ErrCRC) ||
		errors.Is(err, ErrProtocolError) ||
		errors.Is(err, ErrBadSlave) ||
		errors.Is(err, ErrShortFrame)
}
