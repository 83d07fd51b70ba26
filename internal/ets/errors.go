package ets

import (
	"errors"
	"fmt"
)

// Sentinel errors for ETS exchanges. Match them with errors.Is.
var (
	// ErrDataTooLong is returned when a TX payload exceeds MaxDataLength.
	ErrDataTooLong = errors.New("ets: data exceeds 16 bytes")
	// ErrMalformedPacket covers short or truncated RX frames.
	ErrMalformedPacket = errors.New("ets: malformed packet")
	// ErrCommandMismatch means the response echoes a different command.
	ErrCommandMismatch = errors.New("ets: command mismatch")
	// ErrChecksumMismatch means the recomputed checksum differs from the trailer.
	ErrChecksumMismatch = errors.New("ets: checksum mismatch")
	// ErrTimeout means no bytes arrived before the receive deadline.
	ErrTimeout = errors.New("ets: receive timeout")
	// ErrUnsupportedController is wrapped by UnsupportedControllerError.
	ErrUnsupportedController = errors.New("ets: unsupported controller")
)

// ProtocolError describes a failed exchange that is eligible for retry.
type ProtocolError struct {
	// Op is the command or operation that failed
	Op string
	// Detail carries the expected/actual values, if any
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError wraps a connect/send/receive failure of the byte pipe.
// The engine returns it at once without spending further attempts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnsupportedControllerError is returned by Detect.
type UnsupportedControllerError struct {
	Reason string
}

func (e *UnsupportedControllerError) Error() string {
	return "unsupported controller: " + e.Reason
}

func (e *UnsupportedControllerError) Unwrap() error { return ErrUnsupportedController }

// IsProtocolError returns true if err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTransportError returns true if err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
