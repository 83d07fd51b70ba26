// Package transport provides the byte pipes the ETS engine talks through.
package transport

import (
	"context"
	"time"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
)

// Transport is a half-duplex byte pipe to a controller.
type Transport interface {
	// Name returns a human-readable label for logs and the UI.
	Name() string
	// Connect opens the link. addr is a port path for serial links.
	Connect(ctx context.Context, addr string) error
	// Disconnect closes the link. It is safe to call when not connected.
	Disconnect() error
	// IsConnected reports whether Connect succeeded and Disconnect has not
	// been called since.
	IsConnected() bool
	// Send writes b in full.
	Send(ctx context.Context, b []byte) error
	// Receive returns whatever arrived within timeout, up to expected
	// bytes. Zero bytes is ets.ErrTimeout.
	Receive(ctx context.Context, expected int, timeout time.Duration) ([]byte, error)
	// Drain discards buffered unread bytes.
	Drain(ctx context.Context) error
}

// Default receive parameters for ETS exchanges.
const (
	DefaultExpected = ets.MaxPacketSize
	SerialTimeout   = 300 * time.Millisecond
)

type exchanger struct {
	t        Transport
	expected int
	timeout  time.Duration
}

// Exchanger adapts t to ets.Exchanger: every exchange is a Send followed by
// a single bounded Receive.
func Exchanger(t Transport, expected int, timeout time.Duration) ets.Exchanger {
	if expected <= 0 {
		expected = DefaultExpected
	}
	if timeout <= 0 {
		timeout = SerialTimeout
	}
	return &exchanger{t: t, expected: expected, timeout: timeout}
}

func (x *exchanger) SendAndReceive(ctx context.Context, tx []byte) ([]byte, error) {
	if err := x.t.Send(ctx, tx); err != nil {
		return nil, err
	}
	return x.t.Receive(ctx, x.expected, x.timeout)
}

func (x *exchanger) Drain(ctx context.Context) error { return x.t.Drain(ctx) }
