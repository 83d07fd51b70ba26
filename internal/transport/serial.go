package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
	"github.com/shaunagostinho/kelly-dash/internal/logging"
)

// ErrNotConnected is returned by I/O on a closed transport.
var ErrNotConnected = errors.New("transport: not connected")

const (
	// KBLS controllers talk 19200 8N1 on both the FT232 cable and the
	// Bluetooth virtual COM port.
	DefaultBaudRate = 19200

	drainSilence = 20 * time.Millisecond
	drainTimeout = 250 * time.Millisecond
	readSlice    = 10 * time.Millisecond
)

// SerialConfig holds serial link settings.
type SerialConfig struct {
	BaudRate int
}

// Serial is a Transport over a local serial port.
type Serial struct {
	cfg  SerialConfig
	log  zerolog.Logger
	mu   sync.Mutex
	port serial.Port
	path string
}

// NewSerial returns an unconnected serial transport.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	return &Serial{cfg: cfg, log: logging.Component("serial")}
}

func (s *Serial) Name() string { return "Serial" }

func (s *Serial) Connect(_ context.Context, addr string) error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(addr, mode)
	if err != nil {
		return &ets.TransportError{Op: "connect", Err: fmt.Errorf("open %s: %w", addr, err)}
	}
	if err := port.SetReadTimeout(readSlice); err != nil {
		port.Close()
		return &ets.TransportError{Op: "connect", Err: fmt.Errorf("set timeout: %w", err)}
	}

	s.mu.Lock()
	if s.port != nil {
		s.port.Close()
	}
	s.port = port
	s.path = addr
	s.mu.Unlock()

	s.log.Info().Str("port", addr).Int("baud", s.cfg.BaudRate).Msg("opened")
	return nil
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.log.Info().Str("port", s.path).Msg("closed")
	return err
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *Serial) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrNotConnected
	}
	return s.port, nil
}

func (s *Serial) Send(_ context.Context, b []byte) error {
	port, err := s.current()
	if err != nil {
		return &ets.TransportError{Op: "send", Err: err}
	}
	for written := 0; written < len(b); {
		n, err := port.Write(b[written:])
		if err != nil {
			return &ets.TransportError{Op: "send", Err: err}
		}
		written += n
	}
	return nil
}

// Receive reads until expected bytes arrive or timeout passes, returning
// a partial buffer when some but not all bytes came in.
func (s *Serial) Receive(ctx context.Context, expected int, timeout time.Duration) ([]byte, error) {
	port, err := s.current()
	if err != nil {
		return nil, &ets.TransportError{Op: "receive", Err: err}
	}
	buf := make([]byte, expected)
	deadline := time.Now().Add(timeout)
	got := 0
	for got < expected && time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := port.Read(buf[got:])
		if err != nil && n == 0 {
			return nil, &ets.TransportError{Op: "receive", Err: fmt.Errorf("read after %d/%d bytes: %w", got, expected, err)}
		}
		got += n
	}
	if got == 0 {
		return nil, ets.ErrTimeout
	}
	if got < expected {
		s.log.Trace().Int("got", got).Int("want", expected).Hex("bytes", buf[:got]).Msg("short read")
	}
	return buf[:got], nil
}

// Drain flushes the OS input buffer, then reads until the line has been
// silent for drainSilence or drainTimeout has passed.
func (s *Serial) Drain(ctx context.Context) error {
	port, err := s.current()
	if err != nil {
		return &ets.TransportError{Op: "drain", Err: err}
	}
	if err := port.ResetInputBuffer(); err != nil {
		return &ets.TransportError{Op: "drain", Err: err}
	}

	drained := 0
	buf := make([]byte, 64)
	deadline := time.Now().Add(drainTimeout)
	quietSince := time.Now()
	for time.Now().Before(deadline) && time.Since(quietSince) < drainSilence {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, _ := port.Read(buf)
		if n > 0 {
			drained += n
			quietSince = time.Now()
		}
	}
	if drained > 0 {
		s.log.Debug().Int("bytes", drained).Msg("drained stale input")
	}
	return nil
}

// ListPorts returns the serial ports visible to the OS.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
