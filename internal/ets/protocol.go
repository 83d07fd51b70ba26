package ets

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Attempt budgets per exchange.
const (
	versionAttempts    = 2
	openFlashAttempts  = 2
	readFlashAttempts  = 2
	writeFlashAttempts = 3
	// Flash commit can take ~9s on the device; most of these attempts are
	// spent waiting for the controller to finish, not recovering from faults.
	burnFlashAttempts = 30
	phaseADAttempts   = 2
	phaseADValues     = 10
)

// Exchanger is the byte-pipe boundary the engine talks through.
type Exchanger interface {
	// SendAndReceive transmits tx and returns whatever response arrived
	// within the transport's receive deadline.
	SendAndReceive(ctx context.Context, tx []byte) ([]byte, error)
	// Drain discards any unread bytes from an earlier exchange.
	Drain(ctx context.Context) error
}

// ExchangeFunc adapts a pair of functions to Exchanger. A nil drain is a
// no-op.
type ExchangeFunc struct {
	Exchange func(ctx context.Context, tx []byte) ([]byte, error)
	DrainFn  func(ctx context.Context) error
}

func (f ExchangeFunc) SendAndReceive(ctx context.Context, tx []byte) ([]byte, error) {
	return f.Exchange(ctx, tx)
}

func (f ExchangeFunc) Drain(ctx context.Context) error {
	if f.DrainFn == nil {
		return nil
	}
	return f.DrainFn(ctx)
}

// Observer is notified after every exchange attempt.
type Observer interface {
	ObserveExchange(cmd byte, attempt int, err error)
}

// ProgressFunc reports chunk progress of flash reads and writes.
type ProgressFunc func(op string, done, total int)

// Option configures an Engine.
type Option func(*Engine)

// WithObserver attaches an exchange observer (metrics).
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.obs = o }
}

// WithLogger sets the logger used for per-attempt diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithProgress sets a callback for flash read/write progress.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.progress = fn }
}

// Engine runs ETS request/response exchanges with bounded retries. It keeps
// no state between calls; callers serialize access to the link.
type Engine struct {
	x        Exchanger
	obs      Observer
	log      zerolog.Logger
	progress ProgressFunc
}

// NewEngine returns an Engine that talks through x.
func NewEngine(x Exchanger, opts ...Option) *Engine {
	if x == nil {
		panic("ets: nil exchanger")
	}
	e := &Engine{x: x, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// exchange drains, sends tx once and validates the reply against cmd.
func (e *Engine) exchange(ctx context.Context, tx []byte, cmd byte) (Packet, error) {
	if err := e.x.Drain(ctx); err != nil {
		return Packet{}, err
	}
	rx, err := e.x.SendAndReceive(ctx, tx)
	if err != nil {
		return Packet{}, err
	}
	return ParseRxResponse(rx, cmd)
}

// sendWithRetry repeats the exchange up to attempts times, draining before
// each one. It returns the first good packet or the last error seen.
// Transport failures end the loop at once.
func (e *Engine) sendWithRetry(ctx context.Context, tx []byte, cmd byte, attempts int) (Packet, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}
		p, err := e.exchange(ctx, tx, cmd)
		if e.obs != nil {
			e.obs.ObserveExchange(cmd, attempt, err)
		}
		if err == nil {
			return p, nil
		}
		if IsTransportError(err) {
			return Packet{}, err
		}
		lastErr = err
		e.log.Debug().
			Str("cmd", CommandName(cmd)).
			Int("attempt", attempt).
			Int("of", attempts).
			Err(err).
			Msg("exchange failed")
	}
	if lastErr == nil {
		lastErr = &ProtocolError{Op: CommandName(cmd), Err: fmt.Errorf("failed after %d attempts", attempts)}
	}
	return Packet{}, lastErr
}

func (e *Engine) report(op string, done, total int) {
	if e.progress != nil {
		e.progress(op, done, total)
	}
}

// ReadVersion sends CODE_VERSION and returns the raw response.
func (e *Engine) ReadVersion(ctx context.Context) (Packet, error) {
	return e.sendWithRetry(ctx, MustBuildTxPacket(CmdCodeVersion, nil), CmdCodeVersion, versionAttempts)
}

// OpenFlash must precede ReadFlash and WriteFlash.
func (e *Engine) OpenFlash(ctx context.Context) (Packet, error) {
	return e.sendWithRetry(ctx, MustBuildTxPacket(CmdFlashOpen, nil), CmdFlashOpen, openFlashAttempts)
}

// ReadFlash reads the full 512-byte calibration image in 32 blocks. The
// first block that cannot be read aborts the whole operation.
func (e *Engine) ReadFlash(ctx context.Context) (*DataValue, error) {
	data := new(DataValue)
	packets := BuildFlashReadPackets()
	for i, tx := range packets {
		p, err := e.sendWithRetry(ctx, tx, CmdFlashRead, readFlashAttempts)
		if err != nil {
			return nil, fmt.Errorf("read flash block %d/%d: %w", i+1, len(packets), err)
		}
		ParseFlashReadResponse(p.Data, i, data)
		e.report("read", i+1, len(packets))
	}
	return data, nil
}

// WriteFlash sends the image in 40 chunks. BurnFlash must follow a
// successful write for the controller to keep the data.
func (e *Engine) WriteFlash(ctx context.Context, data *DataValue) error {
	packets := BuildFlashWritePackets(data)
	for i, tx := range packets {
		if _, err := e.sendWithRetry(ctx, tx, CmdFlashWrite, writeFlashAttempts); err != nil {
			return fmt.Errorf("write flash chunk %d/%d: %w", i+1, len(packets), err)
		}
		e.report("write", i+1, len(packets))
	}
	return nil
}

// BurnFlash commits written data (FLASH_CLOSE).
func (e *Engine) BurnFlash(ctx context.Context) (Packet, error) {
	return e.sendWithRetry(ctx, MustBuildTxPacket(CmdFlashClose, nil), CmdFlashClose, burnFlashAttempts)
}

// ReadMonitor polls the three user-monitor commands once each, without
// retry; the polling loop picks up transient misses on its next cycle.
func (e *Engine) ReadMonitor(ctx context.Context) ([]byte, error) {
	buf := make([]byte, MonitorBufferSize)
	for i, cmd := range MonitorCommands {
		p, err := e.sendWithRetry(ctx, MustBuildTxPacket(cmd, nil), cmd, 1)
		if err != nil {
			return nil, err
		}
		copy(buf[i*ReadBlockSize:(i+1)*ReadBlockSize], p.Data)
	}
	return buf, nil
}

// ReadPhaseCurrentAD returns the 10 phase-current zero readings.
func (e *Engine) ReadPhaseCurrentAD(ctx context.Context) ([]int, error) {
	p, err := e.sendWithRetry(ctx, MustBuildTxPacket(CmdGetPhaseIAD, nil), CmdGetPhaseIAD, phaseADAttempts)
	if err != nil {
		return nil, err
	}
	if len(p.Data) < phaseADValues {
		return nil, &ProtocolError{
			Op:     CommandName(CmdGetPhaseIAD),
			Err:    ErrMalformedPacket,
			Detail: fmt.Sprintf("expected %d values, got %d", phaseADValues, len(p.Data)),
		}
	}
	values := make([]int, phaseADValues)
	for i := range values {
		values[i] = int(p.Data[i])
	}
	return values, nil
}
