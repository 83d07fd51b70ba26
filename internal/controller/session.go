// Package controller runs a connection to a single Kelly KBLS controller:
// identification, calibration read/write and the live monitor loop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
	"github.com/shaunagostinho/kelly-dash/internal/logging"
	"github.com/shaunagostinho/kelly-dash/internal/transport"
)

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("controller: not connected")
	// ErrModuleMismatch guards against writing an image read from a
	// different controller.
	ErrModuleMismatch = errors.New("controller: calibration belongs to a different module")
)

// Phase is the coarse connection state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Failed
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, c := range []Phase{Disconnected, Connecting, Connected, Failed} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// State describes the session for the UI.
type State struct {
	Phase           Phase               `json:"phase"`
	Transport       string              `json:"transport"`
	ModuleName      string              `json:"moduleName,omitempty"`
	SoftwareVersion int                 `json:"softwareVersion,omitempty"`
	Model           ets.ControllerModel `json:"model,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// Options tunes session timing. Zero values take the defaults.
type Options struct {
	// ReceiveTimeout bounds each ETS response.
	ReceiveTimeout time.Duration
	// SettleDelay lets an in-flight monitor response arrive and be drained
	// before calibration I/O starts.
	SettleDelay time.Duration
	// PollDelay is the pause between monitor cycles.
	PollDelay time.Duration
	// FailureLimit is the number of consecutive monitor failures reported
	// as a lost link.
	FailureLimit int
	// Observer receives every exchange attempt.
	Observer ets.Observer
	// OnMonitor is called from the monitor goroutine after each cycle that
	// changed the monitor data.
	OnMonitor func(ets.MonitorData)
	// Progress reports flash read and write chunks.
	Progress ets.ProgressFunc
}

const (
	defaultSettleDelay  = 300 * time.Millisecond
	defaultPollDelay    = 10 * time.Millisecond
	defaultFailureLimit = 5
)

func (o *Options) applyDefaults() {
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = transport.SerialTimeout
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = defaultSettleDelay
	}
	if o.PollDelay <= 0 {
		o.PollDelay = defaultPollDelay
	}
	if o.FailureLimit <= 0 {
		o.FailureLimit = defaultFailureLimit
	}
}

// Session owns one transport and serializes every exchange on it.
//
// Lock order: loopMu, then mu, then stateMu.
type Session struct {
	t    transport.Transport
	opts Options
	log  zerolog.Logger

	// mu is held for every exchange sequence on the link.
	mu   sync.Mutex
	eng  *ets.Engine
	data ets.DataValue

	stateMu sync.RWMutex
	state   State
	monitor ets.MonitorData

	loopMu      sync.Mutex
	wantMonitor bool
	paused      int // link operations holding the loop stopped
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewSession returns a disconnected session over t.
func NewSession(t transport.Transport, opts Options) *Session {
	opts.applyDefaults()
	return &Session{
		t:     t,
		opts:  opts,
		log:   logging.Component("controller"),
		state: State{Phase: Disconnected, Transport: t.Name()},
		monitor: ets.MonitorData{
			Values:        map[string]string{},
			ErrorMessages: []string{},
		},
	}
}

// State returns a snapshot of the connection state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Monitor returns the most recent monitor snapshot.
func (s *Session) Monitor() ets.MonitorData {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.monitor
}

func (s *Session) setState(st State) {
	st.Transport = s.t.Name()
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Session) connected() bool {
	return s.State().Phase == Connected
}

// Connect opens the transport, reads the calibration image and identifies
// the controller. On success the monitor loop is started.
func (s *Session) Connect(ctx context.Context, addr string) error {
	s.loopMu.Lock()
	s.wantMonitor = false
	s.loopMu.Unlock()
	s.stopLoop()

	if err := s.connect(ctx, addr); err != nil {
		return err
	}

	s.loopMu.Lock()
	s.wantMonitor = true
	s.startLoopLocked()
	s.loopMu.Unlock()
	return nil
}

func (s *Session) connect(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setState(State{Phase: Connecting})
	fail := func(msg string, err error) error {
		s.t.Disconnect()
		s.eng = nil
		s.setState(State{Phase: Failed, Error: fmt.Sprintf("%s: %v", msg, err)})
		s.log.Error().Err(err).Str("addr", addr).Msg(msg)
		return fmt.Errorf("%s: %w", msg, err)
	}

	if err := s.t.Connect(ctx, addr); err != nil {
		return fail("connect", err)
	}

	opts := []ets.Option{ets.WithLogger(s.log)}
	if s.opts.Observer != nil {
		opts = append(opts, ets.WithObserver(s.opts.Observer))
	}
	if s.opts.Progress != nil {
		opts = append(opts, ets.WithProgress(s.opts.Progress))
	}
	s.eng = ets.NewEngine(transport.Exchanger(s.t, ets.MaxPacketSize, s.opts.ReceiveTimeout), opts...)

	if _, err := s.eng.OpenFlash(ctx); err != nil {
		return fail("open flash", err)
	}
	img, err := s.eng.ReadFlash(ctx)
	if err != nil {
		return fail("read flash", err)
	}
	name, version := img.ModuleName(), img.SoftwareVersion()
	model, err := ets.Detect(name, version)
	if err != nil {
		return fail("identify controller", err)
	}
	s.data = *img

	s.setState(State{
		Phase:           Connected,
		ModuleName:      name,
		SoftwareVersion: version,
		Model:           model,
	})
	s.log.Info().
		Str("module", name).
		Int("version", version).
		Stringer("model", model).
		Msg("controller connected")
	return nil
}

// Disconnect stops monitoring and closes the transport.
func (s *Session) Disconnect() error {
	s.loopMu.Lock()
	s.wantMonitor = false
	s.loopMu.Unlock()
	s.stopLoop()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.t.Disconnect()
	s.eng = nil
	s.setState(State{Phase: Disconnected})
	return err
}

// StartMonitor begins polling the live values.
func (s *Session) StartMonitor() error {
	if !s.connected() {
		return ErrNotConnected
	}
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	s.wantMonitor = true
	s.startLoopLocked()
	return nil
}

// StopMonitor stops polling and waits for the loop to exit.
func (s *Session) StopMonitor() {
	s.loopMu.Lock()
	s.wantMonitor = false
	s.loopMu.Unlock()
	s.stopLoop()
}

// Monitoring reports whether the monitor loop is running.
func (s *Session) Monitoring() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.cancel != nil
}

// startLoopLocked starts the loop if it is wanted and not running. Caller
// holds loopMu.
func (s *Session) startLoopLocked() {
	if s.cancel != nil || s.paused > 0 || !s.wantMonitor || !s.connected() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.monitorLoop(ctx, done)
}

// stopLoop cancels the loop and waits for its in-flight exchange to end.
func (s *Session) stopLoop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// resumeLoop releases one pause. The loop restarts only when the last
// overlapping link operation has finished.
func (s *Session) resumeLoop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	s.paused--
	s.startLoopLocked()
}

// pause stops the monitor loop and waits SettleDelay so a late monitor
// response is not read as the reply to the next command. Every pause must
// be matched by resumeLoop.
func (s *Session) pause(ctx context.Context) error {
	s.loopMu.Lock()
	s.paused++
	s.loopMu.Unlock()
	s.stopLoop()
	select {
	case <-time.After(s.opts.SettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setMonitor(md ets.MonitorData) {
	s.stateMu.Lock()
	s.monitor = md
	s.stateMu.Unlock()
}

func (s *Session) updateMonitor(fn func(*ets.MonitorData)) {
	s.stateMu.Lock()
	fn(&s.monitor)
	s.stateMu.Unlock()
}

func (s *Session) publishMonitor() {
	if s.opts.OnMonitor != nil {
		s.opts.OnMonitor(s.Monitor())
	}
}

func (s *Session) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.updateMonitor(func(md *ets.MonitorData) {
		md.Active = false
		md.CommError = ""
	})

	s.updateMonitor(func(md *ets.MonitorData) {
		md.Active = true
		md.CommError = ""
	})
	s.log.Debug().Msg("monitor started")

	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		s.mu.Lock()
		var (
			buf []byte
			err = ErrNotConnected
		)
		if s.eng != nil {
			buf, err = s.eng.ReadMonitor(ctx)
		}
		s.mu.Unlock()

		if ctx.Err() != nil {
			s.log.Debug().Msg("monitor stopped")
			return
		}

		if err != nil {
			failures++
			if failures >= s.opts.FailureLimit {
				msg := "Communication lost: " + err.Error()
				s.updateMonitor(func(md *ets.MonitorData) { md.CommError = msg })
				s.log.Warn().Err(err).Int("failures", failures).Msg("monitor link lost")
				failures = 0
				s.publishMonitor()
			}
		} else {
			failures = 0
			s.setMonitor(ets.DecodeMonitor(buf))
			s.publishMonitor()
		}

		timer.Reset(s.opts.PollDelay)
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("monitor stopped")
			return
		case <-timer.C:
		}
	}
}

// withLink pauses monitoring, runs fn under the session lock and resumes.
func (s *Session) withLink(ctx context.Context, fn func(eng *ets.Engine) error) error {
	if !s.connected() {
		return ErrNotConnected
	}
	if err := s.pause(ctx); err != nil {
		s.resumeLoop()
		return err
	}
	defer s.resumeLoop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return ErrNotConnected
	}
	return fn(s.eng)
}

// ReadCalibration re-reads the full calibration image from the controller.
func (s *Session) ReadCalibration(ctx context.Context) (*Calibration, error) {
	var img *ets.DataValue
	err := s.withLink(ctx, func(eng *ets.Engine) error {
		if _, err := eng.OpenFlash(ctx); err != nil {
			return fmt.Errorf("open flash: %w", err)
		}
		var err error
		img, err = eng.ReadFlash(ctx)
		if err != nil {
			return err
		}
		s.data = *img
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewCalibration(s.State().Model, *img)
}

// LastCalibration returns the image from the most recent read or write
// without touching the link.
func (s *Session) LastCalibration() (*Calibration, error) {
	st := s.State()
	if st.Phase != Connected {
		return nil, ErrNotConnected
	}
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	return NewCalibration(st.Model, data)
}

// WriteCalibration writes data to flash and burns it.
func (s *Session) WriteCalibration(ctx context.Context, data ets.DataValue) error {
	if name := s.State().ModuleName; name != "" && data.ModuleName() != name {
		return fmt.Errorf("%w: image %q, connected %q", ErrModuleMismatch, data.ModuleName(), name)
	}
	return s.withLink(ctx, func(eng *ets.Engine) error {
		if _, err := eng.OpenFlash(ctx); err != nil {
			return fmt.Errorf("open flash: %w", err)
		}
		if err := eng.WriteFlash(ctx, &data); err != nil {
			return err
		}
		if _, err := eng.BurnFlash(ctx); err != nil {
			return fmt.Errorf("burn flash: %w", err)
		}
		s.data = data
		s.log.Info().Str("module", data.ModuleName()).Msg("calibration written")
		return nil
	})
}

// ReadPhaseCurrentZero reads the phase-current zero-offset AD values.
func (s *Session) ReadPhaseCurrentZero(ctx context.Context) ([]int, error) {
	var values []int
	err := s.withLink(ctx, func(eng *ets.Engine) error {
		var err error
		values, err = eng.ReadPhaseCurrentAD(ctx)
		return err
	})
	return values, err
}
