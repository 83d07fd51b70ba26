package bms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Link is a connected GATT endpoint: one notify characteristic and one
// write characteristic, possibly the same.
type Link interface {
	// Subscribe enables notifications; fn may be called from any goroutine.
	Subscribe(fn func([]byte)) error
	// Write sends b without waiting for a response.
	Write(b []byte) error
	Close() error
}

// Dialer opens a Link to the device at addr.
type Dialer func(ctx context.Context, addr string, u Uuids) (Link, error)

// Observer is told about every notification and every published snapshot.
type Observer interface {
	ObserveNotification(t Type, n int)
	ObserveSnapshot(t Type, d Data)
}

// ErrNoType is returned when connecting with the None type.
var ErrNoType = errors.New("no bms type selected")

// Status strings shown to the user.
const (
	StatusDisconnected = "Disconnected"
	StatusConnecting   = "Connecting..."
)

// ClientOptions tunes the conversation timing.
type ClientOptions struct {
	SettleDelay  time.Duration // after subscribing, before the handshake
	HandshakeGap time.Duration // between handshake commands
	CommandGap   time.Duration // between poll commands
	Observer     Observer
	Logger       zerolog.Logger
}

// DefaultClientOptions returns the timings the supported BMS firmwares
// tolerate.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		SettleDelay:  200 * time.Millisecond,
		HandshakeGap: 100 * time.Millisecond,
		CommandGap:   50 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
}

// Snapshot is the client's current view of the battery.
type Snapshot struct {
	Type      Type      `json:"type"`
	Connected bool      `json:"connected"`
	Status    string    `json:"status"`
	Data      Data      `json:"data"`
	Updated   time.Time `json:"updated"`
}

const notifyQueue = 64

// Client drives one BMS connection: it feeds notifications to the
// Protocol from a single goroutine and writes poll commands on a timer.
type Client struct {
	dial Dialer
	opts ClientOptions
	log  zerolog.Logger

	// connMu serializes Connect and Disconnect.
	connMu sync.Mutex

	mu     sync.Mutex
	proto  Protocol
	link   Link
	cancel context.CancelFunc
	wg     sync.WaitGroup
	snap   Snapshot
	onData func(Data)
}

// NewClient returns an idle Client that opens links with dial.
func NewClient(dial Dialer, opts ClientOptions) *Client {
	if dial == nil {
		panic("bms: nil dialer")
	}
	return &Client{
		dial: dial,
		opts: opts,
		log:  opts.Logger.With().Str("component", "bms").Logger(),
		snap: Snapshot{Status: StatusDisconnected},
	}
}

// OnData registers fn to receive every published snapshot.
func (c *Client) OnData(fn func(Data)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

// Snapshot returns the latest state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Stale reports whether no snapshot arrived within maxAge.
func (c *Client) Stale(maxAge time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.Updated.IsZero() || time.Since(c.snap.Updated) > maxAge
}

// Connect drops any existing connection, dials addr and starts the
// notify/poll conversation for t.
func (c *Client) Connect(ctx context.Context, t Type, addr string) error {
	if t == None {
		return ErrNoType
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.disconnect()

	proto, err := New(t)
	if err != nil {
		return err
	}
	c.setStatus(t, false, StatusConnecting)

	link, err := c.dial(ctx, addr, proto.Uuids())
	if err != nil {
		c.setStatus(t, false, "Connection failed: "+err.Error())
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	notes := make(chan []byte, notifyQueue)

	err = link.Subscribe(func(b []byte) {
		chunk := append([]byte(nil), b...)
		select {
		case notes <- chunk:
		case <-runCtx.Done():
		default:
			c.log.Warn().Int("bytes", len(chunk)).Msg("notification queue full, chunk dropped")
		}
	})
	if err != nil {
		cancel()
		link.Close()
		c.setStatus(t, false, "Connection failed: "+err.Error())
		return fmt.Errorf("subscribe: %w", err)
	}

	c.mu.Lock()
	c.proto, c.link, c.cancel = proto, link, cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.decodeLoop(runCtx, proto, notes)

	if !sleepCtx(ctx, c.opts.SettleDelay) {
		c.disconnect()
		return ctx.Err()
	}
	for _, cmd := range proto.HandshakeCommands() {
		if err := link.Write(cmd); err != nil {
			c.log.Warn().Err(err).Msg("handshake write failed")
		}
		if !sleepCtx(ctx, c.opts.HandshakeGap) {
			c.disconnect()
			return ctx.Err()
		}
	}

	if len(proto.PollCommands()) > 0 {
		c.wg.Add(1)
		go c.pollLoop(runCtx, proto, link)
	}

	c.setStatus(t, true, t.Label()+" connected")
	c.log.Info().Str("type", t.String()).Str("address", addr).Msg("bms connected")
	return nil
}

// Disconnect stops the goroutines, closes the link and clears the data.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.disconnect()
}

// disconnect is Disconnect with connMu held.
func (c *Client) disconnect() {
	c.mu.Lock()
	cancel, link, proto := c.cancel, c.link, c.proto
	c.cancel, c.link, c.proto = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if link != nil {
		if err := link.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close link")
		}
	}
	c.wg.Wait()
	proto.Reset()

	c.mu.Lock()
	c.snap = Snapshot{Status: StatusDisconnected}
	c.mu.Unlock()
}

func (c *Client) setStatus(t Type, connected bool, status string) {
	c.mu.Lock()
	c.snap.Type = t
	c.snap.Connected = connected
	c.snap.Status = status
	c.mu.Unlock()
}

func (c *Client) decodeLoop(ctx context.Context, proto Protocol, notes <-chan []byte) {
	defer c.wg.Done()
	t := proto.Type()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-notes:
			if c.opts.Observer != nil {
				c.opts.Observer.ObserveNotification(t, len(chunk))
			}
			// only a decoded frame refreshes the snapshot, so garbage
			// lets it go stale
			if proto.OnNotification(chunk) == 0 {
				continue
			}
			d, ok := proto.LatestData()
			if !ok {
				continue
			}
			c.publish(t, d)
		}
	}
}

func (c *Client) publish(t Type, d Data) {
	c.mu.Lock()
	c.snap.Data = d
	c.snap.Updated = time.Now()
	fn := c.onData
	c.mu.Unlock()

	if c.opts.Observer != nil {
		c.opts.Observer.ObserveSnapshot(t, d)
	}
	if fn != nil {
		fn(d)
	}
}

// pollLoop writes every poll command each cycle. A failed write abandons
// the rest of the cycle; the next cycle tries again.
func (c *Client) pollLoop(ctx context.Context, proto Protocol, link Link) {
	defer c.wg.Done()
	cmds := proto.PollCommands()
	for {
		for _, cmd := range cmds {
			if err := link.Write(cmd); err != nil {
				c.log.Debug().Err(err).Msg("poll write failed")
				break
			}
			if !sleepCtx(ctx, c.opts.CommandGap) {
				return
			}
		}
		if !sleepCtx(ctx, proto.PollInterval()) {
			return
		}
	}
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
