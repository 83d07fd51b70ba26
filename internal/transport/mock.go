package transport

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
)

// Mock simulates a KBLS7218S controller on firmware v265 for development
// and tests. Flash writes persist for the life of the Mock.
type Mock struct {
	mu        sync.Mutex
	connected bool
	flash     ets.DataValue
	pending   []byte // response queued by the last Send
	tick      int
	t         float64 // virtual time for the monitor waveforms
	latency   time.Duration
	offline   bool
	errStatus uint16
	rng       *rand.Rand
}

// NewMock returns a Mock with a factory calibration image.
func NewMock() *Mock {
	m := &Mock{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	m.initFlash()
	return m
}

func (m *Mock) initFlash() {
	f := &m.flash
	copy(f[0:], "KBLS721S")
	copy(f[8:], "TEST")
	f[12], f[13], f[14], f[15] = 0x01, 0x02, 0x03, 0x04
	f[16], f[17] = 0x01, 0x09 // v265

	f[20] = 0b00000101
	f[21] = 0b00010001
	f[23], f[24] = 0, 48 // controller volt
	f[25], f[26] = 0, 36 // low volt
	f[27], f[28] = 0, 62 // over volt
	f[37] = 80
	f[38] = 70
	f[56] = 0x55

	f[92], f[93] = 5, 95
	f[95], f[96], f[97] = 1, 10, 190
	f[100], f[101], f[102] = 1, 10, 90
	f[105], f[106] = 0x01, 0xF4 // 500 Hz
	f[107], f[108] = 0x17, 0x70 // 6000 rpm
	f[109], f[110] = 100, 50
	f[127] = 20

	f[268], f[269] = 10, 2
	f[318], f[319], f[320] = 1, 130, 110
}

// SetLatency adds a fixed delay to every Receive.
func (m *Mock) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// SetOffline makes the simulated controller stop answering.
func (m *Mock) SetOffline(off bool) {
	m.mu.Lock()
	m.offline = off
	m.mu.Unlock()
}

// SetErrorStatus sets the error bitmask reported by USER_MONITOR2.
func (m *Mock) SetErrorStatus(code uint16) {
	m.mu.Lock()
	m.errStatus = code
	m.mu.Unlock()
}

// LoadFlash replaces the simulated calibration memory.
func (m *Mock) LoadFlash(d ets.DataValue) {
	m.mu.Lock()
	m.flash = d
	m.mu.Unlock()
}

// Flash returns a copy of the simulated calibration memory.
func (m *Mock) Flash() ets.DataValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flash
}

func (m *Mock) Name() string { return "Demo (Simulated)" }

func (m *Mock) Connect(ctx context.Context, _ string) error {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *Mock) Disconnect() error {
	m.mu.Lock()
	m.connected = false
	m.pending = nil
	m.mu.Unlock()
	return nil
}

func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Mock) Send(_ context.Context, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return &ets.TransportError{Op: "send", Err: ErrNotConnected}
	}
	if m.offline || len(b) < 3 {
		m.pending = nil
		return nil
	}
	m.pending = m.respond(b)
	return nil
}

func (m *Mock) Receive(ctx context.Context, expected int, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, &ets.TransportError{Op: "receive", Err: ErrNotConnected}
	}
	resp := m.pending
	m.pending = nil
	wait := m.latency
	m.mu.Unlock()

	if resp == nil {
		wait = timeout
	}
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp == nil {
		return nil, ets.ErrTimeout
	}
	if len(resp) > expected {
		resp = resp[:expected]
	}
	return resp, nil
}

func (m *Mock) Drain(context.Context) error {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
	return nil
}

// respond builds the controller's answer to tx. Caller holds m.mu.
func (m *Mock) respond(tx []byte) []byte {
	cmd := tx[0]
	switch cmd {
	case ets.CmdFlashRead:
		addr, n := ets.FlashAddress(tx)
		if n > ets.ReadBlockSize {
			n = ets.ReadBlockSize
		}
		data := make([]byte, n)
		for j := range data {
			if addr+j < len(m.flash) {
				data[j] = m.flash[addr+j]
			}
		}
		return reply(cmd, data)
	case ets.CmdFlashWrite:
		addr, n := ets.FlashAddress(tx)
		for j := 0; j < n; j++ {
			if addr+j < len(m.flash) && j+5 < len(tx)-1 {
				m.flash[addr+j] = tx[j+5]
			}
		}
		return reply(cmd, nil)
	case ets.CmdCodeVersion:
		return reply(cmd, []byte{m.flash[16], m.flash[17]})
	case ets.CmdUserMonitor1, ets.CmdUserMonitor2, ets.CmdUserMonitor3:
		return reply(cmd, m.monitorBlock(cmd))
	case ets.CmdGetPhaseIAD:
		data := make([]byte, 10)
		for i := range data {
			data[i] = 128
		}
		return reply(cmd, data)
	default:
		return reply(cmd, nil)
	}
}

// reply frames a response the way the controller does: the checksum always
// covers cmd and len, even for an empty payload.
func reply(cmd byte, data []byte) []byte {
	b := make([]byte, 0, len(data)+3)
	b = append(b, cmd, byte(len(data)))
	b = append(b, data...)
	return append(b, ets.Checksum(b))
}

func (m *Mock) jitter(lo, hi int) int {
	return lo + m.rng.Intn(hi-lo+1)
}

func clamp(v, lo, hi int) byte {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return byte(v)
}

// monitorBlock returns one 16-byte USER_MONITOR payload. Caller holds m.mu.
func (m *Mock) monitorBlock(cmd byte) []byte {
	m.tick++
	data := make([]byte, ets.ReadBlockSize)

	switch cmd {
	case ets.CmdUserMonitor1:
		m.t += 0.05
		tps := 80 + 60*math.Sin(m.t*0.3)
		data[0] = clamp(int(tps)+m.jitter(-5, 5), 0, 255)
		data[3] = 1 // foot switch
		data[4] = 1 // forward
		data[6] = byte((m.tick % 6) / 3)
		data[7] = byte(((m.tick + 2) % 6) / 3)
		data[8] = byte(((m.tick + 4) % 6) / 3)
		data[9] = 48
		data[10] = clamp(35+m.jitter(-2, 2), 0, 150)
		data[11] = clamp(40+m.jitter(-1, 1), 0, 150)
	case ets.CmdUserMonitor2:
		data[0] = byte(m.errStatus >> 8)
		data[1] = byte(m.errStatus)
		speed := 1500 + int(1000*math.Sin(m.t*0.3)) + m.jitter(-50, 50)
		if speed < 0 {
			speed = 0
		}
		data[2], data[3] = byte(speed>>8), byte(speed)
		current := 120 + m.jitter(-10, 10)
		data[4], data[5] = byte(current>>8), byte(current)
	}
	return data
}
