package bms

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"
)

// DemoAddress is the address the demo dialer answers to.
const DemoAddress = "demo"

const demoMTU = 20

var errDemoClosed = errors.New("demo link closed")

// DemoLink simulates a 16s JBD pack. Replies are delivered in 20-byte
// notifications the way a real BLE stack splits them.
type DemoLink struct {
	mu     sync.Mutex
	fn     func([]byte)
	closed bool
	start  time.Time
}

// DialDemo is a Dialer that always returns a fresh DemoLink.
func DialDemo(ctx context.Context, _ string, _ Uuids) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &DemoLink{start: time.Now()}, nil
}

func (l *DemoLink) Subscribe(fn func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errDemoClosed
	}
	l.fn = fn
	return nil
}

func (l *DemoLink) Write(b []byte) error {
	l.mu.Lock()
	fn, closed := l.fn, l.closed
	elapsed := time.Since(l.start).Seconds()
	l.mu.Unlock()
	if closed {
		return errDemoClosed
	}
	if fn == nil || len(b) < 3 || b[0] != jbdStart {
		return nil
	}

	var frame []byte
	switch b[2] {
	case jbdCmdMain:
		frame = demoMainFrame(elapsed)
	case jbdCmdCells:
		frame = demoCellFrame(elapsed)
	default:
		return nil
	}
	for len(frame) > 0 {
		n := min(demoMTU, len(frame))
		fn(frame[:n])
		frame = frame[n:]
	}
	return nil
}

func (l *DemoLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.fn = nil
	l.mu.Unlock()
	return nil
}

// jbdFrame wraps data in DD cmd 00 len ... csum 77. Payload bytes equal
// to the terminator are nudged by one so a split frame is never cut short.
func jbdFrame(cmd byte, data []byte) []byte {
	for i, v := range data {
		if v == jbdEnd {
			data[i]++
		}
	}
	f := []byte{jbdStart, cmd, 0x00, byte(len(data))}
	f = append(f, data...)
	var sum uint16
	for _, v := range f[2:] {
		sum += uint16(v)
	}
	f = binary.BigEndian.AppendUint16(f, ^sum+1)
	return append(f, jbdEnd)
}

func demoMainFrame(t float64) []byte {
	d := make([]byte, 27)
	amps := 12 + 8*math.Sin(t/5)
	volts := 52.8 - amps*0.02
	binary.BigEndian.PutUint16(d[0:], uint16(volts*100))
	binary.BigEndian.PutUint16(d[2:], uint16(int16(-amps*100))) // discharge is negative on the wire
	binary.BigEndian.PutUint16(d[4:], 2150)                     // 21.5 Ah left
	binary.BigEndian.PutUint16(d[6:], 3000)                     // 30 Ah
	binary.BigEndian.PutUint16(d[8:], 42)                       // cycles
	d[19] = 72                                                  // SOC
	d[20] = 0x03                                                // charge + discharge MOS on
	d[21] = 16                                                  // cells
	d[22] = 2                                                   // sensors
	binary.BigEndian.PutUint16(d[23:], kelvinOffset+250)
	binary.BigEndian.PutUint16(d[25:], kelvinOffset+262)
	return jbdFrame(jbdCmdMain, d)
}

func demoCellFrame(t float64) []byte {
	const cells = 16
	d := make([]byte, cells*2)
	for i := 0; i < cells; i++ {
		mv := 3300 + int(10*math.Sin(t/7+float64(i)))
		binary.BigEndian.PutUint16(d[2*i:], uint16(mv))
	}
	return jbdFrame(jbdCmdCells, d)
}

// DialAny routes DemoAddress to the simulator and every other address to
// Dial.
func DialAny(ctx context.Context, addr string, u Uuids) (Link, error) {
	if addr == DemoAddress {
		return DialDemo(ctx, addr, u)
	}
	return Dial(ctx, addr, u)
}
