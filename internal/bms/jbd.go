package bms

import (
	"bytes"
	"time"
)

const (
	jbdStart = 0xDD
	jbdEnd   = 0x77

	jbdCmdMain  = 0x03
	jbdCmdCells = 0x04

	jbdPollInterval = 500 * time.Millisecond
	kelvinOffset    = 2731 // 0.1 K
)

// jbdProtocol decodes JBD / Xiaoxiang replies. Main telemetry (0x03) and
// cell voltages (0x04) arrive in separate frames and are merged.
type jbdProtocol struct {
	acc Accumulator

	main    Data
	cells   []float64
	hasMain bool
	hasCell bool

	last Data
	has  bool
}

// NewJBD returns a JBD decoder.
func NewJBD() Protocol { return &jbdProtocol{} }

func (p *jbdProtocol) Type() Type { return JBD }

func (p *jbdProtocol) Uuids() Uuids {
	return Uuids{Service: bleUUID(0xFF00), Notify: bleUUID(0xFF01), Write: bleUUID(0xFF02)}
}

// jbdCommand builds a read request: DD A5 cmd 00 csum_hi csum_lo 77.
func jbdCommand(cmd byte) []byte {
	csum := 0xFFFF - (int(cmd) - 1)
	return []byte{jbdStart, 0xA5, cmd, 0x00, byte(csum >> 8), byte(csum), jbdEnd}
}

func (p *jbdProtocol) HandshakeCommands() [][]byte { return nil }

func (p *jbdProtocol) PollCommands() [][]byte {
	return [][]byte{jbdCommand(jbdCmdMain), jbdCommand(jbdCmdCells)}
}

func (p *jbdProtocol) PollInterval() time.Duration { return jbdPollInterval }

func (p *jbdProtocol) LatestData() (Data, bool) { return p.last, p.has }

func (p *jbdProtocol) Reset() {
	p.acc.Reset()
	p.last, p.has = Data{}, false
	p.hasMain, p.hasCell = false, false
}

func (p *jbdProtocol) OnNotification(chunk []byte) (frames int) {
	p.acc.Append(chunk)
	for {
		start := bytes.IndexByte(p.acc.Bytes(), jbdStart)
		if start < 0 {
			p.acc.Reset()
			return frames
		}
		p.acc.Consume(start)

		buf := p.acc.Bytes()
		end := bytes.LastIndexByte(buf, jbdEnd)
		if end < 6 {
			return frames
		}
		frame := buf[:end+1]
		if len(frame) >= 7 && p.parse(frame[1], frame) {
			frames++
		}
		p.acc.Consume(end + 1)
	}
}

// parse reports whether frame was a complete main or cell frame.
func (p *jbdProtocol) parse(cmd byte, frame []byte) bool {
	dataLen := int(frame[3])
	if len(frame) < 4+dataLen+3 {
		return false
	}
	switch cmd {
	case jbdCmdMain:
		return p.parseMain(frame)
	case jbdCmdCells:
		p.parseCells(frame)
		return true
	}
	return false
}

func (p *jbdProtocol) parseMain(frame []byte) bool {
	if len(frame) < 27 {
		return false
	}
	const d = 4

	mos := u8(frame, d+20)
	numTemp := u8(frame, d+22)
	temps := make([]float64, 0, numTemp)
	for i := 0; i < numTemp; i++ {
		off := d + 23 + 2*i
		if off+1 >= len(frame) {
			break
		}
		temps = append(temps, float64(u16BE(frame, off)-kelvinOffset)/10)
	}

	p.main = Data{
		Voltage:          float64(u16BE(frame, d)) / 100,
		Current:          -(float64(i16BE(frame, d+2)) / 100),
		Charge:           float64(u16BE(frame, d+4)) / 100,
		Capacity:         float64(u16BE(frame, d+6)) / 100,
		NumCycles:        u16BE(frame, d+8),
		SOC:              float64(u8(frame, d+19)),
		ChargeEnabled:    mos&0x01 != 0,
		DischargeEnabled: mos&0x02 != 0,
		Temperatures:     temps,
	}
	p.hasMain = true
	p.merge()
	return true
}

func (p *jbdProtocol) parseCells(frame []byte) {
	n := int(frame[3]) / 2
	cells := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		off := 4 + 2*i
		if off+1 >= len(frame) {
			break
		}
		cells = append(cells, float64(u16BE(frame, off))/1000)
	}
	p.cells = cells
	p.hasCell = true
	p.merge()
}

// merge publishes once main telemetry has been seen; cells may lag.
func (p *jbdProtocol) merge() {
	if !p.hasMain {
		return
	}
	d := p.main
	d.Power = d.Voltage * d.Current
	d.CellVoltages = p.cells
	d.IsConnected = true
	p.last, p.has = d, true
}
