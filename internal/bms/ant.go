package bms

import (
	"encoding/binary"
	"time"
)

const (
	antFuncStatus   = 0x01
	antRespStatus   = 0x11
	antRespInfo     = 0x12
	antMinFrame     = 10
	antMinStatusLen = 50
	antTempAbsent   = 65496

	antPollInterval = 500 * time.Millisecond
)

var antHeader = []byte{0x7E, 0xA1}

// antProtocol decodes ANT status frames. Every status frame carries the
// whole snapshot, so there is no merging.
type antProtocol struct {
	acc  Accumulator
	last Data
	has  bool
}

// NewANT returns an ANT decoder.
func NewANT() Protocol { return &antProtocol{} }

func (p *antProtocol) Type() Type { return ANT }

func (p *antProtocol) Uuids() Uuids {
	return Uuids{Service: bleUUID(0xFFE0), Notify: bleUUID(0xFFE1), Write: bleUUID(0xFFE1)}
}

// antCommand builds 7E A1 func addr_lo addr_hi value crc_lo crc_hi AA 55,
// the CRC covering A1 through value.
func antCommand(fn byte, addr uint16, value byte) []byte {
	f := []byte{0x7E, 0xA1, fn, byte(addr), byte(addr >> 8), value}
	f = binary.LittleEndian.AppendUint16(f, crc16Modbus(f[1:6]))
	return append(f, 0xAA, 0x55)
}

func (p *antProtocol) HandshakeCommands() [][]byte {
	return [][]byte{antCommand(antFuncStatus, 0, 0xBE)}
}

func (p *antProtocol) PollCommands() [][]byte {
	return [][]byte{antCommand(antFuncStatus, 0, 0xBE)}
}

func (p *antProtocol) PollInterval() time.Duration { return antPollInterval }

func (p *antProtocol) LatestData() (Data, bool) { return p.last, p.has }

func (p *antProtocol) Reset() {
	p.acc.Reset()
	p.last, p.has = Data{}, false
}

func (p *antProtocol) OnNotification(chunk []byte) (frames int) {
	p.acc.Append(chunk)
	for {
		idx := p.acc.Index(antHeader)
		if idx < 0 {
			p.acc.KeepLast(len(antHeader))
			return frames
		}
		p.acc.Consume(idx)

		buf := p.acc.Bytes()
		if len(buf) < antMinFrame {
			return frames
		}
		frameLen := 6 + int(buf[5]) + 4
		if len(buf) < frameLen {
			return frames
		}
		if buf[frameLen-2] != 0xAA || buf[frameLen-1] != 0x55 {
			p.acc.Consume(len(antHeader))
			continue
		}
		if u16LE(buf, frameLen-4) != int(crc16Modbus(buf[1:frameLen-4])) {
			p.acc.Consume(len(antHeader))
			continue
		}

		switch buf[2] {
		case antRespStatus:
			p.parseStatus(buf, frameLen)
		case antRespInfo:
			// device info, not surfaced
		}
		frames++
		p.acc.Consume(frameLen)
	}
}

func (p *antProtocol) parseStatus(buf []byte, frameLen int) {
	if frameLen < antMinStatusLen {
		return
	}
	numTemp := u8(buf, 8)
	numCells := u8(buf, 9)

	cells := make([]float64, 0, numCells)
	for i := 0; i < numCells; i++ {
		off := 34 + 2*i
		if off+1 >= frameLen {
			break
		}
		if mv := u16LE(buf, off); mv >= 1 && mv <= 5000 {
			cells = append(cells, float64(mv)/1000)
		}
	}

	pos := 34 + numCells*2
	// fits reports whether an n-byte field at pos lies inside the frame.
	fits := func(n int) bool { return pos+n-1 < frameLen }

	// temperatures are whole degrees C
	temps := make([]float64, 0, numTemp+1)
	for i := 0; i < numTemp; i++ {
		if !fits(2) {
			break
		}
		raw := u16LE(buf, pos)
		pos += 2
		if raw != antTempAbsent {
			temps = append(temps, float64(raw))
		}
	}
	if fits(2) {
		mos := u16LE(buf, pos)
		pos += 2
		if mos != antTempAbsent {
			temps = append(temps, float64(mos))
		}
	}
	pos += 2 // balancer temperature

	var d Data
	if fits(2) {
		d.Voltage = float64(u16LE(buf, pos)) * 0.01
	}
	pos += 2
	if fits(2) {
		d.Current = float64(i16LE(buf, pos)) * 0.1
	}
	pos += 2
	if fits(2) {
		d.SOC = float64(u16LE(buf, pos))
	}
	pos += 4 // SOC, SOH

	if fits(1) {
		d.DischargeEnabled = u8(buf, pos) == 1
	}
	pos++
	if fits(1) {
		d.ChargeEnabled = u8(buf, pos) == 1
	}
	pos++
	pos += 2 // balancer state, reserved

	if fits(4) {
		d.Capacity = float64(u32LE(buf, pos)) * 1e-6
	}
	pos += 4
	if fits(4) {
		d.Charge = float64(u32LE(buf, pos)) * 1e-6
	}

	d.Power = d.Voltage * d.Current
	d.CellVoltages = cells
	d.Temperatures = temps
	d.IsConnected = true
	p.last, p.has = d, true
}
