package bms

import (
	"time"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
)

// JK02 framing.
const (
	jkFrameLen     = 300
	jkLongFrameLen = 320
	jkCmdLen       = 20
	defaultJKCells = 24

	jkTypeSettings = 0x01
	jkTypeCells    = 0x02
	jkTypeInfo     = 0x03

	jkTempAbsent = -2000
)

var jkHeader = []byte{0x55, 0xAA, 0xEB, 0x90}

// jkProtocol decodes the JK02 stream. The BMS streams cell frames on its
// own after the 0x96 request, so there is nothing to poll.
type jkProtocol struct {
	acc       Accumulator
	maxCells  int
	numCells  int
	fwOffset  int // 0 for 24s firmware, 32 for 32s
	charge    bool
	discharge bool
	last      Data
	has       bool
}

// NewJK returns a JK decoder expecting up to maxCells cells until a
// settings frame says otherwise.
func NewJK(maxCells int) Protocol {
	if maxCells <= 0 {
		maxCells = defaultJKCells
	}
	return &jkProtocol{maxCells: maxCells, numCells: maxCells}
}

func (p *jkProtocol) Type() Type { return JK }

func (p *jkProtocol) Uuids() Uuids {
	return Uuids{Service: bleUUID(0xFFE0), Notify: bleUUID(0xFFE1), Write: bleUUID(0xFFE1)}
}

// jkCommand builds AA 55 90 EB addr len value[13] sum.
func jkCommand(addr byte, value []byte) []byte {
	f := make([]byte, jkCmdLen)
	copy(f, []byte{0xAA, 0x55, 0x90, 0xEB})
	f[4] = addr
	f[5] = byte(len(value))
	copy(f[6:19], value)
	f[19] = ets.Checksum(f[:19])
	return f
}

func (p *jkProtocol) HandshakeCommands() [][]byte {
	return [][]byte{
		jkCommand(0x97, nil), // device info
		jkCommand(0x96, nil), // start streaming
	}
}

func (p *jkProtocol) PollCommands() [][]byte { return nil }
func (p *jkProtocol) PollInterval() time.Duration { return 0 }

func (p *jkProtocol) LatestData() (Data, bool) { return p.last, p.has }

func (p *jkProtocol) Reset() {
	p.acc.Reset()
	p.last, p.has = Data{}, false
	p.numCells = p.maxCells
	p.fwOffset = 0
}

func (p *jkProtocol) OnNotification(chunk []byte) (frames int) {
	p.acc.Append(chunk)
	for {
		idx := p.acc.Index(jkHeader)
		if idx < 0 {
			// the header may be split across chunks
			p.acc.KeepLast(len(jkHeader))
			return frames
		}
		p.acc.Consume(idx)

		buf := p.acc.Bytes()
		if len(buf) < jkFrameLen {
			return frames
		}
		if ets.Checksum(buf[:jkFrameLen-1]) != buf[jkFrameLen-1] {
			p.acc.Consume(len(jkHeader))
			continue
		}

		p.parse(buf[4], buf)
		frames++

		n := jkFrameLen
		if len(buf) >= jkLongFrameLen {
			n = jkLongFrameLen
		}
		p.acc.Consume(n)
	}
}

func (p *jkProtocol) parse(typ byte, buf []byte) {
	switch typ {
	case jkTypeSettings:
		p.parseSettings(buf)
	case jkTypeCells:
		p.parseCells(buf)
	case jkTypeInfo:
		// model and firmware strings, not surfaced
	}
}

func (p *jkProtocol) parseSettings(buf []byte) {
	if n := u8(buf, 114); n >= 1 && n <= 32 {
		p.numCells = n
	}
	p.charge = u8(buf, 118) != 0
	p.discharge = u8(buf, 122) != 0
}

func (p *jkProtocol) parseCells(buf []byte) {
	o := p.fwOffset
	if len(buf) < 170+o {
		return
	}

	cells := make([]float64, 0, p.numCells)
	for i := 0; i < p.numCells; i++ {
		off := 6 + 2*i
		if off+1 >= len(buf) {
			break
		}
		if mv := u16LE(buf, off); mv >= 1 && mv <= 5000 {
			cells = append(cells, float64(mv)/1000)
		}
	}

	voltage := float64(u32LE(buf, 118+o)) * 0.001
	current := -(float64(i32LE(buf, 126+o)) * 0.001)

	temps := make([]float64, 0, 2)
	for _, off := range []int{130 + o, 132 + o} {
		if t := i16LE(buf, off); t != jkTempAbsent {
			temps = append(temps, float64(t)/10)
		}
	}

	p.last = Data{
		Voltage:          voltage,
		Current:          current,
		Power:            voltage * current,
		SOC:              float64(u8(buf, 141+o)),
		Charge:           float64(u32LE(buf, 142+o)) * 0.001,
		Capacity:         float64(u32LE(buf, 146+o)) * 0.001,
		NumCycles:        int(u32LE(buf, 150+o)),
		CellVoltages:     cells,
		Temperatures:     temps,
		ChargeEnabled:    p.charge,
		DischargeEnabled: p.discharge,
		IsConnected:      true,
	}
	p.has = true
}
