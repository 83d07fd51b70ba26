package bms

import (
	"bytes"
	"time"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
)

const (
	dalyStart    = 0xA5
	dalyHostAddr = 0x80
	dalyFrameLen = 13

	dalyCmdBasic  = 0x90
	dalyCmdStatus = 0x93
	dalyCmdCounts = 0x94
	dalyCmdCells  = 0x95
	dalyCmdTemps  = 0x96

	dalyCurrentOffset = 30000 // 0.1 A
	dalyTempOffset    = 40

	dalyPollInterval = 500 * time.Millisecond
)

// dalyProtocol decodes fixed 13-byte Daly frames. Cells and temperatures
// arrive spread over numbered frames; frame 1 starts a new list.
type dalyProtocol struct {
	acc Accumulator

	voltage, current, soc float64
	capacity              float64
	numCycles             int
	numCells, numTemp     int
	charge, discharge     bool
	cells, temps          []float64
	hasBasic              bool

	last Data
	has  bool
}

// NewDaly returns a Daly decoder.
func NewDaly() Protocol { return &dalyProtocol{} }

func (p *dalyProtocol) Type() Type { return Daly }

func (p *dalyProtocol) Uuids() Uuids {
	return Uuids{Service: bleUUID(0xFFF0), Notify: bleUUID(0xFFF1), Write: bleUUID(0xFFF2)}
}

// dalyCommand builds A5 80 cmd 08 data[8] sum.
func dalyCommand(cmd byte, data []byte) []byte {
	f := make([]byte, dalyFrameLen)
	f[0], f[1], f[2], f[3] = dalyStart, dalyHostAddr, cmd, 0x08
	copy(f[4:12], data)
	f[12] = ets.Checksum(f[:12])
	return f
}

func (p *dalyProtocol) HandshakeCommands() [][]byte { return nil }

func (p *dalyProtocol) PollCommands() [][]byte {
	return [][]byte{
		dalyCommand(dalyCmdBasic, nil),
		dalyCommand(dalyCmdStatus, nil),
		dalyCommand(dalyCmdCounts, nil),
		dalyCommand(dalyCmdCells, nil),
		dalyCommand(dalyCmdTemps, nil),
	}
}

func (p *dalyProtocol) PollInterval() time.Duration { return dalyPollInterval }

func (p *dalyProtocol) LatestData() (Data, bool) { return p.last, p.has }

func (p *dalyProtocol) Reset() {
	p.acc.Reset()
	p.last, p.has = Data{}, false
	p.hasBasic = false
	p.numCells, p.numTemp = 0, 0
	p.cells, p.temps = nil, nil
}

func (p *dalyProtocol) OnNotification(chunk []byte) (frames int) {
	p.acc.Append(chunk)
	for {
		start := bytes.IndexByte(p.acc.Bytes(), dalyStart)
		if start < 0 {
			p.acc.Reset()
			return frames
		}
		p.acc.Consume(start)

		buf := p.acc.Bytes()
		if len(buf) < dalyFrameLen {
			return frames
		}
		if ets.Checksum(buf[:12]) != buf[12] {
			p.acc.Consume(1)
			continue
		}
		p.parse(buf[2], buf[:dalyFrameLen])
		frames++
		p.acc.Consume(dalyFrameLen)
	}
}

func (p *dalyProtocol) parse(cmd byte, frame []byte) {
	const d = 4
	switch cmd {
	case dalyCmdBasic:
		p.voltage = float64(u16BE(frame, d)) / 10
		p.current = float64(u16BE(frame, d+4)-dalyCurrentOffset) / 10
		p.soc = float64(u16BE(frame, d+6)) / 10
		p.hasBasic = true
		p.merge()
	case dalyCmdStatus:
		p.charge = frame[d+1] != 0
		p.discharge = frame[d+2] != 0
		p.numCycles = u8(frame, d+3)
		p.capacity = float64(u32BE(frame, d+4)) / 1000
		p.merge()
	case dalyCmdCounts:
		p.numCells = u8(frame, d)
		p.numTemp = u8(frame, d+1)
		p.merge()
	case dalyCmdCells:
		if u8(frame, d) == 1 {
			p.cells = p.cells[:0]
		}
		for i := 0; i < 3; i++ {
			if mv := u16BE(frame, d+1+2*i); mv >= 1 && mv <= 5000 {
				p.cells = append(p.cells, float64(mv)/1000)
			}
		}
		p.merge()
	case dalyCmdTemps:
		if u8(frame, d) == 1 {
			p.temps = p.temps[:0]
		}
		for i := 0; i < 7; i++ {
			if raw := u8(frame, d+1+i); raw != 0 {
				p.temps = append(p.temps, float64(raw-dalyTempOffset))
			}
		}
		p.merge()
	}
}

// merge publishes once 0x90 has been seen. The snapshot gets its own
// copies of the cell and temperature lists, cut to the counts from 0x94
// when known.
func (p *dalyProtocol) merge() {
	if !p.hasBasic {
		return
	}
	cells, temps := p.cells, p.temps
	if p.numCells > 0 && len(cells) > p.numCells {
		cells = cells[:p.numCells]
	}
	if p.numTemp > 0 && len(temps) > p.numTemp {
		temps = temps[:p.numTemp]
	}
	p.last = Data{
		Voltage:          p.voltage,
		Current:          p.current,
		Power:            p.voltage * p.current,
		SOC:              p.soc,
		Capacity:         p.capacity,
		NumCycles:        p.numCycles,
		CellVoltages:     append([]float64(nil), cells...),
		Temperatures:     append([]float64(nil), temps...),
		ChargeEnabled:    p.charge,
		DischargeEnabled: p.discharge,
		IsConnected:      true,
	}
	p.has = true
}
