package bms

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
)

func jkFrame(typ byte, fill func(f []byte)) []byte {
	f := make([]byte, jkFrameLen)
	copy(f, jkHeader)
	f[4] = typ
	fill(f)
	f[jkFrameLen-1] = ets.Checksum(f[:jkFrameLen-1])
	return f
}

func jkCellFrame() []byte {
	return jkFrame(jkTypeCells, func(f []byte) {
		for i, mv := range []uint16{3301, 3302, 3299, 3305} {
			binary.LittleEndian.PutUint16(f[6+2*i:], mv)
		}
		binary.LittleEndian.PutUint32(f[118:], 13207)
		amps := int32(-5000)
		binary.LittleEndian.PutUint32(f[126:], uint32(amps))
		binary.LittleEndian.PutUint16(f[130:], 251)
		absent := int16(jkTempAbsent)
		binary.LittleEndian.PutUint16(f[132:], uint16(absent))
		f[141] = 88
		binary.LittleEndian.PutUint32(f[142:], 20000)
		binary.LittleEndian.PutUint32(f[146:], 30000)
		binary.LittleEndian.PutUint32(f[150:], 7)
	})
}

func TestJKCommand(t *testing.T) {
	want := []byte{0xAA, 0x55, 0x90, 0xEB, 0x97, 0x00, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x11}
	if got := jkCommand(0x97, nil); !bytes.Equal(got, want) {
		t.Errorf("jkCommand(0x97) = % X, want % X", got, want)
	}
	p := NewJK(24)
	if n := len(p.HandshakeCommands()); n != 2 {
		t.Errorf("HandshakeCommands() = %d commands, want 2", n)
	}
	if len(p.PollCommands()) != 0 || p.PollInterval() != 0 {
		t.Error("JK should not poll")
	}
}

func TestJKCellFrame(t *testing.T) {
	p := NewJK(24)
	p.OnNotification(jkCellFrame())
	d, ok := p.LatestData()
	if !ok {
		t.Fatal("no data after cell frame")
	}
	if !floatsEqual(d.CellVoltages, []float64{3.301, 3.302, 3.299, 3.305}) {
		t.Errorf("CellVoltages = %v", d.CellVoltages)
	}
	if !approx(d.Voltage, 13.207) || !approx(d.Current, 5.0) || !approx(d.Power, 13.207*5) {
		t.Errorf("V/I/P = %v/%v/%v", d.Voltage, d.Current, d.Power)
	}
	if !floatsEqual(d.Temperatures, []float64{25.1}) {
		t.Errorf("Temperatures = %v, want [25.1]", d.Temperatures)
	}
	if d.SOC != 88 || !approx(d.Charge, 20) || !approx(d.Capacity, 30) || d.NumCycles != 7 {
		t.Errorf("SOC/charge/capacity/cycles = %v/%v/%v/%v", d.SOC, d.Charge, d.Capacity, d.NumCycles)
	}
	if !d.IsConnected {
		t.Error("IsConnected = false")
	}
}

func TestJKFragmentationIndependent(t *testing.T) {
	frame := jkCellFrame()
	whole := NewJK(24)
	whole.OnNotification(frame)
	want, _ := whole.LatestData()

	for _, size := range []int{1, 7, 20, 128} {
		p := NewJK(24)
		for off := 0; off < len(frame); off += size {
			p.OnNotification(frame[off:min(off+size, len(frame))])
		}
		got, ok := p.LatestData()
		if !ok || !floatsEqual(got.CellVoltages, want.CellVoltages) || got.Voltage != want.Voltage {
			t.Errorf("chunk size %d: got %+v, want %+v", size, got, want)
		}
	}
}

func TestJKSettingsLimitCells(t *testing.T) {
	p := NewJK(24)
	p.OnNotification(jkFrame(jkTypeSettings, func(f []byte) {
		f[114] = 2
		f[118] = 1
	}))
	if _, ok := p.LatestData(); ok {
		t.Fatal("settings frame published data")
	}
	p.OnNotification(jkCellFrame())
	d, _ := p.LatestData()
	if len(d.CellVoltages) != 2 {
		t.Errorf("len(CellVoltages) = %d, want 2", len(d.CellVoltages))
	}
	if !d.ChargeEnabled || d.DischargeEnabled {
		t.Errorf("charge/discharge = %v/%v, want true/false", d.ChargeEnabled, d.DischargeEnabled)
	}

	p.Reset()
	p.OnNotification(jkCellFrame())
	d, _ = p.LatestData()
	if len(d.CellVoltages) != 4 {
		t.Errorf("after Reset len(CellVoltages) = %d, want 4", len(d.CellVoltages))
	}
}

func TestJKResync(t *testing.T) {
	bad := jkCellFrame()
	bad[jkFrameLen-1]++
	stream := append([]byte{0x01, 0x02, 0x55}, bad...)
	stream = append(stream, jkCellFrame()...)

	p := NewJK(24)
	p.OnNotification(stream)
	d, ok := p.LatestData()
	if !ok || len(d.CellVoltages) != 4 {
		t.Fatalf("LatestData() = %+v, %v", d, ok)
	}
}

func TestJKKeepsSplitHeader(t *testing.T) {
	frame := jkCellFrame()
	p := NewJK(24)
	p.OnNotification(append([]byte{0x00, 0x00}, frame[:2]...))
	p.OnNotification(frame[2:])
	if _, ok := p.LatestData(); !ok {
		t.Error("header split across notifications was lost")
	}
}
