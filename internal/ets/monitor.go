package ets

import "strconv"

// MonitorBufferSize is three 16-byte user-monitor responses back to back.
const MonitorBufferSize = 48

// MonitorCommands are polled in order; response i fills bytes i*16..i*16+15.
var MonitorCommands = [3]byte{CmdUserMonitor1, CmdUserMonitor2, CmdUserMonitor3}

// MonitorParam describes one live value inside the monitor buffer.
type MonitorParam struct {
	Offset   int
	Size     ParamSize
	Position int
	Type     ParamType
	Name     string
	Min      int
	Max      int
	Tips     string
}

const errorStatusName = "Error Status"

// MonitorParameters lists the values shown while monitoring.
var MonitorParameters = []MonitorParam{
	{16, SizeWord, 1, TypeHex, errorStatusName, 0, 65535, "Error status bitmask"},
	{0, SizeByte, 0, TypeUnsigned, "TPS Pedel", 0, 255, "Throttle AD, 0-255 = 0-5V"},
	{1, SizeByte, 0, TypeUnsigned, "Brake Pedel", 0, 255, "Brake AD, 0-255 = 0-5V"},
	{2, SizeByte, 0, TypeUnsigned, "Brake Switch", 0, 2, "Brake switch status"},
	{3, SizeByte, 0, TypeUnsigned, "Foot Switch", 0, 2, "Throttle safety switch"},
	{4, SizeByte, 0, TypeUnsigned, "Forward Switch", 0, 2, "Forward switch status"},
	{5, SizeByte, 0, TypeUnsigned, "Reversed", 0, 2, "Reverse switch status"},
	{6, SizeByte, 0, TypeUnsigned, "Hall A", 0, 2, "Hall sensor A"},
	{7, SizeByte, 0, TypeUnsigned, "Hall B", 0, 2, "Hall sensor B"},
	{8, SizeByte, 0, TypeUnsigned, "Hall C", 0, 2, "Hall sensor C"},
	{9, SizeByte, 0, TypeUnsigned, "B+ Volt", 0, 200, "Battery voltage"},
	{10, SizeByte, 0, TypeUnsigned, "Motor Temp", 0, 150, "Motor temperature C"},
	{11, SizeByte, 0, TypeUnsigned, "Controller Temp", 0, 150, "Controller temperature C"},
	{12, SizeByte, 0, TypeUnsigned, "Setting Dir", 0, 2, "Set direction: 0=forward, 1=reverse"},
	{13, SizeByte, 0, TypeUnsigned, "Actual Dir", 0, 2, "Actual direction: 0=forward, 1=reverse"},
	{14, SizeByte, 0, TypeUnsigned, "Brake Switch2", 0, 2, "Brake switch 2 status"},
	{15, SizeByte, 0, TypeUnsigned, "Low Speed", 0, 2, "Low speed status"},
	{18, SizeWord, 1, TypeUnsigned, "Motor Speed", 0, 10000, "Motor speed RPM"},
	{20, SizeWord, 1, TypeUnsigned, "Phase Current", 0, 800, "Phase current RMS"},
}

// MonitorData is one decoded poll cycle plus the loop's health.
type MonitorData struct {
	Values        map[string]string `json:"values"`
	ErrorStatus   int               `json:"errorStatus"`
	ErrorMessages []string          `json:"errorMessages"`
	Active        bool              `json:"active"`
	CommError     string            `json:"commError,omitempty"`
}

// ReadMonitorValues decodes every parameter that fits in buf.
func ReadMonitorValues(buf []byte) map[string]string {
	values := make(map[string]string, len(MonitorParameters))
	for _, p := range MonitorParameters {
		if p.Offset+span(p.Size, p.Position) > len(buf) {
			continue
		}
		values[p.Name] = ReadParam(buf, p.Offset, p.Size, p.Position, p.Type)
	}
	return values
}

// DecodeMonitor turns a monitor buffer into MonitorData with the error
// bitmask expanded.
func DecodeMonitor(buf []byte) MonitorData {
	values := ReadMonitorValues(buf)
	code := 0
	if v, ok := values[errorStatusName]; ok {
		if n, err := strconv.ParseInt(v, 16, 32); err == nil {
			code = int(n)
		}
	}
	return MonitorData{
		Values:        values,
		ErrorStatus:   code,
		ErrorMessages: DecodeErrors(code),
		Active:        true,
	}
}
