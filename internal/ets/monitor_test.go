package ets

import (
	"reflect"
	"testing"
)

func TestDecodeMonitor(t *testing.T) {
	buf := make([]byte, MonitorBufferSize)
	buf[0] = 150
	buf[1] = 50
	buf[9] = 48
	buf[11] = 35
	buf[16], buf[17] = 0x00, 0x06
	buf[18], buf[19] = 0x0B, 0xB8

	md := DecodeMonitor(buf)
	want := map[string]string{
		"TPS Pedel":       "150",
		"Brake Pedel":     "50",
		"B+ Volt":         "48",
		"Controller Temp": "35",
		"Error Status":    "0006",
		"Motor Speed":     "3000",
	}
	for k, v := range want {
		if md.Values[k] != v {
			t.Errorf("Values[%q] = %q, want %q", k, md.Values[k], v)
		}
	}
	if md.ErrorStatus != 6 {
		t.Errorf("ErrorStatus = %d, want 6", md.ErrorStatus)
	}
	if !reflect.DeepEqual(md.ErrorMessages, []string{"Over Volt", "Low Volt"}) {
		t.Errorf("ErrorMessages = %v", md.ErrorMessages)
	}
	if !md.Active {
		t.Error("Active = false")
	}
	if len(md.Values) != len(MonitorParameters) {
		t.Errorf("len(Values) = %d, want %d", len(md.Values), len(MonitorParameters))
	}
}

func TestReadMonitorValuesShortBuffer(t *testing.T) {
	values := ReadMonitorValues(make([]byte, 16))
	if _, ok := values["Error Status"]; ok {
		t.Error("Error Status decoded from a 16-byte buffer")
	}
	if _, ok := values["TPS Pedel"]; !ok {
		t.Error("TPS Pedel missing")
	}
}
