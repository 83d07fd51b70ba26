package controller

import (
	"errors"
	"strconv"
	"testing"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
)

func testCalibration(t *testing.T) *Calibration {
	t.Helper()
	var d ets.DataValue
	copy(d[:], "KLS7218S")
	d[16], d[17] = 0x01, 0x09
	d[23], d[24] = 0, 72
	d[25], d[26] = 0, 40
	d[37] = 80
	c, err := NewCalibration(ets.KBLS0109, d)
	if err != nil {
		t.Fatalf("NewCalibration() error = %v", err)
	}
	return c
}

func TestCalibrationGetSet(t *testing.T) {
	c := testCalibration(t)
	if v, err := c.Get("Motor Current%"); err != nil || v != "80" {
		t.Fatalf("Get() = %q, %v", v, err)
	}
	if err := c.Set("Motor Current%", "90"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if c.Data[37] != 90 {
		t.Errorf("Data[37] = %d", c.Data[37])
	}
}

func TestCalibrationSetErrors(t *testing.T) {
	tests := []struct {
		name, param, value string
		want               error
	}{
		{"unknown", "Warp Drive", "1", ErrUnknownParameter},
		{"read only", "Module Name", "ABCDEFGH", ErrParameterRejected},
		{"bit not binary", "Cruise", "7", ErrParameterRejected},
		{"below voltage class", "Low Volt", "10", ErrOutOfRange},
		{"above voltage class", "Over Volt", "91", ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCalibration(t)
			before := c.Data
			if err := c.Set(tt.param, tt.value); !errors.Is(err, tt.want) {
				t.Errorf("Set(%q, %q) error = %v, want %v", tt.param, tt.value, err, tt.want)
			}
			if c.Data != before {
				t.Error("image modified on failure")
			}
		})
	}
}

func TestCalibrationSetParseError(t *testing.T) {
	c := testCalibration(t)
	var ne *strconv.NumError
	if err := c.Set("Motor Current%", "300"); !errors.As(err, &ne) {
		t.Errorf("Set(300) error = %v, want *strconv.NumError", err)
	}
}

func TestCalibrationVoltageInRange(t *testing.T) {
	c := testCalibration(t)
	if err := c.Set("Over Volt", "90"); err != nil {
		t.Fatalf("Set(Over Volt, 90) error = %v", err)
	}
	if v, _ := c.Get("Over Volt"); v != "90" {
		t.Errorf("Over Volt = %q", v)
	}
}

func TestCalibrationApplyAndPages(t *testing.T) {
	c := testCalibration(t)
	err := c.Apply(map[string]string{"TPS Dead Low": "12", "TPS Dead High": "180"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	vals := c.Values()
	if vals["TPS Dead Low"] != "12" || vals["TPS Dead High"] != "180" {
		t.Errorf("Values() = %v", vals)
	}
	if len(c.Page(0)) == 0 || len(c.Page(2)) == 0 {
		t.Error("expected parameters on pages 0 and 2")
	}
	for _, p := range c.Page(1) {
		if p.Offset < 128 || p.Offset >= 256 {
			t.Errorf("page 1 contains offset %d", p.Offset)
		}
	}
}
