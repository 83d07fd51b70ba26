package controller

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
)

var (
	// ErrUnknownParameter is returned for names missing from the model's table.
	ErrUnknownParameter = errors.New("unknown parameter")
	// ErrParameterRejected means the codec refused the value or the
	// parameter is not writable.
	ErrParameterRejected = errors.New("parameter value rejected")
	// ErrOutOfRange is returned when a voltage limit falls outside the
	// range allowed for the controller's voltage class.
	ErrOutOfRange = errors.New("parameter value out of range")
)

// Calibration is an editable copy of a controller's calibration image.
type Calibration struct {
	Model      ets.ControllerModel
	Data       ets.DataValue
	Parameters []ets.ParameterDef
}

// NewCalibration pairs data with the parameter table for model.
func NewCalibration(model ets.ControllerModel, data ets.DataValue) (*Calibration, error) {
	defs, err := ets.Definitions(model)
	if err != nil {
		return nil, err
	}
	return &Calibration{Model: model, Data: data, Parameters: defs}, nil
}

func (c *Calibration) lookup(name string) (ets.ParameterDef, error) {
	p, ok := ets.FindParameter(c.Parameters, name)
	if !ok {
		return ets.ParameterDef{}, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	return p, nil
}

// Get returns the display string for a named parameter.
func (c *Calibration) Get(name string) (string, error) {
	p, err := c.lookup(name)
	if err != nil {
		return "", err
	}
	return p.Read(c.Data[:]), nil
}

// voltageLimited names the parameters bounded by the voltage class.
var voltageLimited = map[string]bool{"Low Volt": true, "Over Volt": true}

// Set encodes value into the named parameter. The image is unchanged on
// any error.
func (c *Calibration) Set(name, value string) error {
	p, err := c.lookup(name)
	if err != nil {
		return err
	}
	if voltageLimited[name] {
		if err := c.checkVoltage(name, value); err != nil {
			return err
		}
	}
	ok, err := p.Write(c.Data[:], value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s = %q", ErrParameterRejected, name, value)
	}
	return nil
}

func (c *Calibration) checkVoltage(name, value string) error {
	lo, hi := ets.VoltageRangeFor(&c.Data)
	if lo == 0 && hi == 0 {
		return nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if v < lo || v > hi {
		return fmt.Errorf("%w: %s = %d, allowed %d..%d", ErrOutOfRange, name, v, lo, hi)
	}
	return nil
}

// Apply sets several parameters in name order, stopping at the first
// failure. Edits before the failure stay applied.
func (c *Calibration) Apply(edits map[string]string) error {
	names := make([]string, 0, len(edits))
	for n := range edits {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := c.Set(n, edits[n]); err != nil {
			return err
		}
	}
	return nil
}

// Values renders every visible parameter.
func (c *Calibration) Values() map[string]string {
	out := make(map[string]string, len(c.Parameters))
	for _, p := range c.Parameters {
		if p.Visible {
			out[p.Name] = p.Read(c.Data[:])
		}
	}
	return out
}

// Page returns the visible parameters on page.
func (c *Calibration) Page(page int) []ets.ParameterDef {
	return ets.ParametersForPage(c.Parameters, page)
}
