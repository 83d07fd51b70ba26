package server

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxSampleGap is the longest pause between power samples that is still
// integrated. Longer gaps (BMS reconnects) restart the integration.
const maxSampleGap = 5 * time.Second

// EnergyData is the energy counter info sent to clients.
type EnergyData struct {
	Total float64 `json:"total"` // Wh
	Trip  float64 `json:"trip"`  // Wh (resettable)
}

// EnergyMeter integrates pack power into persistent watt-hour counters.
// Discharge counts up, regen counts down.
type EnergyMeter struct {
	mu    sync.Mutex
	total float64
	trip  float64
	last  time.Time
	path  string
}

// NewEnergyMeter loads saved counters from path, starting at zero when
// the file is missing.
func NewEnergyMeter(path string) *EnergyMeter {
	e := &EnergyMeter{path: path}
	e.load()
	return e
}

// Add integrates powerW from the previous sample up to at.
func (e *EnergyMeter) Add(powerW float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last.IsZero() {
		e.last = at
		return
	}
	dt := at.Sub(e.last)
	e.last = at
	if dt <= 0 || dt > maxSampleGap {
		return
	}
	wh := powerW * dt.Hours()
	e.total += wh
	e.trip += wh
}

// Pause forgets the last sample so the next Add starts fresh.
func (e *EnergyMeter) Pause() {
	e.mu.Lock()
	e.last = time.Time{}
	e.mu.Unlock()
}

// Data returns the counters rounded to 0.1 Wh.
func (e *EnergyMeter) Data() EnergyData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EnergyData{
		Total: math.Round(e.total*10) / 10,
		Trip:  math.Round(e.trip*10) / 10,
	}
}

// ResetTrip zeroes the trip counter.
func (e *EnergyMeter) ResetTrip() {
	e.mu.Lock()
	e.trip = 0
	e.mu.Unlock()
}

func (e *EnergyMeter) load() {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return
	}
	parts := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(parts) >= 1 {
		if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
			e.total = v
		}
	}
	if len(parts) >= 2 {
		if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
			e.trip = v
		}
	}
}

// Save persists the counters.
func (e *EnergyMeter) Save() error {
	e.mu.Lock()
	total, trip := e.total, e.trip
	e.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return err
	}
	data := fmt.Sprintf("%.6f\n%.6f\n", total, trip)
	return os.WriteFile(e.path, []byte(data), 0644)
}
