// Package bms decodes telemetry from Bluetooth LE battery management
// systems (JK, JBD/Xiaoxiang, ANT and Daly) and runs the notify/poll
// conversation with them.
package bms

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type selects a BMS vendor protocol.
type Type int

const (
	None Type = iota
	JK
	JBD
	ANT
	Daly
)

var typeLabels = [...]string{"None", "JK BMS", "JBD BMS", "Ant BMS", "Daly BMS"}
var typeKeys = [...]string{"none", "jk", "jbd", "ant", "daly"}

// Label is the human-readable vendor name.
func (t Type) Label() string {
	if t >= 0 && int(t) < len(typeLabels) {
		return typeLabels[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeKeys) {
		return typeKeys[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType accepts the short key ("jk") or the label ("JK BMS").
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return None, nil
	}
	for i := range typeKeys {
		if strings.EqualFold(s, typeKeys[i]) || strings.EqualFold(s, typeLabels[i]) {
			return Type(i), nil
		}
	}
	return None, fmt.Errorf("unknown bms type %q", s)
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Uuids are the GATT identifiers a vendor uses. Write may equal Notify.
type Uuids struct {
	Service uuid.UUID
	Notify  uuid.UUID
	Write   uuid.UUID
}

// bleUUID expands a 16-bit assigned number onto the Bluetooth base UUID.
func bleUUID(short uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", short))
}

// Data is one merged telemetry snapshot.
type Data struct {
	Voltage          float64   `json:"voltage"`  // V
	Current          float64   `json:"current"`  // A, positive is discharge
	Power            float64   `json:"power"`    // W
	SOC              float64   `json:"soc"`      // %
	Charge           float64   `json:"charge"`   // remaining Ah
	Capacity         float64   `json:"capacity"` // full Ah
	NumCycles        int       `json:"numCycles"`
	CellVoltages     []float64 `json:"cellVoltages"`
	Temperatures     []float64 `json:"temperatures"`
	ChargeEnabled    bool      `json:"chargeEnabled"`
	DischargeEnabled bool      `json:"dischargeEnabled"`
	IsConnected      bool      `json:"isConnected"`
}

// CellSpread returns the max minus min cell voltage, 0 with no cells.
func (d Data) CellSpread() float64 {
	if len(d.CellVoltages) == 0 {
		return 0
	}
	lo, hi := d.CellVoltages[0], d.CellVoltages[0]
	for _, v := range d.CellVoltages[1:] {
		lo, hi = min(lo, v), max(hi, v)
	}
	return hi - lo
}

// Protocol is the per-vendor framing and decoding state machine. A
// Protocol is not safe for concurrent use; the Client feeds it from one
// goroutine.
type Protocol interface {
	Type() Type
	Uuids() Uuids
	// HandshakeCommands are written once after subscribing.
	HandshakeCommands() [][]byte
	// PollCommands are written every cycle; empty for streaming vendors.
	PollCommands() [][]byte
	PollInterval() time.Duration
	// OnNotification appends a chunk, decodes every complete frame and
	// returns how many valid frames it consumed.
	OnNotification(chunk []byte) int
	// LatestData returns the last merged snapshot, if any.
	LatestData() (Data, bool)
	// Reset drops buffered bytes and partial state.
	Reset()
}

// New returns a fresh decoder for t.
func New(t Type) (Protocol, error) {
	switch t {
	case JK:
		return NewJK(defaultJKCells), nil
	case JBD:
		return NewJBD(), nil
	case ANT:
		return NewANT(), nil
	case Daly:
		return NewDaly(), nil
	default:
		return nil, fmt.Errorf("no protocol for bms type %v", t)
	}
}

var namePrefixes = map[Type][]string{
	JK:   {"JK_", "JK-"},
	JBD:  {"xiaoxiang", "JBD", "SP"},
	ANT:  {"ANT"},
	Daly: {"DL-", "Daly"},
}

// ScanNamePrefix returns the advertised-name prefixes for t.
func ScanNamePrefix(t Type) []string {
	return namePrefixes[t]
}

// MatchName reports whether an advertised name looks like a t device.
// Matching is case-insensitive.
func MatchName(t Type, name string) bool {
	for _, p := range namePrefixes[t] {
		if len(name) >= len(p) && strings.EqualFold(name[:len(p)], p) {
			return true
		}
	}
	return false
}
