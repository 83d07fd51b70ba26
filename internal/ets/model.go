package ets

import "fmt"

// ControllerModel identifies the KBLS firmware line a parameter table
// applies to.
type ControllerModel int

const (
	KBLS0106 ControllerModel = iota + 1 // KLS firmware v262-264
	KBLS0109                            // KLS firmware v265+
)

const (
	minVersion0106 = 262
	minVersion0109 = 265
)

func (m ControllerModel) String() string {
	switch m {
	case KBLS0106:
		return "KBLS_0106"
	case KBLS0109:
		return "KBLS_0109"
	default:
		return fmt.Sprintf("ControllerModel(%d)", int(m))
	}
}

func (m ControllerModel) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ControllerModel) UnmarshalText(b []byte) error {
	switch string(b) {
	case KBLS0106.String():
		*m = KBLS0106
	case KBLS0109.String():
		*m = KBLS0109
	default:
		return fmt.Errorf("unknown controller model %q", b)
	}
	return nil
}

// Detect derives the controller model from the module name stored at
// DataValue[0..7] and the firmware version word at DataValue[16..17].
//
// Only the KBLS (KLS) family is accepted: name[1:4] is "BLS" or "BSS", or
// name[1:3] is "LS".
func Detect(moduleName string, softwareVersion int) (ControllerModel, error) {
	if len(moduleName) < 4 {
		return 0, &UnsupportedControllerError{Reason: fmt.Sprintf("module name too short: %q", moduleName)}
	}

	name3 := moduleName[1:4]
	name2 := moduleName[1:3]
	if name3 != "BLS" && name3 != "BSS" && name2 != "LS" {
		return 0, &UnsupportedControllerError{
			Reason: fmt.Sprintf("controller type %q, only KBLS (KLS) series is supported", moduleName),
		}
	}

	switch {
	case softwareVersion >= minVersion0109:
		return KBLS0109, nil
	case softwareVersion >= minVersion0106:
		return KBLS0106, nil
	default:
		return 0, &UnsupportedControllerError{
			Reason: fmt.Sprintf("firmware version %d, minimum required %d", softwareVersion, minVersion0106),
		}
	}
}
