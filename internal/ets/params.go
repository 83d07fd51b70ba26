package ets

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ParamSize is the storage width of a parameter in the calibration image.
type ParamSize int

const (
	SizeBit  ParamSize = 0 // single bit within a byte
	SizeByte ParamSize = 1 // single byte
	SizeWord ParamSize = 2 // position+1 bytes, big-endian
)

func (s ParamSize) String() string {
	switch s {
	case SizeBit:
		return "BIT"
	case SizeByte:
		return "BYTE"
	case SizeWord:
		return "WORD"
	default:
		return fmt.Sprintf("ParamSize(%d)", int(s))
	}
}

// UnmarshalText accepts BIT/BYTE/WORD (any case).
func (s *ParamSize) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "BIT":
		*s = SizeBit
	case "BYTE":
		*s = SizeByte
	case "WORD":
		*s = SizeWord
	default:
		return fmt.Errorf("unknown param size %q", b)
	}
	return nil
}

func (s ParamSize) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParamType is the display/encoding format of a parameter.
type ParamType int

const (
	TypeUnsigned ParamType = iota // "uo"
	TypeHex                       // "h"
	TypeASCII                     // "a"
	TypeSigned                    // "so"
)

var paramTypeCodes = [...]string{"uo", "h", "a", "so"}

// Code returns the short code used in the controller's parameter tables.
func (t ParamType) Code() string {
	if int(t) < len(paramTypeCodes) {
		return paramTypeCodes[t]
	}
	return ""
}

func (t ParamType) String() string {
	switch t {
	case TypeUnsigned:
		return "UNSIGNED"
	case TypeHex:
		return "HEX"
	case TypeASCII:
		return "ASCII"
	case TypeSigned:
		return "SIGNED"
	default:
		return fmt.Sprintf("ParamType(%d)", int(t))
	}
}

// UnmarshalText accepts either the long name or the short code.
func (t *ParamType) UnmarshalText(b []byte) error {
	v := strings.ToUpper(string(b))
	for i, code := range paramTypeCodes {
		if strings.EqualFold(code, v) || ParamType(i).String() == v {
			*t = ParamType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown param type %q", b)
}

func (t ParamType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// SafetyLevel says how risky it is to change a parameter.
type SafetyLevel int

const (
	ReadOnly SafetyLevel = iota
	Safe
	Caution
	Dangerous
)

var safetyNames = [...]string{"READ_ONLY", "SAFE", "CAUTION", "DANGEROUS"}

func (l SafetyLevel) String() string {
	if int(l) < len(safetyNames) {
		return safetyNames[l]
	}
	return fmt.Sprintf("SafetyLevel(%d)", int(l))
}

func (l *SafetyLevel) UnmarshalText(b []byte) error {
	for i, n := range safetyNames {
		if strings.EqualFold(n, string(b)) {
			*l = SafetyLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown safety level %q", b)
}

func (l SafetyLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// ParamCategory groups parameters for presentation.
type ParamCategory int

const (
	CategoryGeneral ParamCategory = iota
	CategoryProtection
	CategoryThrottle
	CategoryBraking
	CategorySpeed
	CategoryMotor
	CategoryPIDTuning
	CategoryAdvanced
)

var categoryNames = [...]string{"GENERAL", "PROTECTION", "THROTTLE", "BRAKING", "SPEED", "MOTOR", "PID_TUNING", "ADVANCED"}

func (c ParamCategory) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("ParamCategory(%d)", int(c))
}

func (c *ParamCategory) UnmarshalText(b []byte) error {
	for i, n := range categoryNames {
		if strings.EqualFold(n, string(b)) {
			*c = ParamCategory(i)
			return nil
		}
	}
	return fmt.Errorf("unknown param category %q", b)
}

func (c ParamCategory) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ParameterDef locates and describes one calibration field.
type ParameterDef struct {
	Offset   int           `toml:"offset" json:"offset"`
	Size     ParamSize     `toml:"size" json:"size"`
	Position int           `toml:"position" json:"position"`
	Type     ParamType     `toml:"type" json:"type"`
	Name     string        `toml:"name" json:"name"`
	Safety   SafetyLevel   `toml:"safety" json:"safety"`
	Category ParamCategory `toml:"category" json:"category"`
	Visible  bool          `toml:"visible" json:"visible"`
	Editable bool          `toml:"editable" json:"editable"`
}

// span returns how many bytes a field occupies.
func span(size ParamSize, position int) int {
	if size == SizeWord {
		return position + 1
	}
	return 1
}

func inBounds(buf []byte, offset int, size ParamSize, position int) bool {
	if offset < 0 || position < 0 {
		return false
	}
	if size == SizeBit && position > 7 {
		return false
	}
	return offset+span(size, position) <= len(buf)
}

// ReadParam renders the field at offset as a string. Out-of-range fields
// read as "".
//
// For HEX and ASCII the field spans position+1 bytes when size is WORD and a
// single byte otherwise.
func ReadParam(buf []byte, offset int, size ParamSize, position int, typ ParamType) string {
	if !inBounds(buf, offset, size, position) {
		return ""
	}
	field := buf[offset : offset+span(size, position)]

	switch typ {
	case TypeUnsigned:
		switch size {
		case SizeBit:
			return strconv.Itoa(int(field[0]>>position) & 1)
		case SizeByte:
			return strconv.Itoa(int(field[0]))
		default:
			var v uint64
			for _, b := range field {
				v = v<<8 | uint64(b)
			}
			return strconv.FormatUint(v, 10)
		}
	case TypeHex:
		return hex.EncodeToString(field)
	case TypeASCII:
		var sb strings.Builder
		for _, b := range field {
			sb.WriteRune(rune(b))
		}
		return sb.String()
	case TypeSigned:
		return strconv.Itoa(int(int8(field[0])))
	}
	return ""
}

// WriteParam stores value into the field at offset.
//
// BIT, HEX and ASCII reject bad input by returning false with a nil error.
// BYTE, WORD and SIGNED return the strconv parse error instead, so callers
// must check both. The buffer is never modified on failure.
func WriteParam(buf []byte, offset int, size ParamSize, position int, typ ParamType, value string) (bool, error) {
	if !inBounds(buf, offset, size, position) {
		return false, nil
	}
	n := span(size, position)

	switch typ {
	case TypeUnsigned:
		switch size {
		case SizeBit:
			switch value {
			case "1":
				buf[offset] |= 1 << position
			case "0":
				buf[offset] &^= 1 << position
			default:
				return false, nil
			}
			return true, nil
		case SizeByte:
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return false, err
			}
			buf[offset] = byte(v)
			return true, nil
		default:
			bits := 8 * n
			if bits > 64 {
				bits = 64
			}
			v, err := strconv.ParseUint(value, 10, bits)
			if err != nil {
				return false, err
			}
			for i := n - 1; i >= 0; i-- {
				buf[offset+i] = byte(v)
				v >>= 8
			}
			return true, nil
		}
	case TypeHex:
		if len(value) != n*2 {
			return false, nil
		}
		decoded, err := hex.DecodeString(value)
		if err != nil {
			return false, nil
		}
		copy(buf[offset:], decoded)
		return true, nil
	case TypeASCII:
		// one Latin-1 character per byte, matching ReadParam
		if utf8.RuneCountInString(value) != n {
			return false, nil
		}
		field := make([]byte, 0, n)
		for _, r := range value {
			if r > 0xFF {
				return false, nil
			}
			field = append(field, byte(r))
		}
		copy(buf[offset:], field)
		return true, nil
	case TypeSigned:
		v, err := strconv.ParseInt(value, 10, 8)
		if err != nil {
			return false, err
		}
		buf[offset] = byte(int8(v))
		return true, nil
	}
	return false, nil
}

// Read is ReadParam for a definition.
func (p ParameterDef) Read(buf []byte) string {
	return ReadParam(buf, p.Offset, p.Size, p.Position, p.Type)
}

// Write is WriteParam for a definition. Read-only or non-editable
// definitions are refused with false.
func (p ParameterDef) Write(buf []byte, value string) (bool, error) {
	if !p.Editable || p.Safety == ReadOnly {
		return false, nil
	}
	return WriteParam(buf, p.Offset, p.Size, p.Position, p.Type, value)
}
