package ets

import "strconv"

type voltRange struct{ min, max int }

// voltRanges bounds the Low/Over Volt parameters by the controller's
// nominal voltage code (ASCII at DataValue[3..4]).
var voltRanges = map[int]voltRange{
	11: {18, 132},
	12: {18, 136},
	14: {18, 180},
	16: {18, 200},
	24: {8, 35},
	32: {18, 380},
	36: {18, 45},
	48: {18, 62},
	60: {18, 80},
	72: {18, 90},
	84: {18, 105},
	96: {18, 120},
}

// VoltageMin returns the lower bound for a voltage code, 0 if unknown.
func VoltageMin(code int) int { return voltRanges[code].min }

// VoltageMax returns the upper bound for a voltage code, 0 if unknown.
func VoltageMax(code int) int { return voltRanges[code].max }

// VoltageRangeCode80 handles code 80, whose ceiling is 125% of the
// controller voltage word at DataValue[23..24].
func VoltageRangeCode80(controllerVolt int) (min, max int) {
	return 18, controllerVolt * 125 / 100
}

// VoltageRange resolves the (min, max) pair for an ASCII voltage code.
// Non-numeric codes yield (0, 0).
func VoltageRange(code string, controllerVolt int) (min, max int) {
	c, err := strconv.Atoi(code)
	if err != nil {
		return 0, 0
	}
	if c == 80 {
		return VoltageRangeCode80(controllerVolt)
	}
	return VoltageMin(c), VoltageMax(c)
}

// VoltageRangeFor reads the voltage code and controller voltage straight
// from a calibration image.
func VoltageRangeFor(d *DataValue) (min, max int) {
	code := ReadParam(d[:], 3, SizeWord, 1, TypeASCII)
	controllerVolt := int(d[23])<<8 | int(d[24])
	return VoltageRange(code, controllerVolt)
}
