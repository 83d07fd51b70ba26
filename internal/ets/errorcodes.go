package ets

import "strings"

// ErrorNames maps error-status bit positions to their labels. Unused bits
// are literally "Reserved" so positions stay stable for consumers that index
// by bit.
var ErrorNames = [16]string{
	"Identify Err",       // bit 0
	"Over Volt",          // bit 1
	"Low Volt",           // bit 2
	"Reserved",           // bit 3
	"Locking",            // bit 4
	"V+ Err",             // bit 5
	"Overtemp",           // bit 6
	"High Pedel",         // bit 7
	"Reserved",           // bit 8
	"Reset Error",        // bit 9
	"Pedel Error",        // bit 10
	"Hall Sensor Error",  // bit 11
	"Reserved",           // bit 12
	"Emergency Rev Err",  // bit 13
	"Motor OverTemp Err", // bit 14
	"Current Meter Err",  // bit 15
}

// DecodeErrors lists the names of the set bits in ascending bit order.
// Codes outside 1..65535 decode to nothing.
func DecodeErrors(code int) []string {
	if code <= 0 || code > 0xFFFF {
		return []string{}
	}
	errs := make([]string, 0, 4)
	for bit := 0; bit < 16; bit++ {
		if (code>>bit)&1 == 1 {
			errs = append(errs, ErrorNames[bit])
		}
	}
	return errs
}

// DecodeErrorsString joins DecodeErrors with commas.
func DecodeErrorsString(code int) string {
	return strings.Join(DecodeErrors(code), ",")
}
