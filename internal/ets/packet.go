package ets

import "fmt"

const (
	// MaxDataLength is the largest payload an ETS frame can carry.
	MaxDataLength = 16
	// MaxPacketSize is cmd(1) + len(1) + data(16) + checksum(1).
	MaxPacketSize = MaxDataLength + 3
)

// Packet is a parsed ETS frame:
//
//	[command] [length] [data 0..16] [checksum]
type Packet struct {
	Command    byte
	DataLength int
	Data       []byte
	Checksum   byte
}

// Checksum returns the ETS checksum of b: the byte sum truncated to 8 bits.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// BuildTxPacket frames a command and its payload for transmission.
//
// A zero-length packet carries the command byte itself as checksum; the
// firmware's sendcmd() has always done this and the controller expects it.
func BuildTxPacket(command byte, data []byte) ([]byte, error) {
	if len(data) > MaxDataLength {
		return nil, fmt.Errorf("%w: got %d", ErrDataTooLong, len(data))
	}

	packet := make([]byte, len(data)+3)
	packet[0] = command
	packet[1] = byte(len(data))

	if len(data) == 0 {
		packet[2] = command
		return packet, nil
	}

	copy(packet[2:], data)
	packet[len(data)+2] = Checksum(packet[:len(data)+2])
	return packet, nil
}

// MustBuildTxPacket is BuildTxPacket for payloads whose length is fixed by
// the caller. It panics on an oversize payload, which is a programming error.
func MustBuildTxPacket(command byte, data []byte) []byte {
	p, err := BuildTxPacket(command, data)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseRxPacket splits a raw frame into its fields without validating it.
// The declared length is clamped to MaxDataLength.
func ParseRxPacket(raw []byte) (Packet, error) {
	if len(raw) < 3 {
		return Packet{}, &ProtocolError{
			Op:     "parse",
			Err:    ErrMalformedPacket,
			Detail: fmt.Sprintf("packet too short: %d bytes", len(raw)),
		}
	}

	command := raw[0]
	length := int(raw[1])
	if length > MaxDataLength {
		length = MaxDataLength
	}

	if len(raw) < length+3 {
		return Packet{}, &ProtocolError{
			Op:     "parse",
			Err:    ErrMalformedPacket,
			Detail: fmt.Sprintf("packet incomplete: expected %d, got %d", length+3, len(raw)),
		}
	}

	data := make([]byte, length)
	copy(data, raw[2:2+length])

	return Packet{
		Command:    command,
		DataLength: length,
		Data:       data,
		Checksum:   raw[length+2],
	}, nil
}

// ParseRxResponse parses raw and checks that it answers expected with a
// valid checksum.
func ParseRxResponse(raw []byte, expected byte) (Packet, error) {
	p, err := ParseRxPacket(raw)
	if err != nil {
		if pe, ok := err.(*ProtocolError); ok {
			pe.Op = CommandName(expected)
		}
		return Packet{}, err
	}

	if p.Command != expected {
		return Packet{}, &ProtocolError{
			Op:     CommandName(expected),
			Err:    ErrCommandMismatch,
			Detail: fmt.Sprintf("expected 0x%02X, got 0x%02X", expected, p.Command),
		}
	}

	want := Checksum(raw[:p.DataLength+2])
	if want != p.Checksum {
		return Packet{}, &ProtocolError{
			Op:     CommandName(expected),
			Err:    ErrChecksumMismatch,
			Detail: fmt.Sprintf("expected 0x%02X, got 0x%02X", want, p.Checksum),
		}
	}

	return p, nil
}
