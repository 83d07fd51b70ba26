package bms

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
)

func u8(b []byte, off int) int { return int(b[off]) }

func u16LE(b []byte, off int) int { return int(binary.LittleEndian.Uint16(b[off:])) }

func i16LE(b []byte, off int) int { return int(int16(binary.LittleEndian.Uint16(b[off:]))) }

func u32LE(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

func i32LE(b []byte, off int) int32 { return int32(binary.LittleEndian.Uint32(b[off:])) }

func u16BE(b []byte, off int) int { return int(binary.BigEndian.Uint16(b[off:])) }

func i16BE(b []byte, off int) int { return int(int16(binary.BigEndian.Uint16(b[off:]))) }

func u32BE(b []byte, off int) uint32 { return binary.BigEndian.Uint32(b[off:]) }

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// crc16Modbus is CRC-16/MODBUS (reflected 0xA001, init 0xFFFF).
func crc16Modbus(b []byte) uint16 {
	return crc16.Checksum(b, modbusTable)
}
