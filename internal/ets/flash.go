package ets

// Flash geometry for KBLS calibration memory.
//
// Reads move 16 bytes per packet; writes move 13 bytes per packet because
// three of the 16 payload bytes carry the address/length header. The write
// tail is a fixed 5-byte chunk at 507 (39*13), not a computed remainder.
const (
	DataBufferSize  = 512
	ReadBlockSize   = 16
	ReadBlockCount  = 32
	WriteChunkSize  = 13
	WriteChunkCount = 40
	LastChunkSize   = 5
	LastChunkAddr   = 507
)

// DataValue mirrors the controller's 512-byte calibration memory.
type DataValue [DataBufferSize]byte

// ModuleName returns the 8 ASCII characters at offset 0.
func (d *DataValue) ModuleName() string {
	return ReadParam(d[:], 0, SizeWord, 7, TypeASCII)
}

// SoftwareVersion returns the big-endian firmware version word at offset 16.
func (d *DataValue) SoftwareVersion() int {
	return int(d[16])<<8 | int(d[17])
}

// flashHeader encodes the 3-byte address/length prefix shared by flash read
// and write requests: [addr_lo, length, addr_hi].
func flashHeader(addr, length int) []byte {
	return []byte{byte(addr & 0xFF), byte(length), byte((addr >> 8) & 0xFF)}
}

// FlashAddress decodes the address and length from a flash read/write TX
// packet built by this package.
func FlashAddress(tx []byte) (addr, length int) {
	if len(tx) < 5 {
		return 0, 0
	}
	return int(tx[2]) | int(tx[4])<<8, int(tx[3])
}

// BuildFlashReadPackets returns the 32 FLASH_READ requests that together
// cover addresses 0..511.
func BuildFlashReadPackets() [][]byte {
	packets := make([][]byte, 0, ReadBlockCount)
	for i := 0; i < ReadBlockCount; i++ {
		addr := i * ReadBlockSize
		packets = append(packets, MustBuildTxPacket(CmdFlashRead, flashHeader(addr, ReadBlockSize)))
	}
	return packets
}

// ParseFlashReadResponse copies a FLASH_READ response payload into the
// block's 16-byte window of target. Short payloads leave the remainder of
// the window untouched.
func ParseFlashReadResponse(rx []byte, block int, target *DataValue) {
	base := block * ReadBlockSize
	for j := 0; j < ReadBlockSize && j < len(rx); j++ {
		target[base+j] = rx[j]
	}
}

// BuildFlashWritePackets returns the 40 FLASH_WRITE requests for data:
// 39 chunks of 13 bytes at i*13, then 5 bytes at 507.
func BuildFlashWritePackets(data *DataValue) [][]byte {
	packets := make([][]byte, 0, WriteChunkCount)

	for i := 0; i < WriteChunkCount-1; i++ {
		addr := i * WriteChunkSize
		payload := append(flashHeader(addr, WriteChunkSize), data[addr:addr+WriteChunkSize]...)
		packets = append(packets, MustBuildTxPacket(CmdFlashWrite, payload))
	}

	tail := append(flashHeader(LastChunkAddr, LastChunkSize), data[LastChunkAddr:LastChunkAddr+LastChunkSize]...)
	packets = append(packets, MustBuildTxPacket(CmdFlashWrite, tail))

	return packets
}
