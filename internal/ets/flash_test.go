package ets

import "testing"

func TestBuildFlashReadPackets(t *testing.T) {
	packets := BuildFlashReadPackets()
	if len(packets) != ReadBlockCount {
		t.Fatalf("len = %d, want %d", len(packets), ReadBlockCount)
	}
	for i, p := range packets {
		if p[0] != CmdFlashRead || p[1] != 3 {
			t.Fatalf("packet %d header = % X", i, p[:2])
		}
		addr, length := FlashAddress(p)
		if addr != i*ReadBlockSize || length != ReadBlockSize {
			t.Errorf("packet %d addr=%d len=%d, want %d/%d", i, addr, length, i*16, 16)
		}
		if p[5] != Checksum(p[:5]) {
			t.Errorf("packet %d checksum = 0x%02X", i, p[5])
		}
	}
	// Block 16 crosses into the high address byte.
	if p := packets[16]; p[2] != 0x00 || p[4] != 0x01 {
		t.Errorf("block 16 address bytes = %02X %02X, want 00 01", p[2], p[4])
	}
}

func TestParseFlashReadResponse(t *testing.T) {
	var d DataValue
	rx := make([]byte, 16)
	for i := range rx {
		rx[i] = byte(0xA0 + i)
	}
	ParseFlashReadResponse(rx, 3, &d)
	for i := 0; i < 16; i++ {
		if d[48+i] != byte(0xA0+i) {
			t.Fatalf("d[%d] = 0x%02X", 48+i, d[48+i])
		}
	}
	if d[47] != 0 || d[64] != 0 {
		t.Errorf("neighbouring bytes modified")
	}

	ParseFlashReadResponse([]byte{1, 2}, 0, &d)
	if d[0] != 1 || d[1] != 2 || d[2] != 0 {
		t.Errorf("short payload: % X", d[:3])
	}
}

func TestBuildFlashWritePacketsCoverImage(t *testing.T) {
	var d DataValue
	for i := range d {
		d[i] = byte(i * 7)
	}
	packets := BuildFlashWritePackets(&d)
	if len(packets) != WriteChunkCount {
		t.Fatalf("len = %d, want %d", len(packets), WriteChunkCount)
	}

	var rebuilt DataValue
	for i, p := range packets {
		addr, length := FlashAddress(p)
		if i < WriteChunkCount-1 {
			if addr != i*WriteChunkSize || length != WriteChunkSize {
				t.Fatalf("chunk %d addr=%d len=%d", i, addr, length)
			}
		}
		if p[1] != byte(3+length) {
			t.Fatalf("chunk %d declared length %d", i, p[1])
		}
		copy(rebuilt[addr:addr+length], p[5:5+length])
	}
	if rebuilt != d {
		t.Error("write packets do not reproduce the image")
	}

	last := packets[WriteChunkCount-1]
	if last[2] != 0xFB || last[3] != 0x05 || last[4] != 0x01 {
		t.Errorf("tail header = % X, want FB 05 01", last[2:5])
	}
	if len(last) != 2+3+LastChunkSize+1 {
		t.Errorf("tail packet len = %d", len(last))
	}
}

func TestDataValueIdentity(t *testing.T) {
	var d DataValue
	copy(d[:], "KBLS7218")
	d[16], d[17] = 0x01, 0x09
	if got := d.ModuleName(); got != "KBLS7218" {
		t.Errorf("ModuleName() = %q", got)
	}
	if got := d.SoftwareVersion(); got != 265 {
		t.Errorf("SoftwareVersion() = %d, want 265", got)
	}
}
