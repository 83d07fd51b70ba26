package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaunagostinho/kelly-dash/internal/ets"
)

func connectedMock(t *testing.T) *Mock {
	t.Helper()
	m := NewMock()
	if err := m.Connect(context.Background(), "demo"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return m
}

func TestMockCodeVersion(t *testing.T) {
	m := connectedMock(t)
	x := Exchanger(m, 0, 0)
	rx, err := x.SendAndReceive(context.Background(), ets.MustBuildTxPacket(ets.CmdCodeVersion, nil))
	if err != nil {
		t.Fatalf("SendAndReceive() error = %v", err)
	}
	p, err := ets.ParseRxResponse(rx, ets.CmdCodeVersion)
	if err != nil {
		t.Fatalf("ParseRxResponse() error = %v", err)
	}
	if !bytes.Equal(p.Data, []byte{0x01, 0x09}) {
		t.Errorf("version = % X", p.Data)
	}
}

func TestMockFlashRoundTrip(t *testing.T) {
	m := connectedMock(t)
	e := ets.NewEngine(Exchanger(m, 0, 50*time.Millisecond))
	ctx := context.Background()

	if _, err := e.OpenFlash(ctx); err != nil {
		t.Fatalf("OpenFlash() error = %v", err)
	}
	img, err := e.ReadFlash(ctx)
	if err != nil {
		t.Fatalf("ReadFlash() error = %v", err)
	}
	if img.ModuleName() != "KBLS721S" || img.SoftwareVersion() != 265 {
		t.Fatalf("image identity = %q v%d", img.ModuleName(), img.SoftwareVersion())
	}
	if img[37] != 80 || img[319] != 130 {
		t.Errorf("img[37]=%d img[319]=%d", img[37], img[319])
	}

	img[96] = 15
	img[511] = 0xAA
	if err := e.WriteFlash(ctx, img); err != nil {
		t.Fatalf("WriteFlash() error = %v", err)
	}
	if _, err := e.BurnFlash(ctx); err != nil {
		t.Fatalf("BurnFlash() error = %v", err)
	}
	if got := m.Flash(); got != *img {
		t.Error("mock flash differs from written image")
	}
}

func TestMockMonitor(t *testing.T) {
	m := connectedMock(t)
	m.SetErrorStatus(0x0006)
	buf, err := ets.NewEngine(Exchanger(m, 0, 0)).ReadMonitor(context.Background())
	if err != nil {
		t.Fatalf("ReadMonitor() error = %v", err)
	}
	md := ets.DecodeMonitor(buf)
	if md.Values["B+ Volt"] != "48" {
		t.Errorf("B+ Volt = %q", md.Values["B+ Volt"])
	}
	if md.ErrorStatus != 6 {
		t.Errorf("ErrorStatus = %d", md.ErrorStatus)
	}
}

func TestMockOfflineTimesOut(t *testing.T) {
	m := connectedMock(t)
	m.SetOffline(true)
	x := Exchanger(m, 0, 5*time.Millisecond)
	_, err := x.SendAndReceive(context.Background(), ets.MustBuildTxPacket(ets.CmdCodeVersion, nil))
	if !errors.Is(err, ets.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestMockDrainDropsStaleResponse(t *testing.T) {
	m := connectedMock(t)
	ctx := context.Background()
	if err := m.Send(ctx, ets.MustBuildTxPacket(ets.CmdCodeVersion, nil)); err != nil {
		t.Fatal(err)
	}
	if err := m.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Receive(ctx, DefaultExpected, 5*time.Millisecond); !errors.Is(err, ets.ErrTimeout) {
		t.Errorf("Receive() after Drain error = %v, want ErrTimeout", err)
	}
}

func TestMockNotConnected(t *testing.T) {
	m := NewMock()
	err := m.Send(context.Background(), []byte{0x11, 0x00, 0x11})
	if !ets.IsTransportError(err) || !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want TransportError(ErrNotConnected)", err)
	}
}

func TestSerialNotConnected(t *testing.T) {
	s := NewSerial(SerialConfig{})
	if s.IsConnected() {
		t.Fatal("IsConnected() = true")
	}
	if _, err := s.Receive(context.Background(), 19, time.Millisecond); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Receive() error = %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
}
