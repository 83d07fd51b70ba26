package ets

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// scriptedLink answers each SendAndReceive from a queue of replies and
// records every request and drain.
type scriptedLink struct {
	replies [][]byte
	errs    []error
	sent    [][]byte
	drains  int
}

func (s *scriptedLink) SendAndReceive(_ context.Context, tx []byte) ([]byte, error) {
	s.sent = append(s.sent, append([]byte(nil), tx...))
	i := len(s.sent) - 1
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return nil, ErrTimeout
}

func (s *scriptedLink) Drain(context.Context) error {
	s.drains++
	return nil
}

func reply(cmd byte, data ...byte) []byte {
	b := append([]byte{cmd, byte(len(data))}, data...)
	return append(b, Checksum(b))
}

type countingObserver struct{ attempts, failures int }

func (o *countingObserver) ObserveExchange(_ byte, _ int, err error) {
	o.attempts++
	if err != nil {
		o.failures++
	}
}

func TestReadVersionRetriesOnce(t *testing.T) {
	link := &scriptedLink{
		replies: [][]byte{{0x00}, reply(CmdCodeVersion, 0x01, 0x09)},
	}
	obs := &countingObserver{}
	e := NewEngine(link, WithObserver(obs))

	p, err := e.ReadVersion(context.Background())
	if err != nil {
		t.Fatalf("ReadVersion() error = %v", err)
	}
	if !bytes.Equal(p.Data, []byte{0x01, 0x09}) {
		t.Errorf("Data = % X", p.Data)
	}
	if len(link.sent) != 2 || link.drains != 2 {
		t.Errorf("sent=%d drains=%d, want 2/2", len(link.sent), link.drains)
	}
	if obs.attempts != 2 || obs.failures != 1 {
		t.Errorf("observer attempts=%d failures=%d", obs.attempts, obs.failures)
	}
}

func TestSendWithRetryReturnsLastError(t *testing.T) {
	link := &scriptedLink{
		replies: [][]byte{reply(CmdFlashRead), {CmdFlashOpen, 0x00, 0x00}},
	}
	e := NewEngine(link)
	_, err := e.OpenFlash(context.Background())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("OpenFlash() error = %v, want last error (checksum mismatch)", err)
	}
	if len(link.sent) != openFlashAttempts {
		t.Errorf("attempts = %d, want %d", len(link.sent), openFlashAttempts)
	}
}

func TestBurnFlashAttemptBudget(t *testing.T) {
	link := &scriptedLink{}
	e := NewEngine(link)
	if _, err := e.BurnFlash(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("BurnFlash() error = %v", err)
	}
	if len(link.sent) != burnFlashAttempts {
		t.Errorf("attempts = %d, want %d", len(link.sent), burnFlashAttempts)
	}
}

func TestSendWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	link := &scriptedLink{}
	if _, err := NewEngine(link).BurnFlash(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("BurnFlash() error = %v, want context.Canceled", err)
	}
	if len(link.sent) != 0 {
		t.Errorf("sent %d packets after cancel", len(link.sent))
	}
}

func TestReadFlashAbortsOnBlockFailure(t *testing.T) {
	link := &scriptedLink{
		replies: [][]byte{reply(CmdFlashRead, make([]byte, 16)...)},
	}
	_, err := NewEngine(link).ReadFlash(context.Background())
	if err == nil {
		t.Fatal("ReadFlash() succeeded")
	}
	// block 0 once, block 1 twice
	if len(link.sent) != 1+readFlashAttempts {
		t.Errorf("sent = %d", len(link.sent))
	}
}

func TestReadFlashAssemblesImage(t *testing.T) {
	var want DataValue
	for i := range want {
		want[i] = byte(i ^ 0x5A)
	}
	link := &scriptedLink{}
	for i := 0; i < ReadBlockCount; i++ {
		link.replies = append(link.replies, reply(CmdFlashRead, want[i*16:(i+1)*16]...))
	}
	var progress int
	e := NewEngine(link, WithProgress(func(op string, done, total int) {
		if op != "read" || total != ReadBlockCount {
			t.Errorf("progress(%q, %d, %d)", op, done, total)
		}
		progress = done
	}))
	got, err := e.ReadFlash(context.Background())
	if err != nil {
		t.Fatalf("ReadFlash() error = %v", err)
	}
	if *got != want {
		t.Error("ReadFlash() image mismatch")
	}
	if progress != ReadBlockCount {
		t.Errorf("last progress = %d", progress)
	}
}

func TestWriteFlashSendsFortyChunks(t *testing.T) {
	link := &scriptedLink{}
	for i := 0; i < WriteChunkCount; i++ {
		link.replies = append(link.replies, reply(CmdFlashWrite))
	}
	var d DataValue
	if err := NewEngine(link).WriteFlash(context.Background(), &d); err != nil {
		t.Fatalf("WriteFlash() error = %v", err)
	}
	if len(link.sent) != WriteChunkCount {
		t.Errorf("sent = %d, want %d", len(link.sent), WriteChunkCount)
	}
}

func TestReadMonitorNoRetry(t *testing.T) {
	link := &scriptedLink{
		replies: [][]byte{reply(CmdUserMonitor1, make([]byte, 16)...)},
	}
	if _, err := NewEngine(link).ReadMonitor(context.Background()); err == nil {
		t.Fatal("ReadMonitor() succeeded")
	}
	if len(link.sent) != 2 {
		t.Errorf("sent = %d, want 2 (no retry of USER_MONITOR2)", len(link.sent))
	}
}

func TestReadMonitorFillsWindows(t *testing.T) {
	link := &scriptedLink{}
	for i, cmd := range MonitorCommands {
		data := bytes.Repeat([]byte{byte(i + 1)}, 16)
		link.replies = append(link.replies, reply(cmd, data...))
	}
	buf, err := NewEngine(link).ReadMonitor(context.Background())
	if err != nil {
		t.Fatalf("ReadMonitor() error = %v", err)
	}
	if len(buf) != MonitorBufferSize || buf[0] != 1 || buf[16] != 2 || buf[47] != 3 {
		t.Errorf("buf = % X", buf)
	}
}

func TestReadPhaseCurrentAD(t *testing.T) {
	link := &scriptedLink{
		replies: [][]byte{reply(CmdGetPhaseIAD, 128, 129, 130, 131, 132, 133, 134, 135, 136, 255)},
	}
	got, err := NewEngine(link).ReadPhaseCurrentAD(context.Background())
	if err != nil {
		t.Fatalf("ReadPhaseCurrentAD() error = %v", err)
	}
	if len(got) != 10 || got[0] != 128 || got[9] != 255 {
		t.Errorf("ReadPhaseCurrentAD() = %v", got)
	}

	short := &scriptedLink{replies: [][]byte{reply(CmdGetPhaseIAD, 1, 2)}}
	if _, err := NewEngine(short).ReadPhaseCurrentAD(context.Background()); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("short response error = %v", err)
	}
}

func TestTransportErrorNotRetried(t *testing.T) {
	link := &scriptedLink{
		errs: []error{&TransportError{Op: "send", Err: errors.New("port closed")}},
	}
	_, err := NewEngine(link).BurnFlash(context.Background())
	if !IsTransportError(err) {
		t.Fatalf("BurnFlash() error = %v, want TransportError", err)
	}
	if len(link.sent) != 1 {
		t.Errorf("attempts = %d, want 1", len(link.sent))
	}
}
