package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/kelly-dash/internal/bms"
	"github.com/shaunagostinho/kelly-dash/internal/controller"
	"github.com/shaunagostinho/kelly-dash/internal/ets"
	"github.com/shaunagostinho/kelly-dash/internal/metrics"
	"github.com/shaunagostinho/kelly-dash/internal/transport"
)

type fixture struct {
	srv     *Server
	cfg     *Config
	mock    *transport.Mock
	session *controller.Session
	bms     *bms.Client
}

func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.BMS.ScanTimeoutMs = 100

	m := metrics.New()
	mock := transport.NewMock()
	sess := controller.NewSession(mock, controller.Options{
		ReceiveTimeout: 20 * time.Millisecond,
		SettleDelay:    5 * time.Millisecond,
		PollDelay:      time.Millisecond,
		Observer:       m,
	})
	bopts := bms.DefaultClientOptions()
	bopts.SettleDelay, bopts.HandshakeGap, bopts.CommandGap = time.Millisecond, time.Millisecond, time.Millisecond
	bopts.Observer = m
	client := bms.NewClient(bms.DialDemo, bopts)

	web := fstest.MapFS{"index.html": {Data: []byte("<html>kelly</html>")}}
	s := New(cfg, sess, client, m, web)

	if connect {
		if err := sess.Connect(context.Background(), "demo"); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	}
	t.Cleanup(func() {
		client.Disconnect()
		sess.Disconnect()
	})
	return &fixture{srv: s, cfg: cfg, mock: mock, session: sess, bms: client}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStaticFiles(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, "GET", "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "kelly") {
		t.Errorf("GET / = %d %q", rec.Code, rec.Body.String())
	}
}

func TestConfigGetAndMerge(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, "GET", "/api/config", "")
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("GET /api/config body: %v", err)
	}
	if c := got["controller"].(map[string]any); c["type"] != "demo" {
		t.Errorf("controller.type = %v", c["type"])
	}

	rec = f.do(t, "POST", "/api/config", `{"bms":{"type":"jbd","address":"demo"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/config = %d %s", rec.Code, rec.Body.String())
	}
	b := f.cfg.BMSSettings()
	if b.Type != bms.JBD || b.Address != "demo" || b.ScanTimeoutMs != 100 {
		t.Errorf("BMS config after merge = %+v", b)
	}
	if f.cfg.ControllerSettings().BaudRate != 19200 {
		t.Error("merge dropped controller settings")
	}
	if LoadConfig(f.cfg.Path()).BMSSettings().Type != bms.JBD {
		t.Error("config not saved")
	}

	if rec := f.do(t, "DELETE", "/api/config", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /api/config = %d", rec.Code)
	}
}

func TestCalibrationRequiresConnection(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, "GET", "/api/calibration", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /api/calibration = %d, want 503", rec.Code)
	}
}

func TestCalibrationReadAndWrite(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, "GET", "/api/calibration", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/calibration = %d %s", rec.Code, rec.Body.String())
	}
	var view CalibrationView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.ModuleName != "KBLS721S" || view.Model != ets.KBLS0109 {
		t.Errorf("view = %s %v", view.ModuleName, view.Model)
	}
	var low string
	for _, p := range view.Parameters {
		if p.Name == "Low Volt" {
			low = p.Value
		}
	}
	if low != "36" {
		t.Errorf("Low Volt = %q, want 36", low)
	}

	rec = f.do(t, "POST", "/api/calibration", `{"Low Volt": 40, "Motor Current%": "75"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/calibration = %d %s", rec.Code, rec.Body.String())
	}
	flash := f.mock.Flash()
	if flash[26] != 40 || flash[37] != 75 {
		t.Errorf("flash[26], flash[37] = %d, %d; want 40, 75", flash[26], flash[37])
	}

	rec = f.do(t, "POST", "/api/calibration", `{"No Such Thing": "1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown parameter = %d, want 400", rec.Code)
	}
	rec = f.do(t, "POST", "/api/calibration", `{"Low Volt": true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bool value = %d, want 400", rec.Code)
	}
}

func TestPhaseZero(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, "POST", "/api/phase-zero", "")
	var body struct{ Values []int }
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body.Values) != 10 {
		t.Errorf("POST /api/phase-zero = %d %s", rec.Code, rec.Body.String())
	}
}

func TestMonitorToggle(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, "POST", "/api/monitor", `{"enabled":false}`)
	if rec.Code != http.StatusOK || f.session.Monitoring() {
		t.Errorf("stop monitor = %d, monitoring %v", rec.Code, f.session.Monitoring())
	}
	rec = f.do(t, "POST", "/api/monitor", `{"enabled":true}`)
	if rec.Code != http.StatusOK || !f.session.Monitoring() {
		t.Errorf("start monitor = %d, monitoring %v", rec.Code, f.session.Monitoring())
	}
}

func TestBMSConnectAndState(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, "POST", "/api/bms/connect", `{"type":"jbd","address":"demo"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/bms/connect = %d %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.bms.Snapshot().Data.CellVoltages) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rec = f.do(t, "GET", "/api/state", "")
	var frame Frame
	if err := json.Unmarshal(rec.Body.Bytes(), &frame); err != nil {
		t.Fatal(err)
	}
	if frame.BMS == nil || len(frame.BMS.Data.CellVoltages) != 16 {
		t.Fatalf("state frame BMS = %+v", frame.BMS)
	}

	rec = f.do(t, "POST", "/api/bms/disconnect", "")
	if rec.Code != http.StatusOK || f.bms.Snapshot().Connected {
		t.Errorf("disconnect = %d", rec.Code)
	}

	rec = f.do(t, "POST", "/api/bms/connect", `{"type":"none","address":"demo"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("connect none = %d, want 503", rec.Code)
	}
}

func TestBMSScan(t *testing.T) {
	f := newFixture(t, false)
	f.srv.SetScanner(func(ctx context.Context, typ bms.Type) ([]bms.Device, error) {
		if _, ok := ctx.Deadline(); !ok {
			return nil, errors.New("scan without deadline")
		}
		return []bms.Device{{Name: "JK_B2A24S", Address: "C8:47:8C:00:00:01"}}, nil
	})

	rec := f.do(t, "GET", "/api/bms/scan?type=jk", "")
	var devices []bms.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil || len(devices) != 1 {
		t.Errorf("scan = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "GET", "/api/bms/scan?type=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad type = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, "GET", "/metrics", "")
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "kellydash_ets_exchanges_total") {
		t.Error("exchange counter missing from /metrics")
	}
}

func TestWebSocketInitialFrame(t *testing.T) {
	f := newFixture(t, true)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.State == nil || frame.State.Phase != controller.Connected || frame.Stamp == 0 {
		t.Errorf("initial frame = %+v", frame)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{controller.ErrNotConnected, http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", controller.ErrOutOfRange), http.StatusBadRequest},
		{controller.ErrModuleMismatch, http.StatusConflict},
		{&ets.UnsupportedControllerError{Reason: "x"}, http.StatusUnprocessableEntity},
		{&ets.ProtocolError{Op: "read", Err: ets.ErrTimeout}, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.err); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
