package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shaunagostinho/kelly-dash/internal/bms"
	"github.com/shaunagostinho/kelly-dash/internal/controller"
	"github.com/shaunagostinho/kelly-dash/internal/ets"
	"github.com/shaunagostinho/kelly-dash/internal/logger"
	"github.com/shaunagostinho/kelly-dash/internal/logging"
	"github.com/shaunagostinho/kelly-dash/internal/metrics"
)

// ScanFunc lists nearby BMS devices of one type.
type ScanFunc func(ctx context.Context, t bms.Type) ([]bms.Device, error)

// Server polls the controller session and BMS client and broadcasts their
// state to WebSocket clients.
type Server struct {
	cfg     *Config
	session *controller.Session
	bms     *bms.Client // nil when no BMS support is wired
	metrics *metrics.Metrics
	webFS   fs.FS
	logger  *logger.Logger
	energy  *EnergyMeter
	scan    ScanFunc
	log     zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Monitor *ets.MonitorData  `json:"monitor,omitempty"`
	BMS     *bms.Snapshot     `json:"bms,omitempty"`
	State   *controller.State `json:"state,omitempty"`
	Energy  *EnergyData       `json:"energy,omitempty"`
	Stamp   int64             `json:"stamp"` // Unix ms
}

// New creates a new Server. bmsClient and m may be nil.
func New(cfg *Config, sess *controller.Session, bmsClient *bms.Client, m *metrics.Metrics, webFS fs.FS) *Server {
	energyPath := filepath.Join(filepath.Dir(DefaultConfigPath), "energy.dat")
	if p := cfg.Path(); p != "" {
		energyPath = filepath.Join(filepath.Dir(p), "energy.dat")
	}
	lc := cfg.LoggingSettings()

	return &Server{
		cfg:     cfg,
		session: sess,
		bms:     bmsClient,
		metrics: m,
		webFS:   webFS,
		logger: logger.New(logger.Config{
			Enabled:    lc.Enabled,
			Path:       lc.Path,
			IntervalMs: lc.Interval,
		}),
		energy:  NewEnergyMeter(energyPath),
		scan:    bms.Scan,
		log:     logging.Component("server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetScanner replaces the BLE scanner used by /api/bms/scan.
func (s *Server) SetScanner(fn ScanFunc) { s.scan = fn }

// Handler returns the HTTP routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/monitor", s.handleMonitor)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/phase-zero", s.handlePhaseZero)
	mux.HandleFunc("/api/bms", s.handleBMS)
	mux.HandleFunc("/api/bms/scan", s.handleBMSScan)
	mux.HandleFunc("/api/bms/connect", s.handleBMSConnect)
	mux.HandleFunc("/api/bms/disconnect", s.handleBMSDisconnect)
	mux.HandleFunc("/api/energy/reset-trip", s.handleResetTrip)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return logging.RequestLogger(s.log, mux)
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	sc := s.cfg.ServerSettings()

	go s.broadcastLoop(ctx)

	// Persist energy counters every 30 seconds
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.saveEnergy()
				return
			case <-t.C:
				s.saveEnergy()
			}
		}
	}()

	srv := &http.Server{
		Addr:    sc.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", sc.ListenAddr).Msg("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) saveEnergy() {
	if err := s.energy.Save(); err != nil {
		s.log.Warn().Err(err).Msg("energy save failed")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Debug().Int("clients", n).Msg("ws client connected")

	if data, err := json.Marshal(s.currentFrame()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; the client sends nothing we act on)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Debug().Int("clients", n).Msg("ws client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// currentFrame assembles the latest state. The BMS section carries data
// only while it is fresh.
func (s *Server) currentFrame() Frame {
	st := s.session.State()
	md := s.session.Monitor()
	energy := s.energy.Data()
	f := Frame{
		State:   &st,
		Monitor: &md,
		Energy:  &energy,
		Stamp:   time.Now().UnixMilli(),
	}
	if s.bms != nil {
		snap := s.bms.Snapshot()
		if s.bmsStale() {
			snap.Data = bms.Data{}
		}
		f.BMS = &snap
	}
	return f
}

func (s *Server) bmsStale() bool {
	maxAge := time.Duration(s.cfg.BMSSettings().StaleMs) * time.Millisecond
	return s.bms.Stale(maxAge)
}

// broadcastLoop sends the combined frame to every client, records it to
// CSV and feeds the energy meter.
func (s *Server) broadcastLoop(ctx context.Context) {
	hz := s.cfg.ServerSettings().BroadcastHz
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case now := <-ticker.C:
			frame := s.currentFrame()
			s.broadcast(frame)

			var bmsData *bms.Data
			if frame.BMS != nil && frame.BMS.Data.IsConnected {
				bmsData = &frame.BMS.Data
				s.energy.Add(bmsData.Power, now)
			} else {
				s.energy.Pause()
			}
			if frame.State.Phase == controller.Connected || bmsData != nil {
				s.logger.Record(frame.Monitor, bmsData)
			}
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

// httpStatus maps domain errors onto response codes.
func httpStatus(err error) int {
	var unsupported *ets.UnsupportedControllerError
	switch {
	case errors.Is(err, controller.ErrNotConnected), errors.Is(err, bms.ErrNoType):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrUnknownParameter),
		errors.Is(err, controller.ErrParameterRejected),
		errors.Is(err, controller.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrModuleMismatch):
		return http.StatusConflict
	case errors.As(err, &unsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ets.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn().Err(err).Msg("config save failed")
		}
		s.logger.SetEnabled(s.cfg.LoggingSettings().Enabled)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.currentFrame())
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Enabled {
		if err := s.session.StartMonitor(); err != nil {
			writeError(w, err)
			return
		}
	} else {
		s.session.StopMonitor()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"monitoring": s.session.Monitoring()})
}

// ParamView is one calibration parameter as shown to the UI.
type ParamView struct {
	ets.ParameterDef
	Value string `json:"value"`
	Page  int    `json:"page"`
}

// CalibrationView is the /api/calibration response body.
type CalibrationView struct {
	Model      ets.ControllerModel `json:"model"`
	ModuleName string              `json:"moduleName"`
	Version    int                 `json:"softwareVersion"`
	Parameters []ParamView         `json:"parameters"`
}

func viewCalibration(c *controller.Calibration) CalibrationView {
	v := CalibrationView{
		Model:      c.Model,
		ModuleName: c.Data.ModuleName(),
		Version:    c.Data.SoftwareVersion(),
	}
	for _, p := range c.Parameters {
		if !p.Visible {
			continue
		}
		v.Parameters = append(v.Parameters, ParamView{
			ParameterDef: p,
			Value:        p.Read(c.Data[:]),
			Page:         p.Offset / ets.PageSize,
		})
	}
	return v
}

// handleCalibration reads (GET) or edits, writes and burns (POST) the
// controller calibration. GET ?cached=1 returns the last image without
// touching the link.
func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var (
			cal *controller.Calibration
			err error
		)
		if r.URL.Query().Get("cached") == "1" {
			cal, err = s.session.LastCalibration()
		} else {
			cal, err = s.session.ReadCalibration(r.Context())
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewCalibration(cal))

	case http.MethodPost:
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		edits := make(map[string]string, len(raw))
		for k, v := range raw {
			switch x := v.(type) {
			case string:
				edits[k] = x
			case float64:
				edits[k] = strconv.FormatFloat(x, 'f', -1, 64)
			default:
				http.Error(w, fmt.Sprintf("%s: value must be a string or number", k), http.StatusBadRequest)
				return
			}
		}

		cal, err := s.session.LastCalibration()
		if err != nil {
			writeError(w, err)
			return
		}
		if err := cal.Apply(edits); err != nil {
			writeError(w, err)
			return
		}
		// a closed browser tab must not interrupt a burn half way
		ctx := context.WithoutCancel(r.Context())
		if err := s.session.WriteCalibration(ctx, cal.Data); err != nil {
			s.log.Error().Err(err).Msg("calibration write failed")
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewCalibration(cal))

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePhaseZero(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	values, err := s.session.ReadPhaseCurrentZero(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int{"values": values})
}

func (s *Server) requireBMS(w http.ResponseWriter) bool {
	if s.bms == nil {
		http.Error(w, "bms support disabled", http.StatusNotFound)
		return false
	}
	return true
}

func (s *Server) handleBMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.requireBMS(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.bms.Snapshot())
}

func (s *Server) handleBMSScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	t, err := bms.ParseType(r.URL.Query().Get("type"))
	if err != nil || t == bms.None {
		http.Error(w, "type must be one of jk, jbd, ant, daly", http.StatusBadRequest)
		return
	}
	timeout := time.Duration(s.cfg.BMSSettings().ScanTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	devices, err := s.scan(ctx, t)
	if err != nil {
		writeError(w, err)
		return
	}
	if devices == nil {
		devices = []bms.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleBMSConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.requireBMS(w) {
		return
	}
	var req struct {
		Type    bms.Type `json:"type"`
		Address string   `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.bms.Connect(r.Context(), req.Type, req.Address); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.bms.Snapshot())
}

func (s *Server) handleBMSDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.requireBMS(w) {
		return
	}
	s.bms.Disconnect()
	s.energy.Pause()
	writeJSON(w, http.StatusOK, s.bms.Snapshot())
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.energy.ResetTrip()
	s.saveEnergy()
	writeJSON(w, http.StatusOK, s.energy.Data())
}
