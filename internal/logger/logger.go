// Package logger records controller monitor values and BMS telemetry to
// rotating CSV files.
package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shaunagostinho/kelly-dash/internal/bms"
	"github.com/shaunagostinho/kelly-dash/internal/ets"
	"github.com/shaunagostinho/kelly-dash/internal/logging"
)

// Logger records timestamped monitor + BMS data to CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int
	log      zerolog.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
	seq    int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	DefaultPath    = "/var/log/kelly-dash"
	maxRowsPerFile = 100_000 // ~2.7 hrs at 10 Hz
	minInterval    = 50 * time.Millisecond
)

var bmsColumns = []string{
	"bms_voltage_v", "bms_current_a", "bms_power_w", "bms_soc_pct",
	"bms_charge_ah", "bms_cell_min_v", "bms_cell_max_v", "bms_cell_spread_v",
	"bms_temp_max_c", "bms_charge_en", "bms_discharge_en",
}

// csvHeader is timestamp, every monitor parameter in table order, the
// link status and the BMS columns.
var csvHeader = func() []string {
	h := []string{"timestamp"}
	for _, p := range ets.MonitorParameters {
		h = append(h, p.Name)
	}
	h = append(h, "comm_error")
	return append(h, bmsColumns...)
}()

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < minInterval {
		interval = 100 * time.Millisecond // 10 Hz
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  maxRowsPerFile,
		log:      logging.Component("logger"),
	}
}

// Header returns the CSV column names.
func Header() []string {
	return append([]string(nil), csvHeader...)
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a monitor + BMS snapshot if the minimum interval has
// elapsed. Either argument may be nil.
func (l *Logger) Record(md *ets.MonitorData, b *bms.Data) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			l.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}

	if err := l.writer.Write(buildRow(now, md, b)); err != nil {
		l.log.Error().Err(err).Msg("write failed")
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.seq++
	filename := fmt.Sprintf("kelly_%s_%03d.csv", now.Format("2006-01-02_150405"), l.seq)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info().Str("path", path).Msg("log file opened")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, md *ets.MonitorData, b *bms.Data) []string {
	row := make([]string, 0, len(csvHeader))
	row = append(row, ts.Format(time.RFC3339Nano))

	for _, p := range ets.MonitorParameters {
		v := ""
		if md != nil {
			v = md.Values[p.Name]
		}
		row = append(row, v)
	}
	if md != nil {
		row = append(row, md.CommError)
	} else {
		row = append(row, "")
	}

	if b == nil {
		return append(row, make([]string, len(bmsColumns))...)
	}
	lo, hi := cellRange(b.CellVoltages)
	return append(row,
		fmt.Sprintf("%.2f", b.Voltage),
		fmt.Sprintf("%.2f", b.Current),
		fmt.Sprintf("%.1f", b.Power),
		fmt.Sprintf("%.0f", b.SOC),
		fmt.Sprintf("%.2f", b.Charge),
		fmt.Sprintf("%.3f", lo),
		fmt.Sprintf("%.3f", hi),
		fmt.Sprintf("%.3f", b.CellSpread()),
		maxTemp(b.Temperatures),
		boolStr(b.ChargeEnabled),
		boolStr(b.DischargeEnabled),
	)
}

func cellRange(cells []float64) (lo, hi float64) {
	if len(cells) == 0 {
		return 0, 0
	}
	lo, hi = cells[0], cells[0]
	for _, v := range cells[1:] {
		lo, hi = min(lo, v), max(hi, v)
	}
	return lo, hi
}

func maxTemp(temps []float64) string {
	if len(temps) == 0 {
		return ""
	}
	hi := temps[0]
	for _, v := range temps[1:] {
		hi = max(hi, v)
	}
	return strconv.FormatFloat(hi, 'f', 1, 64)
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
