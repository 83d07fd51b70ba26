// Package metrics exposes controller and battery telemetry as Prometheus
// collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shaunagostinho/kelly-dash/internal/bms"
	"github.com/shaunagostinho/kelly-dash/internal/ets"
)

const namespace = "kellydash"

// Metrics owns a private registry so tests and multiple instances never
// collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	exchanges *prometheus.CounterVec
	retries   *prometheus.CounterVec

	monitorValue *prometheus.GaugeVec
	errorStatus  prometheus.Gauge
	commLost     prometheus.Gauge

	bmsBytes     *prometheus.CounterVec
	bmsSnapshots *prometheus.CounterVec
	bmsVoltage   prometheus.Gauge
	bmsCurrent   prometheus.Gauge
	bmsPower     prometheus.Gauge
	bmsSOC       prometheus.Gauge
	bmsCell      *prometheus.GaugeVec
	bmsTemp      *prometheus.GaugeVec
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ets_exchanges_total",
			Help:      "ETS exchange attempts by command and result.",
		}, []string{"cmd", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ets_retries_total",
			Help:      "ETS exchange attempts after the first.",
		}, []string{"cmd"}),
		monitorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_value",
			Help:      "Latest numeric controller monitor value.",
		}, []string{"name"}),
		errorStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_error_status",
			Help:      "Controller error bitmask.",
		}),
		commLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_comm_lost",
			Help:      "1 while the monitor loop reports a lost link.",
		}),
		bmsBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bms_notification_bytes_total",
			Help:      "Bytes received in BMS notifications.",
		}, []string{"type"}),
		bmsSnapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bms_snapshots_total",
			Help:      "Decoded BMS snapshots.",
		}, []string{"type"}),
		bmsVoltage: newBMSGauge("bms_voltage_volts", "Pack voltage."),
		bmsCurrent: newBMSGauge("bms_current_amps", "Pack current, positive is discharge."),
		bmsPower:   newBMSGauge("bms_power_watts", "Pack power."),
		bmsSOC:     newBMSGauge("bms_soc_percent", "State of charge."),
		bmsCell: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bms_cell_voltage_volts",
			Help:      "Cell voltage.",
		}, []string{"cell"}),
		bmsTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bms_temperature_celsius",
			Help:      "BMS temperature sensor.",
		}, []string{"sensor"}),
	}

	m.reg.MustRegister(
		m.exchanges, m.retries,
		m.monitorValue, m.errorStatus, m.commLost,
		m.bmsBytes, m.bmsSnapshots,
		m.bmsVoltage, m.bmsCurrent, m.bmsPower, m.bmsSOC,
		m.bmsCell, m.bmsTemp,
	)
	return m
}

func newBMSGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveExchange implements ets.Observer.
func (m *Metrics) ObserveExchange(cmd byte, attempt int, err error) {
	name := ets.CommandName(cmd)
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.exchanges.WithLabelValues(name, result).Inc()
	if attempt > 1 {
		m.retries.WithLabelValues(name).Inc()
	}
}

// ObserveMonitor records every monitor value that parses as an integer.
func (m *Metrics) ObserveMonitor(md ets.MonitorData) {
	for name, v := range md.Values {
		if n, err := strconv.Atoi(v); err == nil {
			m.monitorValue.WithLabelValues(name).Set(float64(n))
		}
	}
	m.errorStatus.Set(float64(md.ErrorStatus))
	if md.CommError != "" {
		m.commLost.Set(1)
	} else {
		m.commLost.Set(0)
	}
}

// ObserveNotification implements bms.Observer.
func (m *Metrics) ObserveNotification(t bms.Type, n int) {
	m.bmsBytes.WithLabelValues(t.String()).Add(float64(n))
}

// ObserveSnapshot implements bms.Observer.
func (m *Metrics) ObserveSnapshot(t bms.Type, d bms.Data) {
	m.bmsSnapshots.WithLabelValues(t.String()).Inc()
	m.bmsVoltage.Set(d.Voltage)
	m.bmsCurrent.Set(d.Current)
	m.bmsPower.Set(d.Power)
	m.bmsSOC.Set(d.SOC)

	m.bmsCell.Reset()
	for i, v := range d.CellVoltages {
		m.bmsCell.WithLabelValues(strconv.Itoa(i + 1)).Set(v)
	}
	m.bmsTemp.Reset()
	for i, v := range d.Temperatures {
		m.bmsTemp.WithLabelValues(strconv.Itoa(i + 1)).Set(v)
	}
}

var (
	_ ets.Observer = (*Metrics)(nil)
	_ bms.Observer = (*Metrics)(nil)
)
