package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"usbloopback/loopback"
)

// StatsSource is the part of the monitor the collector reads from.
type StatsSource interface {
	Stats() loopback.MonitorStats
	Sessions() []*loopback.Session
}

// Metrics owns a private Prometheus registry with the lifecycle counters and
// the monitor collector. It is also an EventSink.
type Metrics struct {
	registry     *prometheus.Registry
	connected    *prometheus.CounterVec
	disconnected *prometheus.CounterVec
}

// NewMetrics creates the registry and the lifecycle counters
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbloopback_device_connected_total",
			Help: "Echo sessions started, by port",
		}, []string{"port"}),
		disconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbloopback_device_disconnected_total",
			Help: "Echo sessions ended, by port and reason",
		}, []string{"port", "reason"}),
	}
	m.registry.MustRegister(m.connected, m.disconnected)
	return m
}

// Watch registers a collector that reads session and reconcile stats from src
func (m *Metrics) Watch(src StatsSource) error {
	return m.registry.Register(newMonitorCollector(src))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) DeviceConnected(dev loopback.Device) {
	m.connected.WithLabelValues(dev.PortID).Inc()
}

func (m *Metrics) DeviceDisconnected(dev loopback.Device, reason loopback.CloseReason) {
	m.disconnected.WithLabelValues(dev.PortID, string(reason)).Inc()
}

type monitorCollector struct {
	src StatsSource

	activeSessions  *prometheus.Desc
	bytesIn         *prometheus.Desc
	bytesOut        *prometheus.Desc
	ioErrors        *prometheus.Desc
	reconciliations *prometheus.Desc
	queryFailures   *prometheus.Desc
	openFailures    *prometheus.Desc
}

func newMonitorCollector(src StatsSource) *monitorCollector {
	return &monitorCollector{
		src: src,
		activeSessions: prometheus.NewDesc(
			"usbloopback_active_sessions",
			"Number of running echo sessions",
			nil, nil,
		),
		bytesIn: prometheus.NewDesc(
			"usbloopback_session_bytes_in",
			"Bytes read from the device by the current session",
			[]string{"port", "vid", "pid"}, nil,
		),
		bytesOut: prometheus.NewDesc(
			"usbloopback_session_bytes_out",
			"Bytes echoed back to the device by the current session",
			[]string{"port", "vid", "pid"}, nil,
		),
		ioErrors: prometheus.NewDesc(
			"usbloopback_session_errors",
			"I/O errors seen by the current session",
			[]string{"port", "vid", "pid"}, nil,
		),
		reconciliations: prometheus.NewDesc(
			"usbloopback_reconciliations_total",
			"Completed reconciliation cycles",
			nil, nil,
		),
		queryFailures: prometheus.NewDesc(
			"usbloopback_platform_query_failures_total",
			"Reconciliation cycles skipped because the port list was unavailable",
			nil, nil,
		),
		openFailures: prometheus.NewDesc(
			"usbloopback_open_failures_total",
			"Supported devices that could not be opened",
			nil, nil,
		),
	}
}

func (c *monitorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessions
	ch <- c.bytesIn
	ch <- c.bytesOut
	ch <- c.ioErrors
	ch <- c.reconciliations
	ch <- c.queryFailures
	ch <- c.openFailures
}

func (c *monitorCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()
	sessions := c.src.Sessions()

	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(len(sessions)))
	ch <- prometheus.MustNewConstMetric(c.reconciliations, prometheus.CounterValue, float64(stats.Reconciliations))
	ch <- prometheus.MustNewConstMetric(c.queryFailures, prometheus.CounterValue, float64(stats.QueryFailures))
	ch <- prometheus.MustNewConstMetric(c.openFailures, prometheus.CounterValue, float64(stats.OpenFailures))

	for _, s := range sessions {
		dev := s.Device()
		st := s.Stats()
		ch <- prometheus.MustNewConstMetric(c.bytesIn, prometheus.GaugeValue, float64(st.BytesIn), dev.PortID, dev.VID, dev.PID)
		ch <- prometheus.MustNewConstMetric(c.bytesOut, prometheus.GaugeValue, float64(st.BytesOut), dev.PortID, dev.VID, dev.PID)
		ch <- prometheus.MustNewConstMetric(c.ioErrors, prometheus.GaugeValue, float64(st.Errors), dev.PortID, dev.VID, dev.PID)
	}
}
