package output

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"usbloopback/loopback"
)

// HealthPublisher publishes periodic health heartbeats to NATS.
type HealthPublisher struct {
	conn       Publisher
	subject    string
	instanceID string
	startTime  time.Time
	interval   time.Duration
	logger     *slog.Logger

	statsFunc func() HealthStats // Callback to get current stats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HealthStats contains the data needed for health messages.
type HealthStats struct {
	NATSConnected   bool
	AutoConnect     bool
	Reconciliations int64
	QueryFailures   int64
	Devices         []DeviceHealth
}

// DeviceHealth contains per-session health data
type DeviceHealth struct {
	Device          string `json:"device"`
	VID             string `json:"vid"`
	PID             string `json:"pid"`
	State           string `json:"state"`
	BytesIn         int64  `json:"in"`
	BytesOut        int64  `json:"out"`
	Errors          int64  `json:"errors"`
	UptimeSec       int64  `json:"uptime_sec"`
	LastActivityAgo int64  `json:"last_activity_ago_sec"` // -1 if never
}

// HealthMessage is the JSON payload published to NATS
type HealthMessage struct {
	Version         int            `json:"v"`
	Timestamp       string         `json:"ts"`
	InstanceID      string         `json:"instance_id"`
	UptimeSec       int64          `json:"uptime_sec"`
	NATSConnected   bool           `json:"nats_connected"`
	AutoConnect     bool           `json:"auto_connect"`
	Reconciliations int64          `json:"reconciliations"`
	QueryFailures   int64          `json:"query_failures"`
	Devices         []DeviceHealth `json:"devices"`
}

// HealthPublisherConfig contains configuration for HealthPublisher
type HealthPublisherConfig struct {
	Conn       Publisher
	Subject    string        // e.g., "loopback.health.bench-01"
	InstanceID string        // e.g., "bench-01"
	Interval   time.Duration // How often to publish (default 60s)
	Logger     *slog.Logger
	StatsFunc  func() HealthStats // Callback to get current stats
}

// NewHealthPublisher creates a new HealthPublisher.
// Returns nil if conn is nil (disabled mode).
func NewHealthPublisher(cfg *HealthPublisherConfig) *HealthPublisher {
	if cfg == nil || cfg.Conn == nil {
		return nil
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	statsFunc := cfg.StatsFunc
	if statsFunc == nil {
		statsFunc = func() HealthStats { return HealthStats{} }
	}

	return &HealthPublisher{
		conn:       cfg.Conn,
		subject:    cfg.Subject,
		instanceID: cfg.InstanceID,
		startTime:  time.Now(),
		interval:   interval,
		logger:     logger,
		statsFunc:  statsFunc,
		stopCh:     make(chan struct{}),
	}
}

// Start begins publishing health heartbeats
func (h *HealthPublisher) Start() {
	if h == nil {
		return
	}
	h.wg.Add(1)
	go h.publishLoop()
	h.logger.Info("Health publisher started",
		"subject", h.subject,
		"interval", h.interval)
}

// Stop stops the health publisher
func (h *HealthPublisher) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()
	h.logger.Info("Health publisher stopped")
}

func (h *HealthPublisher) publishLoop() {
	defer h.wg.Done()

	// Publish immediately on start
	h.publish()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			// Publish final message before stopping
			h.publish()
			return
		case <-ticker.C:
			h.publish()
		}
	}
}

func (h *HealthPublisher) publish() {
	if !h.conn.IsConnected() {
		h.logger.Debug("Skipping health publish - NATS not connected")
		return
	}

	msg := h.buildMessage(h.statsFunc())

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal health message", "error", err)
		return
	}

	if err := h.conn.Publish(h.subject, data); err != nil {
		h.logger.Warn("Failed to publish health message", "error", err)
		return
	}

	h.logger.Debug("Published health heartbeat",
		"subject", h.subject,
		"uptime_sec", msg.UptimeSec,
		"devices", len(msg.Devices))
}

func (h *HealthPublisher) buildMessage(stats HealthStats) HealthMessage {
	devices := stats.Devices
	if devices == nil {
		devices = []DeviceHealth{}
	}
	return HealthMessage{
		Version:         1,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		InstanceID:      h.instanceID,
		UptimeSec:       int64(time.Since(h.startTime).Seconds()),
		NATSConnected:   stats.NATSConnected,
		AutoConnect:     stats.AutoConnect,
		Reconciliations: stats.Reconciliations,
		QueryFailures:   stats.QueryFailures,
		Devices:         devices,
	}
}

// SessionHealth summarizes active sessions for a heartbeat
func SessionHealth(sessions []*loopback.Session, now time.Time) []DeviceHealth {
	out := make([]DeviceHealth, 0, len(sessions))
	for _, s := range sessions {
		dev := s.Device()
		stats := s.Stats()

		lastAgo := int64(-1)
		if !stats.LastActivity.IsZero() {
			lastAgo = int64(now.Sub(stats.LastActivity).Seconds())
		}
		uptime := int64(0)
		if !stats.StartTime.IsZero() {
			uptime = int64(now.Sub(stats.StartTime).Seconds())
		}

		out = append(out, DeviceHealth{
			Device:          dev.PortID,
			VID:             dev.VID,
			PID:             dev.PID,
			State:           s.State().String(),
			BytesIn:         stats.BytesIn,
			BytesOut:        stats.BytesOut,
			Errors:          stats.Errors,
			UptimeSec:       uptime,
			LastActivityAgo: lastAgo,
		})
	}
	return out
}

// BuildHealthSubject constructs the health subject from the prefix and instance
// Format: {root}.health.{instance}
func BuildHealthSubject(subjectPrefix, instanceID string) string {
	return subjectRoot(subjectPrefix) + ".health." + instanceID
}
