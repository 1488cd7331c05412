package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"usbloopback/config"
	"usbloopback/serial"
)

// ErrMonitorStopped is returned by Reconcile after Shutdown.
var ErrMonitorStopped = errors.New("monitor stopped")

const unknownID = "Unknown"

// Reconciliation triggers, used in logs and stats
const (
	TriggerStartup = "startup"
	TriggerPoll    = "poll"
	TriggerHotplug = "hotplug"
	TriggerManual  = "manual"
)

// HotplugSource delivers device attach/detach notifications.
type HotplugSource interface {
	Events() <-chan serial.HotplugEvent
}

// MonitorConfig wires a Monitor to its collaborators.
type MonitorConfig struct {
	Source    serial.Lister
	Filter    serial.Filter // SubstringFilter when nil
	Opener    serial.Opener // RealOpener when nil
	Sink      EventSink
	Hotplug   HotplugSource // optional
	Settings  config.Settings
	Detection config.DetectionConfig
	Logger    *slog.Logger
}

// ReconcileResult lists what one reconciliation changed.
type ReconcileResult struct {
	Trigger      string   `json:"trigger"`
	Connected    []string `json:"connected"`
	Disconnected []string `json:"disconnected"`
	Error        string   `json:"error,omitempty"`
	Err          error    `json:"-"`
}

// MonitorStats tracks reconciliation activity
type MonitorStats struct {
	Reconciliations int64     `json:"reconciliations"`
	QueryFailures   int64     `json:"query_failures"`
	OpenFailures    int64     `json:"open_failures"`
	Connected       int64     `json:"connected"`
	Disconnected    int64     `json:"disconnected"`
	LastReconcile   time.Time `json:"last_reconcile"`
	LastTrigger     string    `json:"last_trigger"`
}

// Monitor keeps the registry in step with the ports the OS reports.
type Monitor struct {
	source    serial.Lister
	filter    serial.Filter
	opener    serial.Opener
	sink      EventSink
	hotplug   HotplugSource
	detection config.DetectionConfig
	registry  *Registry
	logger    *slog.Logger

	cfgMu    sync.RWMutex
	settings config.Settings

	// reconcileMu makes reconciliation single-flight
	reconcileMu sync.Mutex

	// ports whose last open attempt failed; guarded by reconcileMu
	failing map[string]bool

	// ports disconnected on request; automatic triggers leave them alone
	suppressMu sync.Mutex
	suppressed map[string]bool

	stats      MonitorStats
	statsMutex sync.RWMutex

	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor. It does nothing until Start or Reconcile.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("port source is required")
	}
	settings := cfg.Settings.Normalize()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if cfg.Filter == nil {
		cfg.Filter = serial.SubstringFilter{}
	}
	if cfg.Opener == nil {
		cfg.Opener = serial.RealOpener{}
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		source:     cfg.Source,
		filter:     cfg.Filter,
		opener:     cfg.Opener,
		sink:       cfg.Sink,
		hotplug:    cfg.Hotplug,
		detection:  cfg.Detection,
		registry:   NewRegistry(),
		logger:     cfg.Logger,
		settings:   settings,
		failing:    make(map[string]bool),
		suppressed: make(map[string]bool),
		triggerCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start launches the detection worker. Later calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.logger.Info("Starting device monitor",
			"poll_interval", m.detection.PollInterval(),
			"settle_delay", m.detection.SettleDelay(),
			"hotplug", m.hotplug != nil)

		m.wg.Add(1)
		go m.run(ctx)
	})
}

// run is the detection worker. Automatic triggers are handled one at a time.
func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	if m.Settings().AutoConnect {
		m.reconcile(TriggerStartup)
	}

	var tick <-chan time.Time
	if interval := m.detection.PollInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var hotplug <-chan serial.HotplugEvent
	if m.hotplug != nil {
		hotplug = m.hotplug.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.triggerCh:
			m.clearSuppressed()
			m.reconcile(TriggerManual)
		case <-tick:
			if m.Settings().AutoConnect {
				m.reconcile(TriggerPoll)
			}
		case ev, ok := <-hotplug:
			if !ok {
				m.logger.Warn("Hotplug source closed, continuing with polling only")
				hotplug = nil
				continue
			}
			if !m.Settings().AutoConnect {
				continue
			}
			if ev.Kind == serial.Attached && !m.settle(ctx) {
				return
			}
			if m.drain(hotplug) {
				hotplug = nil
			}
			m.reconcile(TriggerHotplug)
		}
	}
}

// settle waits for a newly attached device to finish enumerating.
// It returns false if shutdown was requested meanwhile.
func (m *Monitor) settle(ctx context.Context) bool {
	delay := m.detection.SettleDelay()
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// drain discards queued hotplug events; one reconcile covers them all.
// It reports whether the channel was closed.
func (m *Monitor) drain(ch <-chan serial.HotplugEvent) bool {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return true
			}
		default:
			return false
		}
	}
}

// TriggerDetect queues a manual reconciliation on the worker. It returns
// false if one is already pending.
func (m *Monitor) TriggerDetect() bool {
	select {
	case m.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Reconcile runs a manual reconciliation synchronously. Manual detection
// also lifts any disconnect suppression.
func (m *Monitor) Reconcile() ReconcileResult {
	m.clearSuppressed()
	return m.reconcile(TriggerManual)
}

func (m *Monitor) reconcile(trigger string) ReconcileResult {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	result := ReconcileResult{
		Trigger:      trigger,
		Connected:    []string{},
		Disconnected: []string{},
	}

	if m.stopped() {
		result.Err = ErrMonitorStopped
		result.Error = result.Err.Error()
		return result
	}

	settings := m.Settings()

	ports, err := m.source.ListPorts()
	if err != nil {
		if !errors.Is(err, serial.ErrPlatformQuery) {
			err = fmt.Errorf("%w: %w", serial.ErrPlatformQuery, err)
		}
		m.logger.Warn("Port enumeration failed, skipping cycle", "trigger", trigger, "error", err)
		m.statsMutex.Lock()
		m.stats.QueryFailures++
		m.statsMutex.Unlock()
		result.Err = err
		result.Error = err.Error()
		return result
	}

	existing := m.registry.Snapshot()
	active := make(map[string]bool, len(existing))
	for _, s := range existing {
		active[s.PortID()] = true
	}

	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)

	openFailures := 0
	failing := make(map[string]bool)
	for _, name := range names {
		if active[name] || m.isSuppressed(name) {
			continue
		}

		meta := ports[name]
		if !m.filter.IsSupported(meta.HardwareID, settings.SupportedDevices) {
			continue
		}

		if err := m.connect(name, meta, settings); err != nil {
			openFailures++
			failing[name] = true
			if !m.failing[name] {
				m.logger.Warn("Failed to open supported device", "device", name, "error", err)
				m.reportError(name, err)
			} else {
				m.logger.Debug("Supported device still failing to open", "device", name, "error", err)
			}
			continue
		}
		result.Connected = append(result.Connected, name)
	}

	for _, s := range existing {
		if _, present := ports[s.PortID()]; present {
			continue
		}
		if s.Stop(ReasonRemoved) {
			result.Disconnected = append(result.Disconnected, s.PortID())
		}
	}

	m.failing = failing
	m.pruneSuppressed(ports)

	m.statsMutex.Lock()
	m.stats.Reconciliations++
	m.stats.OpenFailures += int64(openFailures)
	m.stats.Connected += int64(len(result.Connected))
	m.stats.Disconnected += int64(len(result.Disconnected))
	m.stats.LastReconcile = time.Now()
	m.stats.LastTrigger = trigger
	m.statsMutex.Unlock()

	if len(result.Connected) > 0 || len(result.Disconnected) > 0 {
		m.logger.Info("Reconciled devices",
			"trigger", trigger,
			"connected", result.Connected,
			"disconnected", result.Disconnected,
			"active", m.registry.Len())
	} else {
		m.logger.Debug("Reconciled devices, no change", "trigger", trigger, "ports", len(ports))
	}

	return result
}

// connect opens a session on a supported port and registers it
func (m *Monitor) connect(name string, meta serial.PortMetadata, settings config.Settings) error {
	vid, pid, ok := serial.ExtractVidPid(meta.HardwareID)
	if !ok {
		vid, pid = unknownID, unknownID
	}

	conn, err := m.opener.Open(name, serial.PortConfig{
		BaudRate:    settings.BaudRate,
		ReadTimeout: m.detection.ReadTimeout(),
	})
	if err != nil {
		if !errors.Is(err, serial.ErrConnectionOpen) {
			err = fmt.Errorf("%w: %w", serial.ErrConnectionOpen, err)
		}
		return err
	}

	dev := Device{
		PortID:       name,
		VID:          vid,
		PID:          pid,
		Manufacturer: meta.Manufacturer,
		Description:  meta.Description,
	}
	s := newSession(dev, conn, m.registry, m.sink, m.logger)

	if err := m.registry.Add(s); err != nil {
		conn.Close()
		return fmt.Errorf("register %s: %w", name, err)
	}
	s.start()
	return nil
}

// reportError passes an open failure to the sink when it accepts errors
func (m *Monitor) reportError(portID string, err error) {
	if es, ok := m.sink.(ErrorSink); ok {
		es.DeviceError(portID, err)
	}
}

// DisconnectOne stops the session on portID. Automatic triggers will not
// reopen the port until it disappears or a manual detect runs.
func (m *Monitor) DisconnectOne(portID string) bool {
	s, ok := m.registry.Get(portID)
	if !ok {
		return false
	}
	m.suppress(portID)
	return s.Stop(ReasonDisconnectRequested)
}

// DisconnectAll stops every active session and returns how many it stopped.
func (m *Monitor) DisconnectAll() int {
	count := 0
	for _, s := range m.registry.Snapshot() {
		m.suppress(s.PortID())
		if s.Stop(ReasonDisconnectRequested) {
			count++
		}
	}
	return count
}

// Shutdown stops the detection worker and waits for it. Sessions keep running.
func (m *Monitor) Shutdown() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping device monitor")
		close(m.stopCh)
	})
	m.wg.Wait()
}

// Close shuts the monitor down, stops every session and waits up to timeout
// for their echo loops to exit. It reports whether all of them did.
func (m *Monitor) Close(timeout time.Duration) bool {
	m.Shutdown()

	// wait for an in-flight reconcile so no session is added behind us
	m.reconcileMu.Lock()
	sessions := m.registry.Snapshot()
	m.reconcileMu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop(ReasonShutdown)
		}(s)
	}
	wg.Wait()

	deadline := time.Now().Add(timeout)
	clean := true
	for _, s := range sessions {
		if !s.Wait(time.Until(deadline)) {
			m.logger.Warn("Echo loop did not exit in time", "device", s.PortID())
			clean = false
		}
	}
	return clean
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// UpdateConfig replaces the loopback settings. The next reconciliation uses
// them; open sessions keep the baud rate they were opened with.
func (m *Monitor) UpdateConfig(s config.Settings) error {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}

	m.cfgMu.Lock()
	m.settings = s
	m.cfgMu.Unlock()

	m.logger.Info("Settings updated",
		"patterns", len(s.SupportedDevices),
		"baud_rate", s.BaudRate,
		"auto_connect", s.AutoConnect)
	return nil
}

// Settings returns a copy of the current settings
func (m *Monitor) Settings() config.Settings {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.settings.Clone()
}

// Registry returns the registry of active sessions
func (m *Monitor) Registry() *Registry {
	return m.registry
}

// Sessions returns the active sessions ordered by port id
func (m *Monitor) Sessions() []*Session {
	return m.registry.Snapshot()
}

// Stats returns current statistics
func (m *Monitor) Stats() MonitorStats {
	m.statsMutex.RLock()
	defer m.statsMutex.RUnlock()
	return m.stats
}

// Filter returns the device filter in use
func (m *Monitor) Filter() serial.Filter {
	return m.filter
}

// Source returns the port source in use
func (m *Monitor) Source() serial.Lister {
	return m.source
}

func (m *Monitor) suppress(portID string) {
	m.suppressMu.Lock()
	m.suppressed[portID] = true
	m.suppressMu.Unlock()
}

func (m *Monitor) isSuppressed(portID string) bool {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()
	return m.suppressed[portID]
}

func (m *Monitor) clearSuppressed() {
	m.suppressMu.Lock()
	clear(m.suppressed)
	m.suppressMu.Unlock()
}

// pruneSuppressed forgets ports that are no longer present
func (m *Monitor) pruneSuppressed(ports map[string]serial.PortMetadata) {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()
	for id := range m.suppressed {
		if _, ok := ports[id]; !ok {
			delete(m.suppressed, id)
		}
	}
}
