package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"usbloopback/config"
	"usbloopback/forward"
	"usbloopback/loopback"
	"usbloopback/serial"
)

// SettingsSaver persists settings accepted through the API
type SettingsSaver func(config.Settings) error

// ServerConfig wires the control server to the running daemon
type ServerConfig struct {
	Monitoring     *config.MonitoringConfig
	Monitor        *loopback.Monitor
	Broker         *SSEBroker
	Metrics        *Metrics      // /metrics is not served when nil
	Save           SettingsSaver // settings are not persisted when nil
	ForwarderStats func() forward.Stats
	Logger         *slog.Logger
}

// Server provides the HTTP control and monitoring endpoints
type Server struct {
	config         *config.MonitoringConfig
	monitor        *loopback.Monitor
	broker         *SSEBroker
	metrics        *Metrics
	save           SettingsSaver
	forwarderStats func() forward.Stats
	logger         *slog.Logger
	settingsMu     sync.Mutex // serializes settings read-modify-write
	server         *http.Server
	startTime      time.Time
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewServer creates the server and starts its SSE broker
func NewServer(cfg ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	broker := cfg.Broker
	if broker == nil {
		broker = NewSSEBroker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:         cfg.Monitoring,
		monitor:        cfg.Monitor,
		broker:         broker,
		metrics:        cfg.Metrics,
		save:           cfg.Save,
		forwarderStats: cfg.ForwarderStats,
		logger:         logger,
		startTime:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
	}

	go broker.Run(ctx)

	return s
}

// Handler returns the routed handler, wrapped in basic auth when configured
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/ports", s.handlePorts)
	mux.HandleFunc("POST /api/detect", s.handleDetect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("POST /api/settings/patterns", s.handleAddPattern)
	mux.HandleFunc("DELETE /api/settings/patterns", s.handleRemovePattern)
	mux.HandleFunc("GET /api/stream", s.handleSSE)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	if s.config.Username != "" && s.config.Password != "" {
		return s.basicAuth(mux)
	}
	return mux
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	addr := s.config.Address()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting control server", "addr", ln.Addr().String(),
		"auth", s.config.Username != "")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control server error", "error", err)
		}
	}()

	return nil
}

// basicAuth wraps a handler with HTTP Basic Authentication
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.config.Username || pass != s.config.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="USBLoopback"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop closes SSE streams and gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	// closes SSE client streams so Shutdown does not wait on them
	s.cancel()

	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping control server")
	return s.server.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec":      int64(time.Since(s.startTime).Seconds()),
		"sse_clients":     s.broker.ClientCount(),
		"active_sessions": s.monitor.Registry().Len(),
		"auto_connect":    s.monitor.Settings().AutoConnect,
		"monitor":         s.monitor.Stats(),
	}
	if s.forwarderStats != nil {
		health["forwarder"] = s.forwarderStats()
	}

	writeJSON(w, http.StatusOK, health)
}

// DeviceStatus is one active session as reported by /api/devices
type DeviceStatus struct {
	loopback.Device
	State string                `json:"state"`
	Stats loopback.SessionStats `json:"stats"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	sessions := s.monitor.Sessions()
	devices := make([]DeviceStatus, 0, len(sessions))
	for _, sess := range sessions {
		devices = append(devices, DeviceStatus{
			Device: sess.Device(),
			State:  sess.State().String(),
			Stats:  sess.Stats(),
		})
	}
	writeJSON(w, http.StatusOK, devices)
}

// PortStatus is one port from the current OS snapshot
type PortStatus struct {
	Name string `json:"name"`
	serial.PortMetadata
	Supported bool `json:"supported"`
	Active    bool `json:"active"`
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.monitor.Source().ListPorts()
	if err != nil {
		s.logger.Warn("Port listing failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	patterns := s.monitor.Settings().SupportedDevices
	filter := s.monitor.Filter()
	registry := s.monitor.Registry()

	result := make([]PortStatus, 0, len(ports))
	for name, meta := range ports {
		result = append(result, PortStatus{
			Name:         name,
			PortMetadata: meta,
			Supported:    filter.IsSupported(meta.HardwareID, patterns),
			Active:       registry.Contains(name),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	result := s.monitor.Reconcile()

	status := http.StatusOK
	switch {
	case errors.Is(result.Err, loopback.ErrMonitorStopped):
		status = http.StatusServiceUnavailable
	case result.Err != nil:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	port := r.URL.Query().Get("port")
	if port == "" {
		n := s.monitor.DisconnectAll()
		s.logger.Info("Disconnected all devices", "count", n)
		writeJSON(w, http.StatusOK, map[string]int{"disconnected": n})
		return
	}

	if !s.monitor.DisconnectOne(port) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no active session on %s", port))
		return
	}
	s.logger.Info("Disconnected device", "device", port)
	writeJSON(w, http.StatusOK, map[string]int{"disconnected": 1})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Settings())
}

// handlePutSettings applies a full or partial settings document. Fields
// missing from the body keep their current values.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	settings := s.monitor.Settings()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid settings: %v", err))
		return
	}
	if settings.SupportedDevices == nil {
		settings.SupportedDevices = []string{}
	}

	s.applySettings(w, http.StatusOK, settings)
}

// PatternRequest names one supported-device pattern, either directly or as
// a vendor/product id pair
type PatternRequest struct {
	Pattern string `json:"pattern,omitempty"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
}

func (p PatternRequest) resolve() (string, error) {
	if p.Pattern != "" {
		return p.Pattern, nil
	}
	if p.VID == "" || p.PID == "" {
		return "", errors.New("pattern or both vid and pid are required")
	}
	return config.PatternFor(p.VID, p.PID), nil
}

func (s *Server) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	var req PatternRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid pattern request: %v", err))
		return
	}
	pattern, err := req.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	settings, added := s.monitor.Settings().WithPattern(pattern)
	if !added {
		writeError(w, http.StatusConflict, fmt.Sprintf("pattern %s already supported", pattern))
		return
	}
	s.applySettings(w, http.StatusCreated, settings)
}

func (s *Server) handleRemovePattern(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern, err := PatternRequest{
		Pattern: q.Get("pattern"),
		VID:     q.Get("vid"),
		PID:     q.Get("pid"),
	}.resolve()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	settings, removed := s.monitor.Settings().WithoutPattern(pattern)
	if !removed {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pattern %s not configured", pattern))
		return
	}
	s.applySettings(w, http.StatusOK, settings)
}

// applySettings hands settings to the monitor, persists what the monitor
// accepted and writes it back. Callers hold settingsMu.
func (s *Server) applySettings(w http.ResponseWriter, status int, settings config.Settings) {
	if err := s.monitor.UpdateConfig(settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applied := s.monitor.Settings()

	if s.save != nil {
		if err := s.save(applied); err != nil {
			s.logger.Error("Failed to persist settings", "error", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("settings applied but not saved: %v", err))
			return
		}
	}

	writeJSON(w, status, applied)
}

// handleSSE streams lifecycle events as Server-Sent Events
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	port := r.URL.Query().Get("port")
	if port == "" {
		port = "all"
	}

	client := s.broker.subscribe(port)
	if client == nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.broker.unsubscribe(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	hello, _ := json.Marshal(map[string]string{"port": port})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-client.done:
			return

		case msg := <-client.send:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}
