package monitoring

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"usbloopback/config"
	"usbloopback/loopback"
	"usbloopback/serial"
)

// idleConn is an open port that never receives data
type idleConn struct {
	name   string
	mu     sync.Mutex
	closed bool
}

func (c *idleConn) Read(p []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	if !c.IsOpen() {
		return 0, serial.ErrPortClosed
	}
	return 0, nil
}

func (c *idleConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *idleConn) Device() string              { return c.name }

func (c *idleConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *idleConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

type testEnv struct {
	server  *Server
	monitor *loopback.Monitor
	broker  *SSEBroker
	metrics *Metrics
	ports   map[string]serial.PortMetadata
	listErr error
	saved   []config.Settings
	mu      sync.Mutex
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, mcfg *config.MonitoringConfig) *testEnv {
	t.Helper()

	env := &testEnv{
		ports: map[string]serial.PortMetadata{
			"COM3": {
				HardwareID:   "USB VID:PID=2341:0043 SER=7543",
				Manufacturer: "Arduino LLC",
				Description:  "Arduino Uno",
				VID:          "2341",
				PID:          "0043",
				IsUSB:        true,
			},
			"COM1": {HardwareID: "n/a", Manufacturer: "Unknown", Description: "Serial Port"},
		},
	}

	env.broker = NewSSEBroker()
	env.metrics = NewMetrics()

	source := serial.ListerFunc(func() (map[string]serial.PortMetadata, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		if env.listErr != nil {
			return nil, env.listErr
		}
		out := make(map[string]serial.PortMetadata, len(env.ports))
		for k, v := range env.ports {
			out[k] = v
		}
		return out, nil
	})
	opener := serial.OpenerFunc(func(device string, cfg serial.PortConfig) (serial.Conn, error) {
		return &idleConn{name: device}, nil
	})

	settings := config.DefaultSettings()
	settings.SupportedDevices = []string{"VID:PID=2341:0043"}

	monitor, err := loopback.NewMonitor(loopback.MonitorConfig{
		Source:    source,
		Opener:    opener,
		Sink:      loopback.Sinks{env.broker, env.metrics},
		Settings:  settings,
		Detection: config.DetectionConfig{ReadTimeoutMs: 20},
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	if err := env.metrics.Watch(monitor); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	env.monitor = monitor

	if mcfg == nil {
		mcfg = &config.MonitoringConfig{Host: "127.0.0.1", Port: 8080}
	}
	env.server = NewServer(ServerConfig{
		Monitoring: mcfg,
		Monitor:    monitor,
		Broker:     env.broker,
		Metrics:    env.metrics,
		Save: func(s config.Settings) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.saved = append(env.saved, s)
			return nil
		},
		Logger: testLogger(),
	})

	t.Cleanup(func() {
		env.server.Stop(context.Background())
		monitor.Close(time.Second)
	})
	return env
}

func (e *testEnv) do(method, target string, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("GET", "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("status = %v, want %q", response["status"], "healthy")
	}
	for _, key := range []string{"timestamp", "sse_clients", "active_sessions", "monitor"} {
		if _, ok := response[key]; !ok {
			t.Errorf("response missing %q", key)
		}
	}
	if _, ok := response["forwarder"]; ok {
		t.Error("forwarder should be omitted when not configured")
	}
}

func TestDetectAndDevices(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("POST", "/api/detect", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("detect status = %d, body %s", rr.Code, rr.Body.String())
	}

	var result loopback.ReconcileResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse detect result: %v", err)
	}
	if len(result.Connected) != 1 || result.Connected[0] != "COM3" {
		t.Errorf("Connected = %v, want [COM3]", result.Connected)
	}

	rr = env.do("GET", "/api/devices", "")
	var devices []DeviceStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &devices); err != nil {
		t.Fatalf("Failed to parse devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}
	d := devices[0]
	if d.PortID != "COM3" || d.VID != "2341" || d.PID != "0043" {
		t.Errorf("device = %+v", d.Device)
	}
	if d.Manufacturer != "Arduino LLC" || d.Description != "Arduino Uno" {
		t.Errorf("device strings = %q / %q", d.Manufacturer, d.Description)
	}
	if d.State != "running" {
		t.Errorf("State = %q, want running", d.State)
	}
}

func TestDetectPlatformError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mu.Lock()
	env.listErr = errors.New("enumeration unavailable")
	env.mu.Unlock()

	rr := env.do("POST", "/api/detect", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rr.Body.String(), "platform query failed") {
		t.Errorf("body = %s, want platform query error", rr.Body.String())
	}
}

func TestDetectAfterShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.monitor.Shutdown()

	rr := env.do("POST", "/api/detect", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestHandlePorts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.monitor.Reconcile()

	rr := env.do("GET", "/api/ports", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var ports []PortStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &ports); err != nil {
		t.Fatalf("Failed to parse ports: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("len(ports) = %d, want 2", len(ports))
	}
	// sorted by name
	if ports[0].Name != "COM1" || ports[1].Name != "COM3" {
		t.Fatalf("order = %s, %s", ports[0].Name, ports[1].Name)
	}
	if ports[0].Supported || ports[0].Active {
		t.Errorf("COM1 = %+v, want unsupported and inactive", ports[0])
	}
	if !ports[1].Supported || !ports[1].Active {
		t.Errorf("COM3 = %+v, want supported and active", ports[1])
	}
	if ports[1].HardwareID != "USB VID:PID=2341:0043 SER=7543" {
		t.Errorf("HardwareID = %q", ports[1].HardwareID)
	}
}

func TestHandlePortsError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mu.Lock()
	env.listErr = errors.New("boom")
	env.mu.Unlock()

	rr := env.do("GET", "/api/ports", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestHandleDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	env.monitor.Reconcile()

	rr := env.do("POST", "/api/disconnect?port=COM9", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown port status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	rr = env.do("POST", "/api/disconnect?port=COM3", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if env.monitor.Registry().Contains("COM3") {
		t.Error("COM3 still registered after disconnect")
	}

	// suppressed from automatic reconnection, manual detect brings it back
	env.monitor.Reconcile()
	rr = env.do("POST", "/api/disconnect", "")
	var body map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body["disconnected"] != 1 {
		t.Errorf("disconnected = %d, want 1", body["disconnected"])
	}
	if env.monitor.Registry().Len() != 0 {
		t.Errorf("registry len = %d, want 0", env.monitor.Registry().Len())
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("GET", "/api/settings", "")
	var got config.Settings
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to parse settings: %v", err)
	}
	if got.BaudRate != config.DefaultBaudRate || !got.AutoConnect {
		t.Errorf("settings = %+v", got)
	}

	rr = env.do("PUT", "/api/settings", `{"baud_rate": 9600}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rr.Code, rr.Body.String())
	}

	s := env.monitor.Settings()
	if s.BaudRate != 9600 {
		t.Errorf("BaudRate = %d, want 9600", s.BaudRate)
	}
	// partial update keeps the patterns
	if len(s.SupportedDevices) != 1 {
		t.Errorf("SupportedDevices = %v, want kept", s.SupportedDevices)
	}

	env.mu.Lock()
	saved := len(env.saved)
	env.mu.Unlock()
	if saved != 1 {
		t.Errorf("saved %d times, want 1", saved)
	}
}

func TestSettingsRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"baud_rate":`},
		{"unknown field", `{"baudrate": 9600}`},
		{"bad pattern", `{"supported_devices": ["2341:0043"]}`},
		{"bad baud", `{"baud_rate": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do("PUT", "/api/settings", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}

	if env.monitor.Settings().BaudRate != config.DefaultBaudRate {
		t.Error("rejected update changed settings")
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.saved) != 0 {
		t.Errorf("saved %d times, want 0", len(env.saved))
	}
}

func TestSettingsPutNormalizesPatterns(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("PUT", "/api/settings", `{"supported_devices": [" vid:pid=10c4:ea60 "]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rr.Code, rr.Body.String())
	}

	if got := env.monitor.Settings().SupportedDevices; len(got) != 1 || got[0] != "VID:PID=10C4:EA60" {
		t.Errorf("SupportedDevices = %v, want upper-cased pattern", got)
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.saved) != 1 || env.saved[0].SupportedDevices[0] != "VID:PID=10C4:EA60" {
		t.Errorf("saved = %+v, want the normalized settings", env.saved)
	}
}

func TestAddPattern(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("POST", "/api/settings/patterns", `{"vid": "10c4", "pid": "ea60"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, body %s", rr.Code, rr.Body.String())
	}

	var got config.Settings
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to parse settings: %v", err)
	}
	want := []string{"VID:PID=2341:0043", "VID:PID=10C4:EA60"}
	if len(got.SupportedDevices) != 2 || got.SupportedDevices[1] != want[1] {
		t.Errorf("SupportedDevices = %v, want %v", got.SupportedDevices, want)
	}
	if !env.monitor.Settings().HasPattern("VID:PID=10C4:EA60") {
		t.Error("monitor settings missing the added pattern")
	}

	rr = env.do("POST", "/api/settings/patterns", `{"pattern": "VID:PID=10C4:EA60"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want %d", rr.Code, http.StatusConflict)
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.saved) != 1 {
		t.Errorf("saved %d times, want 1", len(env.saved))
	}
}

func TestAddPatternRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ``},
		{"missing pid", `{"vid": "2341"}`},
		{"bad vid", `{"vid": "23", "pid": "0043"}`},
		{"bad pattern", `{"pattern": "2341:0043"}`},
		{"unknown field", `{"vendor": "2341"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do("POST", "/api/settings/patterns", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}

	if got := env.monitor.Settings().SupportedDevices; len(got) != 1 {
		t.Errorf("SupportedDevices = %v, want unchanged", got)
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.saved) != 0 {
		t.Errorf("saved %d times, want 0", len(env.saved))
	}
}

func TestRemovePattern(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("DELETE", "/api/settings/patterns?vid=9999&pid=0001", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("absent status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	rr = env.do("DELETE", "/api/settings/patterns", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("no pattern status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = env.do("DELETE", "/api/settings/patterns?vid=2341&pid=0043", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := env.monitor.Settings().SupportedDevices; len(got) != 0 {
		t.Errorf("SupportedDevices = %v, want empty", got)
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.saved) != 1 || len(env.saved[0].SupportedDevices) != 0 {
		t.Errorf("saved = %+v, want one save with no patterns", env.saved)
	}
}

func TestMethodRouting(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do("GET", "/api/detect", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/detect status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.monitor.Reconcile()

	rr := env.do("GET", "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"usbloopback_active_sessions 1",
		`usbloopback_device_connected_total{port="COM3"} 1`,
		"usbloopback_reconciliations_total 1",
		`usbloopback_session_bytes_in{pid="0043",port="COM3",vid="2341"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	env.monitor.DisconnectOne("COM3")
	body = env.do("GET", "/metrics", "").Body.String()
	want := `usbloopback_device_disconnected_total{port="COM3",reason="disconnect_requested"} 1`
	if !strings.Contains(body, want) {
		t.Errorf("metrics missing %q", want)
	}
}

func TestBasicAuth(t *testing.T) {
	env := newTestEnv(t, &config.MonitoringConfig{
		Port:     8080,
		Username: "admin",
		Password: "secret",
	})

	tests := []struct {
		name       string
		user       string
		pass       string
		wantStatus int
	}{
		{"no auth", "", "", http.StatusUnauthorized},
		{"wrong user", "wrong", "secret", http.StatusUnauthorized},
		{"wrong pass", "admin", "wrong", http.StatusUnauthorized},
		{"correct auth", "admin", "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/health", nil)
			if tt.user != "" || tt.pass != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rr := httptest.NewRecorder()

			env.server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				want := `Basic realm="USBLoopback"`
				if got := rr.Header().Get("WWW-Authenticate"); got != want {
					t.Errorf("WWW-Authenticate = %q, want %q", got, want)
				}
			}
		})
	}
}

func TestSSEStream(t *testing.T) {
	env := newTestEnv(t, nil)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/stream?port=COM3", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	waitLine := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	waitLine("event: connected")

	// the client registers before the hello is written
	deadline := time.Now().Add(time.Second)
	for env.broker.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	env.monitor.Reconcile()

	waitLine("event: device_connected")
	data := waitLine("data: ")

	var ev StreamEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &ev); err != nil {
		t.Fatalf("Failed to parse event: %v", err)
	}
	if ev.Type != "device_connected" || ev.Device.PortID != "COM3" {
		t.Errorf("event = %+v", ev)
	}
}

func TestBrokerFilter(t *testing.T) {
	broker := NewSSEBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Run(ctx)

	com3 := broker.subscribe("COM3")
	all := broker.subscribe("all")
	if com3 == nil || all == nil {
		t.Fatal("subscribe returned nil on a running broker")
	}

	broker.DeviceConnected(loopback.Device{PortID: "COM4"})
	broker.DeviceDisconnected(loopback.Device{PortID: "COM3"}, loopback.ReasonRemoved)

	select {
	case msg := <-com3.send:
		if msg.Port != "COM3" || msg.Event != "device_disconnected" {
			t.Errorf("COM3 client got %+v", msg)
		}
		if !strings.Contains(msg.Data, `"reason":"device_removed"`) {
			t.Errorf("Data = %s, want reason", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("COM3 client got nothing")
	}

	received := 0
	timeout := time.After(time.Second)
	for received < 2 {
		select {
		case <-all.send:
			received++
		case <-timeout:
			t.Fatalf("all client got %d events, want 2", received)
		}
	}
}

func TestBrokerDeviceError(t *testing.T) {
	broker := NewSSEBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Run(ctx)

	client := broker.subscribe("COM3")
	if client == nil {
		t.Fatal("subscribe returned nil on a running broker")
	}

	broker.DeviceError("COM3", errors.New("permission denied"))

	select {
	case msg := <-client.send:
		if msg.Event != "device_error" {
			t.Errorf("Event = %q, want device_error", msg.Event)
		}
		if !strings.Contains(msg.Data, `"error":"permission denied"`) {
			t.Errorf("Data = %s, want error text", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("client got nothing")
	}
}

func TestBrokerStopped(t *testing.T) {
	broker := NewSSEBroker()
	ctx, cancel := context.WithCancel(context.Background())
	go broker.Run(ctx)

	client := broker.subscribe("all")
	cancel()

	select {
	case <-client.done:
	case <-time.After(time.Second):
		t.Fatal("client not released on broker stop")
	}

	// neither call may block once the broker is gone
	broker.unsubscribe(client)
	if c := broker.subscribe("all"); c != nil {
		t.Error("subscribe after stop should return nil")
	}
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t, &config.MonitoringConfig{Host: "127.0.0.1", Port: 0})

	// port 0 picks a free port when Start is called directly
	if err := env.server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.server.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestStartListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	env := newTestEnv(t, &config.MonitoringConfig{Host: "127.0.0.1", Port: port})
	if err := env.server.Start(); err == nil {
		t.Error("Start() should fail when the port is taken")
	}
}

func TestMain(m *testing.M) {
	slog.SetDefault(testLogger())
	os.Exit(m.Run())
}
