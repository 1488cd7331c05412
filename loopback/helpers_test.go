package loopback

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"usbloopback/config"
	"usbloopback/serial"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeConn is an in-memory serial connection. Reads time out after a few
// milliseconds with (0, nil) like a real port with a read timeout.
type fakeConn struct {
	device  string
	inbound chan []byte
	fail    chan error
	partial chan partialRead
	closed  chan struct{}

	closeOnce  sync.Once
	mu         sync.Mutex
	written    []byte
	closeCount int
}

// partialRead is a read that returns data and an error together
type partialRead struct {
	data []byte
	err  error
}

func newFakeConn(device string) *fakeConn {
	return &fakeConn{
		device:  device,
		inbound: make(chan []byte, 16),
		fail:    make(chan error, 1),
		partial: make(chan partialRead, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, serial.ErrPortClosed
	case err := <-c.fail:
		return 0, err
	case b := <-c.inbound:
		return copy(p, b), nil
	case r := <-c.partial:
		return copy(p, r.data), r.err
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, serial.ErrPortClosed
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, p...)
	c.mu.Unlock()
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCount++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Device() string { return c.device }

func (c *fakeConn) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *fakeConn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written...)
}

// fakeSource returns a mutable port snapshot
type fakeSource struct {
	mu    sync.Mutex
	ports map[string]serial.PortMetadata
	err   error
	calls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{ports: make(map[string]serial.PortMetadata)}
}

func (s *fakeSource) ListPorts() (map[string]serial.PortMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]serial.PortMetadata, len(s.ports))
	for k, v := range s.ports {
		out[k] = v
	}
	return out, nil
}

func (s *fakeSource) set(name string, meta serial.PortMetadata) {
	s.mu.Lock()
	s.ports[name] = meta
	s.mu.Unlock()
}

func (s *fakeSource) remove(name string) {
	s.mu.Lock()
	delete(s.ports, name)
	s.mu.Unlock()
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// fakeOpener hands out fakeConns and can be told to fail for a device
type fakeOpener struct {
	mu      sync.Mutex
	conns   map[string][]*fakeConn
	failing map[string]bool
	opens   int
	last    serial.PortConfig
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		conns:   make(map[string][]*fakeConn),
		failing: make(map[string]bool),
	}
}

func (o *fakeOpener) Open(device string, cfg serial.PortConfig) (serial.Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	o.last = cfg
	if o.failing[device] {
		return nil, fmt.Errorf("%w: open %s: permission denied", serial.ErrConnectionOpen, device)
	}
	c := newFakeConn(device)
	o.conns[device] = append(o.conns[device], c)
	return c, nil
}

func (o *fakeOpener) setFailing(device string, fail bool) {
	o.mu.Lock()
	o.failing[device] = fail
	o.mu.Unlock()
}

func (o *fakeOpener) latest(device string) *fakeConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	cs := o.conns[device]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (o *fakeOpener) count(device string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.conns[device])
}

type recordedEvent struct {
	kind   string
	device Device
	reason CloseReason
}

// recordingSink captures lifecycle events
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingSink) DeviceConnected(dev Device) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{kind: "connected", device: dev})
	r.mu.Unlock()
}

func (r *recordingSink) DeviceDisconnected(dev Device, reason CloseReason) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{kind: "disconnected", device: dev, reason: reason})
	r.mu.Unlock()
}

func (r *recordingSink) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

func (r *recordingSink) count(kind, port string) int {
	n := 0
	for _, ev := range r.all() {
		if ev.kind == kind && ev.device.PortID == port {
			n++
		}
	}
	return n
}

type deviceError struct {
	port string
	err  error
}

// errorRecordingSink also captures open failures
type errorRecordingSink struct {
	recordingSink
	errMu  sync.Mutex
	errors []deviceError
}

func (r *errorRecordingSink) DeviceError(portID string, err error) {
	r.errMu.Lock()
	r.errors = append(r.errors, deviceError{port: portID, err: err})
	r.errMu.Unlock()
}

func (r *errorRecordingSink) errs() []deviceError {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return append([]deviceError(nil), r.errors...)
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const arduinoID = "USB VID:PID=2341:0043 SER=7543"

func arduino() serial.PortMetadata {
	return serial.PortMetadata{
		HardwareID:   arduinoID,
		Manufacturer: "Arduino LLC",
		Description:  "Arduino Uno",
		IsUSB:        true,
	}
}

func testSettings(patterns ...string) config.Settings {
	s := config.DefaultSettings()
	s.SupportedDevices = append([]string{}, patterns...)
	return s
}

func testDetection() config.DetectionConfig {
	return config.DetectionConfig{ReadTimeoutMs: 20}
}

var errDeviceGone = errors.New("device reports multiple access on port")
