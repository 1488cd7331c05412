package loopback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"usbloopback/serial"
)

// ErrConnectionIO marks a read or write failure on an open connection.
// It is terminal for the session.
var ErrConnectionIO = errors.New("connection i/o error")

// echoBufferSize is the largest chunk moved per read/write cycle
const echoBufferSize = 4096

// SessionState represents the state of an echo session
type SessionState int

const (
	StateOpening SessionState = iota
	StateRunning
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionStats tracks statistics for an echo session
type SessionStats struct {
	BytesIn      int64     `json:"bytes_in"`
	BytesOut     int64     `json:"bytes_out"`
	Errors       int64     `json:"errors"`
	EchoCycles   int64     `json:"echo_cycles"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
}

// Session owns one open connection and echoes every byte it reads back out.
type Session struct {
	device   Device
	conn     *serial.ConnWithStats
	registry *Registry
	sink     EventSink
	logger   *slog.Logger

	// mu orders lifecycle transitions and the events they emit
	mu        sync.Mutex
	state     SessionState
	announced bool
	startTime time.Time
	reason    CloseReason
	closeErr  error

	statsMutex sync.RWMutex
	echoCycles int64

	finishOnce sync.Once
	done       chan struct{}
}

func newSession(dev Device, conn serial.Conn, registry *Registry, sink EventSink, logger *slog.Logger) *Session {
	if dev.SessionID == "" {
		dev.SessionID = uuid.NewString()
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Session{
		device:   dev,
		conn:     serial.NewConnWithStats(conn),
		registry: registry,
		sink:     sink,
		logger:   logger.With("device", dev.PortID, "session", dev.SessionID),
		state:    StateOpening,
		done:     make(chan struct{}),
	}
}

// start announces the session and launches its echo loop. The session must
// already be registered.
func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}

	s.state = StateRunning
	s.announced = true
	s.startTime = time.Now()
	s.sink.DeviceConnected(s.device)

	s.logger.Info("Echo session started", "vid", s.device.VID, "pid", s.device.PID)

	go s.echoLoop()
}

// echoLoop runs until the connection fails or is closed by another actor
func (s *Session) echoLoop() {
	defer close(s.done)

	reason, err := s.pump()
	s.finish(reason, err)
}

func (s *Session) pump() (CloseReason, error) {
	buf := make([]byte, echoBufferSize)

	for {
		// another actor closed the handle
		if !s.conn.IsOpen() {
			return ReasonConnectionClosed, nil
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			if werr := s.writeAll(buf[:n]); werr != nil {
				return s.ioFailure("write", werr)
			}

			s.statsMutex.Lock()
			s.echoCycles++
			s.statsMutex.Unlock()
		}
		if err != nil {
			return s.ioFailure("read", err)
		}
	}
}

// ioFailure classifies an I/O error. ErrPortClosed counts as an external
// close only when the handle really is closed; a driver reporting a closed
// port on a handle that is still open is a device failure.
func (s *Session) ioFailure(op string, err error) (CloseReason, error) {
	if errors.Is(err, serial.ErrPortClosed) && !s.conn.IsOpen() {
		return ReasonConnectionClosed, nil
	}
	return ReasonIOError, fmt.Errorf("%w: %s %s: %w", ErrConnectionIO, op, s.device.PortID, err)
}

// writeAll writes p in full before the next read
func (s *Session) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.conn.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// finish tears the session down exactly once: registry removal, connection
// close, then the disconnected event. It reports whether this call did it.
func (s *Session) finish(reason CloseReason, cause error) bool {
	did := false
	s.finishOnce.Do(func() {
		did = true

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.registry != nil {
			s.registry.removeSession(s)
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Failed to close port", "error", err)
		}

		wasRunning := s.state == StateRunning
		s.state = StateClosed
		s.reason = reason
		s.closeErr = cause

		if cause != nil {
			s.logger.Error("Echo session failed", "reason", string(reason), "error", cause)
		} else {
			s.logger.Info("Echo session closed", "reason", string(reason))
		}

		if s.announced {
			s.sink.DeviceDisconnected(s.device, reason)
		}

		// the echo loop closes done itself once it has started
		if !wasRunning {
			close(s.done)
		}
	})
	return did
}

// Stop closes the session with the given reason. It returns once the session
// is out of the registry and its connection is closed; the echo loop exits
// shortly after. Only the first call has any effect.
func (s *Session) Stop(reason CloseReason) bool {
	return s.finish(reason, nil)
}

// Disconnect stops the session at the user's request
func (s *Session) Disconnect() bool {
	return s.Stop(ReasonDisconnectRequested)
}

// Done is closed once the echo loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the echo loop exits or the timeout elapses
func (s *Session) Wait(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ID returns the random session identifier
func (s *Session) ID() string {
	return s.device.SessionID
}

// PortID returns the port the session owns
func (s *Session) PortID() string {
	return s.device.PortID
}

// Device returns the hardware description of the session
func (s *Session) Device() Device {
	return s.device
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseReason returns why the session ended, and the error if it failed.
// Both are zero while the session is running.
func (s *Session) CloseReason() (CloseReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.closeErr
}

// Stats returns current statistics
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	start := s.startTime
	s.mu.Unlock()

	s.statsMutex.RLock()
	cycles := s.echoCycles
	s.statsMutex.RUnlock()

	in, out, errs := s.conn.Stats()
	return SessionStats{
		BytesIn:      in,
		BytesOut:     out,
		Errors:       errs,
		EchoCycles:   cycles,
		StartTime:    start,
		LastActivity: s.conn.LastActivity(),
	}
}
