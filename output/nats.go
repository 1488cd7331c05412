package output

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"usbloopback/config"
)

// ErrNotConnected is returned when publishing without a live NATS connection.
var ErrNotConnected = errors.New("nats not connected")

// Publisher is the part of a NATS connection the publishers need.
// *nats.Conn and *NATSConnection both satisfy it.
type Publisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// NATSConnection manages NATS connection
type NATSConnection struct {
	conn   *nats.Conn
	url    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewNATSConnection creates a new NATS connection from the nats config section
func NewNATSConnection(cfg config.NATSConfig, name string, logger *slog.Logger) (*NATSConnection, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait()),
		nats.Timeout(5 * time.Second),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("Connected to NATS", "url", cfg.URL)

	return &NATSConnection{
		conn:   conn,
		url:    cfg.URL,
		logger: logger,
	}, nil
}

// Publish sends data on subject
func (nc *NATSConnection) Publish(subject string, data []byte) error {
	nc.mu.RLock()
	conn := nc.conn
	nc.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Close flushes pending messages and closes the NATS connection
func (nc *NATSConnection) Close() {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn != nil {
		if err := nc.conn.FlushTimeout(2 * time.Second); err != nil {
			nc.logger.Debug("NATS flush before close failed", "error", err)
		}
		nc.conn.Close()
		nc.conn = nil
		nc.logger.Info("Closed NATS connection")
	}
}

// Conn returns the underlying NATS connection
func (nc *NATSConnection) Conn() *nats.Conn {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn
}

// IsConnected returns true if connected to NATS
func (nc *NATSConnection) IsConnected() bool {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn != nil && nc.conn.IsConnected()
}

// subjectRoot returns the first segment of a subject prefix
func subjectRoot(subjectPrefix string) string {
	for i, c := range subjectPrefix {
		if c == '.' {
			return subjectPrefix[:i]
		}
	}
	return subjectPrefix
}
