package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrPlatformQuery is returned when the OS port list cannot be obtained.
	ErrPlatformQuery = errors.New("platform query failed")

	// ErrConnectionOpen is returned when a port cannot be opened or configured.
	ErrConnectionOpen = errors.New("connection open failed")

	// ErrPortClosed is returned by I/O on a connection that has been closed.
	ErrPortClosed = errors.New("port closed")
)

// DefaultReadTimeout bounds every blocking read so loops can observe shutdown.
const DefaultReadTimeout = 500 * time.Millisecond

// Conn is an open, exclusively owned serial connection.
//
// Read returns (0, nil) when the read timeout elapses with no data. It may
// return n > 0 together with an error; the n bytes are valid.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	Device() string
	IsOpen() bool
}

// PortConfig holds the line settings used when opening a port.
// Data bits, parity and stop bits are fixed at 8N1.
type PortConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// Opener opens serial connections.
type Opener interface {
	Open(device string, cfg PortConfig) (Conn, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(device string, cfg PortConfig) (Conn, error)

// Open calls f(device, cfg).
func (f OpenerFunc) Open(device string, cfg PortConfig) (Conn, error) {
	return f(device, cfg)
}

// RealOpener opens ports through go.bug.st/serial.
type RealOpener struct{}

// Open implements Opener
func (RealOpener) Open(device string, cfg PortConfig) (Conn, error) {
	return OpenRealConn(device, cfg)
}

// RealConn implements Conn using go.bug.st/serial
type RealConn struct {
	device string
	port   serial.Port
	isOpen bool
	mu     sync.Mutex
}

// OpenRealConn opens device in 8N1 mode with the configured baud rate and read timeout.
func OpenRealConn(device string, cfg PortConfig) (*RealConn, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectionOpen, device, err)
	}

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %w", ErrConnectionOpen, device, err)
	}

	return &RealConn{
		device: device,
		port:   port,
		isOpen: true,
	}, nil
}

// Read implements io.Reader
func (c *RealConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()

	if port == nil {
		return 0, ErrPortClosed
	}

	n, err := port.Read(p)
	return n, c.translate(err)
}

// Write implements io.Writer
func (c *RealConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()

	if port == nil {
		return 0, ErrPortClosed
	}

	n, err := port.Write(p)
	return n, c.translate(err)
}

// translate reports ErrPortClosed only once Close has run on this handle.
// A driver closed-port error on a handle still marked open means the device
// went away underneath us and is returned as is.
func (c *RealConn) translate(err error) error {
	if err == nil {
		return nil
	}
	if !c.IsOpen() {
		return ErrPortClosed
	}
	return fmt.Errorf("%s: %w", c.device, err)
}

// Close implements io.Closer
func (c *RealConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isOpen || c.port == nil {
		return nil
	}

	err := c.port.Close()
	c.port = nil
	c.isOpen = false

	return err
}

// Device returns the device path
func (c *RealConn) Device() string {
	return c.device
}

// IsOpen returns true if the port is open
func (c *RealConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

// ConnWithStats wraps a Conn to track traffic statistics
type ConnWithStats struct {
	conn         Conn
	bytesIn      int64
	bytesOut     int64
	errors       int64
	lastActivity time.Time
	mu           sync.RWMutex
}

// NewConnWithStats creates a new ConnWithStats
func NewConnWithStats(conn Conn) *ConnWithStats {
	return &ConnWithStats{
		conn: conn,
	}
}

// Read implements io.Reader and tracks bytes received
func (c *ConnWithStats) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)

	c.mu.Lock()
	c.bytesIn += int64(n)
	if n > 0 {
		c.lastActivity = time.Now()
	}
	if err != nil && err != io.EOF && !errors.Is(err, ErrPortClosed) {
		c.errors++
	}
	c.mu.Unlock()

	return n, err
}

// Write implements io.Writer and tracks bytes sent
func (c *ConnWithStats) Write(p []byte) (int, error) {
	n, err := c.conn.Write(p)

	c.mu.Lock()
	c.bytesOut += int64(n)
	if err != nil && !errors.Is(err, ErrPortClosed) {
		c.errors++
	}
	c.mu.Unlock()

	return n, err
}

// Close implements io.Closer
func (c *ConnWithStats) Close() error {
	return c.conn.Close()
}

// Device returns the device path
func (c *ConnWithStats) Device() string {
	return c.conn.Device()
}

// IsOpen returns true if the port is open
func (c *ConnWithStats) IsOpen() bool {
	return c.conn.IsOpen()
}

// Stats returns current statistics
func (c *ConnWithStats) Stats() (bytesIn, bytesOut, errors int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytesIn, c.bytesOut, c.errors
}

// LastActivity returns the time data was last received, or the zero time.
func (c *ConnWithStats) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}
