package output

import (
	"encoding/json"
	"log/slog"
	"time"

	"usbloopback/loopback"
)

// Event types - these are the discrete events we publish
const (
	EventServiceStart       = "service_start"
	EventServiceStop        = "service_stop"
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
	EventError              = "error"
)

// Event is the base structure for all events published to NATS.
// Keep it simple and flat for easy querying.
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance"`
	Device     string         `json:"dev,omitempty"`     // /dev/ttyACM0, COM3, etc
	Session    string         `json:"session,omitempty"` // Echo session id
	Message    string         `json:"msg,omitempty"`     // Human-readable message
	Details    map[string]any `json:"details,omitempty"` // Optional extra data
}

// EventPublisher publishes lifecycle events to NATS.
// It's designed to be optional - if nil, nothing breaks.
type EventPublisher struct {
	conn       Publisher
	subject    string
	instanceID string
	logger     *slog.Logger
}

// EventPublisherConfig contains configuration for EventPublisher
type EventPublisherConfig struct {
	Conn       Publisher
	Subject    string // e.g., "loopback.events.bench-01"
	InstanceID string
	Logger     *slog.Logger
}

// NewEventPublisher creates a new EventPublisher.
// Returns nil if conn is nil (disabled mode).
func NewEventPublisher(cfg *EventPublisherConfig) *EventPublisher {
	if cfg == nil || cfg.Conn == nil {
		return nil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &EventPublisher{
		conn:       cfg.Conn,
		subject:    cfg.Subject,
		instanceID: cfg.InstanceID,
		logger:     logger,
	}
}

// Publish sends an event to NATS. Safe to call on nil receiver.
func (e *EventPublisher) Publish(event Event) {
	if e == nil || e.conn == nil || !e.conn.IsConnected() {
		return
	}

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.InstanceID == "" {
		event.InstanceID = e.instanceID
	}

	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("Failed to marshal event", "error", err, "type", event.Type)
		return
	}

	if err := e.conn.Publish(e.subject, data); err != nil {
		e.logger.Warn("Failed to publish event", "error", err, "type", event.Type)
		return
	}

	e.logger.Debug("Published event",
		"type", event.Type,
		"device", event.Device,
		"message", event.Message)
}

// Subject returns the subject events are published on
func (e *EventPublisher) Subject() string {
	if e == nil {
		return ""
	}
	return e.subject
}

// PublishServiceStart publishes a service start event
func (e *EventPublisher) PublishServiceStart(version string, patterns []string) {
	e.Publish(Event{
		Type:    EventServiceStart,
		Message: "USB loopback service started",
		Details: map[string]any{"version": version, "supported_devices": patterns},
	})
}

// PublishServiceStop publishes a service stop event
func (e *EventPublisher) PublishServiceStop(reason string) {
	e.Publish(Event{
		Type:    EventServiceStop,
		Message: "USB loopback service stopping",
		Details: map[string]any{"reason": reason},
	})
}

// PublishError publishes an error event
func (e *EventPublisher) PublishError(device, errMsg string) {
	e.Publish(Event{
		Type:    EventError,
		Device:  device,
		Message: errMsg,
	})
}

// DeviceError implements loopback.ErrorSink
func (e *EventPublisher) DeviceError(portID string, err error) {
	if err == nil {
		return
	}
	e.PublishError(portID, err.Error())
}

// DeviceConnected implements loopback.EventSink
func (e *EventPublisher) DeviceConnected(dev loopback.Device) {
	e.Publish(Event{
		Type:    EventDeviceConnected,
		Device:  dev.PortID,
		Session: dev.SessionID,
		Message: "Loopback session started",
		Details: map[string]any{
			"vid":          dev.VID,
			"pid":          dev.PID,
			"manufacturer": dev.Manufacturer,
			"description":  dev.Description,
		},
	})
}

// DeviceDisconnected implements loopback.EventSink
func (e *EventPublisher) DeviceDisconnected(dev loopback.Device, reason loopback.CloseReason) {
	e.Publish(Event{
		Type:    EventDeviceDisconnected,
		Device:  dev.PortID,
		Session: dev.SessionID,
		Message: "Loopback session ended",
		Details: map[string]any{"reason": string(reason)},
	})
}

// BuildEventsSubject constructs the events subject from the prefix and instance
// Format: {root}.events.{instance}
func BuildEventsSubject(subjectPrefix, instanceID string) string {
	return subjectRoot(subjectPrefix) + ".events." + instanceID
}
