package loopback

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonRemoved             CloseReason = "device_removed"
	ReasonDisconnectRequested CloseReason = "disconnect_requested"
	ReasonIOError             CloseReason = "io_error"
	ReasonConnectionClosed    CloseReason = "connection_closed"
	ReasonShutdown            CloseReason = "shutdown"
)

// Device identifies the hardware behind a session.
type Device struct {
	PortID       string `json:"port_id"`
	VID          string `json:"vid"`
	PID          string `json:"pid"`
	Manufacturer string `json:"manufacturer"`
	Description  string `json:"description"`
	SessionID    string `json:"session_id"`
}

// EventSink receives lifecycle notifications. Calls are fire-and-forget and
// must not block or call back into the session that raised them.
type EventSink interface {
	DeviceConnected(dev Device)
	DeviceDisconnected(dev Device, reason CloseReason)
}

// ErrorSink is an optional extension of EventSink for devices that match a
// pattern but could not be opened. The monitor reports each port once per
// run of consecutive failures.
type ErrorSink interface {
	DeviceError(portID string, err error)
}

// Sinks fans each event out to every non-nil sink in order.
type Sinks []EventSink

func (s Sinks) DeviceConnected(dev Device) {
	for _, sink := range s {
		if sink != nil {
			sink.DeviceConnected(dev)
		}
	}
}

func (s Sinks) DeviceDisconnected(dev Device, reason CloseReason) {
	for _, sink := range s {
		if sink != nil {
			sink.DeviceDisconnected(dev, reason)
		}
	}
}

// DeviceError forwards to every sink that implements ErrorSink.
func (s Sinks) DeviceError(portID string, err error) {
	for _, sink := range s {
		if es, ok := sink.(ErrorSink); ok {
			es.DeviceError(portID, err)
		}
	}
}

// NopSink discards all events
type NopSink struct{}

func (NopSink) DeviceConnected(Device)                 {}
func (NopSink) DeviceDisconnected(Device, CloseReason) {}
