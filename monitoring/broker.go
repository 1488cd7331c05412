package monitoring

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"usbloopback/loopback"
)

// SSEClient represents a connected SSE client
type SSEClient struct {
	port string
	send chan BroadcastMessage
	done chan struct{}
}

// SSEBroker manages SSE client connections and fans lifecycle events out to
// them. It implements loopback.EventSink.
type SSEBroker struct {
	clients    map[*SSEClient]bool
	register   chan *SSEClient
	unregister chan *SSEClient
	broadcast  chan BroadcastMessage
	stopped    chan struct{}
	mu         sync.RWMutex
}

// BroadcastMessage is one SSE event addressed by port
type BroadcastMessage struct {
	Port  string
	Event string
	Data  string
}

// StreamEvent is the JSON payload of a lifecycle SSE event
type StreamEvent struct {
	Timestamp time.Time       `json:"ts"`
	Type      string          `json:"type"`
	Device    loopback.Device `json:"device"`
	Reason    string          `json:"reason,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewSSEBroker creates a new SSE broker
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{
		clients:    make(map[*SSEClient]bool),
		register:   make(chan *SSEClient),
		unregister: make(chan *SSEClient),
		broadcast:  make(chan BroadcastMessage, 256),
		stopped:    make(chan struct{}),
	}
}

// Run starts the broker's main loop. It must be called at most once.
func (b *SSEBroker) Run(ctx context.Context) {
	defer close(b.stopped)

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for client := range b.clients {
				close(client.done)
				delete(b.clients, client)
			}
			b.mu.Unlock()
			return

		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			b.mu.Unlock()

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				close(client.done)
				delete(b.clients, client)
			}
			b.mu.Unlock()

		case msg := <-b.broadcast:
			b.mu.RLock()
			for client := range b.clients {
				if client.port == msg.Port || client.port == "all" {
					select {
					case client.send <- msg:
					default:
						// Client buffer full, skip this message
					}
				}
			}
			b.mu.RUnlock()
		}
	}
}

// subscribe registers a client for port ("all" for every port). It returns
// nil once the broker has stopped.
func (b *SSEBroker) subscribe(port string) *SSEClient {
	client := &SSEClient{
		port: port,
		send: make(chan BroadcastMessage, 64),
		done: make(chan struct{}),
	}
	select {
	case b.register <- client:
		return client
	case <-b.stopped:
		return nil
	}
}

func (b *SSEBroker) unsubscribe(client *SSEClient) {
	select {
	case b.unregister <- client:
	case <-b.stopped:
	}
}

// Broadcast queues an event for every client subscribed to port. It never blocks.
func (b *SSEBroker) Broadcast(port, event, data string) {
	select {
	case b.broadcast <- BroadcastMessage{Port: port, Event: event, Data: data}:
	default:
		// Broadcast buffer full, drop message
	}
}

// ClientCount returns the number of connected clients
func (b *SSEBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *SSEBroker) DeviceConnected(dev loopback.Device) {
	b.publish(StreamEvent{Type: "device_connected", Device: dev})
}

func (b *SSEBroker) DeviceDisconnected(dev loopback.Device, reason loopback.CloseReason) {
	b.publish(StreamEvent{Type: "device_disconnected", Device: dev, Reason: string(reason)})
}

// DeviceError implements loopback.ErrorSink
func (b *SSEBroker) DeviceError(portID string, err error) {
	b.publish(StreamEvent{Type: "device_error", Device: loopback.Device{PortID: portID}, Error: err.Error()})
}

func (b *SSEBroker) publish(ev StreamEvent) {
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b.Broadcast(ev.Device.PortID, ev.Type, string(data))
}
