package forward

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"usbloopback/config"

	"github.com/nats-io/nats.go"
)

// remote is the part of the remote connection the relay loop uses
type remote interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// Forwarder relays lifecycle events from the local NATS server to a remote one.
type Forwarder struct {
	cfg           *config.ForwarderConfig
	instanceID    string
	localConn     *nats.Conn
	localSubject  string
	remoteConn    *nats.Conn
	remote        remote
	sub           *nats.Subscription
	msgs          chan *nats.Msg
	remoteSubject string
	logger        *slog.Logger

	mu        sync.Mutex
	forwarded int64
	dropped   int64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type ForwarderConfig struct {
	Config       *config.ForwarderConfig
	InstanceID   string
	LocalConn    *nats.Conn
	LocalSubject string // events subject to relay
	Logger       *slog.Logger
}

type Stats struct {
	Enabled   bool  `json:"enabled"`
	Connected bool  `json:"connected"`
	Forwarded int64 `json:"forwarded"`
	Dropped   int64 `json:"dropped"`
}

func New(cfg *ForwarderConfig) *Forwarder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fc := cfg.Config
	if fc == nil {
		fc = &config.ForwarderConfig{}
	}
	return &Forwarder{
		cfg:           fc,
		instanceID:    cfg.InstanceID,
		localConn:     cfg.LocalConn,
		localSubject:  cfg.LocalSubject,
		remoteSubject: fc.RemoteSubject + "." + cfg.InstanceID,
		logger:        logger,
	}
}

func (f *Forwarder) Start(ctx context.Context) error {
	if !f.cfg.Enabled {
		return nil
	}
	if f.localConn == nil {
		return fmt.Errorf("forwarder requires a local NATS connection")
	}

	f.ctx, f.cancel = context.WithCancel(ctx)

	// Connect to remote
	opts := []nats.Option{
		nats.Name(f.instanceID + "-forwarder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(5 * time.Second),
	}
	if f.cfg.RemoteCreds != "" {
		opts = append(opts, nats.UserCredentials(f.cfg.RemoteCreds))
	}
	var err error
	f.remoteConn, err = nats.Connect(f.cfg.RemoteURL, opts...)
	if err != nil {
		f.cancel()
		return fmt.Errorf("remote NATS: %w", err)
	}
	f.mu.Lock()
	f.remote = f.remoteConn
	f.mu.Unlock()

	f.msgs = make(chan *nats.Msg, 256)
	f.sub, err = f.localConn.ChanSubscribe(f.localSubject, f.msgs)
	if err != nil {
		f.remoteConn.Close()
		f.cancel()
		return fmt.Errorf("subscribe %s: %w", f.localSubject, err)
	}

	f.wg.Add(1)
	go f.run()

	f.logger.Info("Forwarder started",
		"remote", f.cfg.RemoteURL,
		"from", f.localSubject,
		"to", f.remoteSubject)
	return nil
}

func (f *Forwarder) Stop() {
	if f.cancel == nil {
		return
	}
	f.stopOnce.Do(func() {
		f.cancel()
		f.wg.Wait()
		if f.sub != nil {
			f.sub.Unsubscribe()
		}
		if f.remoteConn != nil {
			f.remoteConn.Close()
		}
		f.mu.Lock()
		fwd := f.forwarded
		f.mu.Unlock()
		f.logger.Info("Forwarder stopped", "forwarded", fwd)
	})
}

func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Enabled:   f.cfg.Enabled,
		Connected: f.remote != nil && f.remote.IsConnected(),
		Forwarded: f.forwarded,
		Dropped:   f.dropped,
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case msg := <-f.msgs:
			f.relay(msg.Data)
		}
	}
}

// relay publishes one event to the remote. Events are not retried: a
// lifecycle event that misses the remote is counted as dropped.
func (f *Forwarder) relay(data []byte) {
	if f.remote == nil || !f.remote.IsConnected() {
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		return
	}

	if err := f.remote.Publish(f.remoteSubject, data); err != nil {
		f.logger.Warn("Failed to forward event", "error", err)
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		return
	}

	f.mu.Lock()
	f.forwarded++
	f.mu.Unlock()
}
