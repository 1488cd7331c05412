package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"usbloopback/config"
	"usbloopback/forward"
	"usbloopback/loopback"
	"usbloopback/monitoring"
	"usbloopback/output"
	"usbloopback/serial"
)

// sessionDrainTimeout bounds how long shutdown waits for echo loops
const sessionDrainTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the loopback daemon (default)",
	Long: `Run the device monitor, the HTTP control server and, when configured,
the NATS event and health publishers until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// settingsFile persists settings changes back to the file they came from
type settingsFile struct {
	mu   sync.Mutex
	path string
	cfg  *config.Config
}

func (f *settingsFile) save(s config.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.Settings = s.Clone()
	return f.cfg.Save(f.path)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, loadErr := config.Load(configPath)

	logger := setupLogging(&cfg.Logging, debug, os.Stdout)
	slog.SetDefault(logger)

	if loadErr != nil {
		// defaults keep the daemon usable; the file is left untouched until saved
		logger.Warn("Settings file unusable, continuing with defaults",
			"config", configPath, "error", loadErr)
	}

	logger.Info("Starting "+appName,
		"version", cmd.Root().Version,
		"instance", cfg.App.InstanceID,
		"config", configPath,
		"baud_rate", cfg.BaudRate,
		"auto_connect", cfg.AutoConnect)

	if len(cfg.SupportedDevices) == 0 {
		logger.Warn("No supported devices configured, nothing will be opened until patterns are added")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// NATS is optional; everything downstream is nil-safe
	var nc *output.NATSConnection
	if cfg.NATS.URL != "" {
		conn, err := output.NewNATSConnection(cfg.NATS, appName+"-"+cfg.App.InstanceID, logger)
		if err != nil {
			logger.Warn("NATS unavailable, events will not be published", "error", err)
		} else {
			nc = conn
		}
	}

	var publisher *output.EventPublisher
	if nc != nil {
		publisher = output.NewEventPublisher(&output.EventPublisherConfig{
			Conn:       nc,
			Subject:    output.BuildEventsSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
			InstanceID: cfg.App.InstanceID,
			Logger:     logger,
		})
	}

	broker := monitoring.NewSSEBroker()
	metrics := monitoring.NewMetrics()

	sinks := loopback.Sinks{broker, metrics}
	if publisher != nil {
		sinks = append(sinks, publisher)
	}

	var hotplug loopback.HotplugSource
	if dir := cfg.Detection.HotplugDir; dir != "" {
		watcher, err := serial.NewWatcher(dir, logger)
		if err != nil {
			logger.Warn("Hotplug watching unavailable, relying on polling", "dir", dir, "error", err)
		} else {
			defer watcher.Close()
			hotplug = watcher
		}
	}

	monitor, err := loopback.NewMonitor(loopback.MonitorConfig{
		Source:    serial.NewEnumeratorSource(),
		Sink:      sinks,
		Hotplug:   hotplug,
		Settings:  cfg.Settings,
		Detection: cfg.Detection,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}
	if err := metrics.Watch(monitor); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	health := output.NewHealthPublisher(healthConfig(cfg, nc, monitor, logger))

	var forwarder *forward.Forwarder
	if cfg.Forwarder.Enabled && nc != nil {
		forwarder = forward.New(&forward.ForwarderConfig{
			Config:       &cfg.Forwarder,
			InstanceID:   cfg.App.InstanceID,
			LocalConn:    nc.Conn(),
			LocalSubject: publisher.Subject(),
			Logger:       logger,
		})
		if err := forwarder.Start(ctx); err != nil {
			logger.Warn("Event forwarder failed to start", "error", err)
			forwarder = nil
		}
	}

	var server *monitoring.Server
	if cfg.Monitoring.Port != 0 {
		store := &settingsFile{path: configPath, cfg: cfg}
		serverCfg := monitoring.ServerConfig{
			Monitoring: &cfg.Monitoring,
			Monitor:    monitor,
			Broker:     broker,
			Metrics:    metrics,
			Save:       store.save,
			Logger:     logger,
		}
		if forwarder != nil {
			serverCfg.ForwarderStats = forwarder.Stats
		}
		server = monitoring.NewServer(serverCfg)
		if err := server.Start(); err != nil {
			monitor.Close(sessionDrainTimeout)
			return fmt.Errorf("start control server: %w", err)
		}
	}

	monitor.Start(ctx)
	health.Start()
	publisher.PublishServiceStart(cmd.Root().Version, cfg.SupportedDevices)

	logger.Info(appName+" started",
		"instance", cfg.App.InstanceID,
		"control", cfg.Monitoring.Address(),
		"nats", nc != nil,
		"hotplug", hotplug != nil)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())
	cancel()

	shutdown(logger, server, monitor, health, publisher, forwarder, nc, sig.String())
	return nil
}

func healthConfig(cfg *config.Config, nc *output.NATSConnection, monitor *loopback.Monitor, logger *slog.Logger) *output.HealthPublisherConfig {
	if nc == nil {
		return nil
	}
	return &output.HealthPublisherConfig{
		Conn:       nc,
		Subject:    output.BuildHealthSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
		InstanceID: cfg.App.InstanceID,
		Interval:   cfg.NATS.HealthInterval(),
		Logger:     logger,
		StatsFunc: func() output.HealthStats {
			st := monitor.Stats()
			return output.HealthStats{
				NATSConnected:   nc.IsConnected(),
				AutoConnect:     monitor.Settings().AutoConnect,
				Reconciliations: st.Reconciliations,
				QueryFailures:   st.QueryFailures,
				Devices:         output.SessionHealth(monitor.Sessions(), time.Now()),
			}
		},
	}
}

// shutdown stops components in dependency order: no new requests, no new
// sessions, then the publishers that report on them.
func shutdown(logger *slog.Logger, server *monitoring.Server, monitor *loopback.Monitor,
	health *output.HealthPublisher, publisher *output.EventPublisher,
	forwarder *forward.Forwarder, nc *output.NATSConnection, reason string) {

	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Error stopping control server", "error", err)
		}
	}

	if !monitor.Close(sessionDrainTimeout) {
		logger.Warn("Some echo sessions did not stop in time")
	}

	health.Stop()
	publisher.PublishServiceStop(reason)

	if forwarder != nil {
		forwarder.Stop()
	}
	if nc != nil {
		nc.Close()
	}

	logger.Info(appName + " stopped")
}
