package status

import (
	"context"
	"time"

	"github.com/auto-claude/auto-claude/internal/config"
	"github.com/auto-claude/auto-claude/internal/control"
	"github.com/auto-claude/auto-claude/internal/core"
	"github.com/auto-claude/auto-claude/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Config configures the bridge.
type Config struct {
	// Path is the status file location.
	Path string
	// Status carries the WebSocket port range and republish cadence.
	Status config.StatusConfig
	// Bus, when set, is exposed on the server's control route.
	Bus     *control.Bus
	Metrics *Metrics
	Logger  *logging.Logger
}

// Bridge is the daemon's status publisher: a file writer plus an optional
// loopback WebSocket server. Every Publish lands in the file first; the
// push to connected clients follows the write.
type Bridge struct {
	writer  *FileWriter
	server  *Server
	metrics *Metrics
	logger  *logging.Logger
	port    int
}

var _ core.StatusPublisher = (*Bridge)(nil)

// New builds and starts a bridge. A WebSocket bind failure downgrades to
// file-only publishing rather than failing the daemon; clients fall back
// to polling the file.
func New(cfg Config) (*Bridge, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	writer := NewFileWriter(WriterConfig{
		Path:      cfg.Path,
		Republish: cfg.Status.PublishInterval(),
		Logger:    logger,
	})

	b := &Bridge{
		writer:  writer,
		metrics: metrics,
		logger:  logger.WithComponent("status"),
	}

	if cfg.Status.Enabled {
		opts := []ServerOption{WithMetrics(metrics), WithLogger(logger)}
		if cfg.Bus != nil {
			opts = append(opts, WithBus(cfg.Bus))
		}
		if cfg.Status.PortBase > 0 {
			attempts := cfg.Status.PortAttempts
			if attempts <= 0 {
				attempts = core.WSPortAttempts
			}
			opts = append(opts, WithPortRange(cfg.Status.PortBase, attempts))
		}

		server := NewServer(writer, opts...)
		port, err := server.Start()
		if err != nil {
			b.logger.Warn("websocket server unavailable, file polling only", "error", err)
		} else {
			b.server = server
			b.port = port
		}
	}

	writer.SetAfterWrite(func(snap *core.DaemonSnapshot) {
		if b.server != nil {
			b.server.Broadcast(snap)
		}
	})
	writer.Start()

	return b, nil
}

// Port returns the WebSocket port, zero when the server is not running.
func (b *Bridge) Port() int { return b.port }

// Metrics returns the collectors the daemon increments.
func (b *Bridge) Metrics() *Metrics { return b.metrics }

// Publish stamps the snapshot with the WebSocket port, updates the
// population gauges, and queues the file write.
func (b *Bridge) Publish(snapshot *core.DaemonSnapshot) error {
	snap := snapshot.Clone()
	if b.port != 0 {
		port := b.port
		snap.WSPort = &port
	}
	b.metrics.ObserveSnapshot(snap)
	return b.writer.Publish(snap)
}

// Close flushes the last published snapshot to disk, then disconnects
// WebSocket clients and stops the server.
func (b *Bridge) Close() error {
	err := b.writer.Close()
	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := b.server.Shutdown(ctx); err == nil {
			err = serr
		}
	}
	return err
}
