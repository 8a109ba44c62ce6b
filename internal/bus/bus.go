// Package bus provides pub/sub messaging between components using embedded
// NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by the detection pipeline.
const (
	SubjectDetectionsFrame    = "detections.frame"
	SubjectOccupancyEntry     = "occupancy.entry"
	SubjectOccupancyExit      = "occupancy.exit"
	SubjectThreatsFlagged     = "threats.flagged"
	SubjectThreatsAdjudicated = "threats.adjudicated"
	SubjectStreamsLifecycle   = "streams.lifecycle"
)

// DefaultPort is the embedded NATS listen port.
const DefaultPort = 12031

// Bus wraps an embedded NATS server plus a client connection to it.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.Mutex
}

// Config configures the embedded server.
type Config struct {
	Host string
	Port int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Host: "127.0.0.1",
		Port: DefaultPort,
	}
}

// New starts an embedded NATS server and connects to it.
func New(cfg Config) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	ns, err := server.NewServer(&server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	logger := slog.Default().With("component", "bus")
	logger.Info("Event bus started", "url", ns.ClientURL())

	return &Bus{
		server: ns,
		conn:   nc,
		logger: logger,
		subs:   make(map[string][]*nats.Subscription),
	}, nil
}

// ClientURL returns the NATS client URL.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Publish marshals data as JSON and publishes it to a subject.
func (b *Bus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes all subscriptions for a subject.
func (b *Bus) Unsubscribe(subject string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for _, sub := range b.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(b.subs, subject)
}

// HealthCheck verifies the client connection is alive.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}
	return nil
}

// Stop drains the connection and shuts the server down.
func (b *Bus) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}
