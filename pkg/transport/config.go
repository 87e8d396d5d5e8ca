package transport

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultSocketPath     = "/tmp/shm-region.sock"
	defaultWorkers        = 64
	defaultInboxSize      = 1024
	defaultPollInterval   = 50 * time.Millisecond
	defaultDialTimeout    = 2 * time.Second
	defaultMaxDialRetries = 5
)

// Config configures both ends of a region transfer socket.
type Config struct {
	// SocketPath is the filesystem path of the Unix socket.
	SocketPath string
	// Workers bounds the number of connections a Server reads from concurrently. Connections
	// beyond it are refused.
	Workers int
	// InboxSize is the number of received regions a Server buffers until Next picks them up.
	// Must be a power of two. Readers block while the inbox is full.
	InboxSize uint64
	// PollInterval is how often a blocked Next rechecks its context.
	PollInterval time.Duration
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// MaxDialRetries is how many times Dial retries after the first attempt fails.
	MaxDialRetries uint64
	// Tracer receives one span per transferred region. Defaults to a no-op tracer.
	Tracer trace.Tracer
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		SocketPath:     defaultSocketPath,
		Workers:        defaultWorkers,
		InboxSize:      defaultInboxSize,
		PollInterval:   defaultPollInterval,
		DialTimeout:    defaultDialTimeout,
		MaxDialRetries: defaultMaxDialRetries,
		Tracer:         noop.NewTracerProvider().Tracer("shm-region/transport"),
	}
}

// VerifyConfig checks that config is usable, filling in a no-op Tracer when none is set.
func VerifyConfig(config *Config) error {
	if config == nil {
		return errors.New("transport: nil config")
	}
	if config.SocketPath == "" {
		return errors.New("transport: SocketPath must not be empty")
	}
	if config.Workers <= 0 {
		return fmt.Errorf("transport: Workers must be positive, got %d", config.Workers)
	}
	if config.InboxSize == 0 || config.InboxSize&(config.InboxSize-1) != 0 {
		return fmt.Errorf("transport: InboxSize must be a power of two, got %d", config.InboxSize)
	}
	if config.PollInterval <= 0 {
		return fmt.Errorf("transport: PollInterval must be positive, got %s", config.PollInterval)
	}
	if config.DialTimeout <= 0 {
		return fmt.Errorf("transport: DialTimeout must be positive, got %s", config.DialTimeout)
	}
	if config.Tracer == nil {
		config.Tracer = noop.NewTracerProvider().Tracer("shm-region/transport")
	}
	return nil
}
