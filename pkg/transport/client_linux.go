package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shm-region/pkg/shm"
)

// Client sends regions to a Server.
type Client struct {
	conn   *net.UnixConn
	tracer trace.Tracer
}

// Dial connects to the server at config.SocketPath, retrying with exponential backoff up to
// config.MaxDialRetries times or until ctx is done.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: config.DialTimeout}
	var conn *net.UnixConn
	op := func() error {
		c, err := dialer.DialContext(ctx, network, config.SocketPath)
		if err != nil {
			return err
		}
		conn = c.(*net.UnixConn)
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), config.MaxDialRetries), ctx)
	notify := func(err error, wait time.Duration) {
		logger.Debugf("dial %s failed, retrying in %s: %v", config.SocketPath, wait, err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", config.SocketPath, err)
	}
	return &Client{conn: conn, tracer: config.Tracer}, nil
}

// NewClient wraps an established connection.
func NewClient(conn *net.UnixConn) *Client {
	return &Client{conn: conn, tracer: DefaultConfig().Tracer}
}

func (c *Client) send(ctx context.Context, r *shm.PlatformRegion) error {
	_, span := c.tracer.Start(ctx, "shm.transport.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("shm.region.id", r.ID().String()),
			attribute.String("shm.region.mode", r.Mode().String()),
			attribute.Int64("shm.region.size", int64(r.Size())),
		))
	defer span.End()
	if err := SendRegion(c.conn, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	return nil
}

// SendReadOnly sends a read-only region. r is invalid afterwards.
func (c *Client) SendReadOnly(ctx context.Context, r *shm.ReadOnlyRegion) error {
	return c.send(ctx, r.TakeHandleForSerialization())
}

// SendUnsafe sends an unsafe region. r is invalid afterwards.
func (c *Client) SendUnsafe(ctx context.Context, r *shm.UnsafeRegion) error {
	return c.send(ctx, r.TakeHandleForSerialization())
}

// SendWritable gives up the writable region to the server. r is invalid afterwards.
func (c *Client) SendWritable(ctx context.Context, r *shm.WritableRegion) error {
	return c.send(ctx, r.TakeHandleForSerialization())
}

// Close hangs up.
func (c *Client) Close() error {
	return c.conn.Close()
}
