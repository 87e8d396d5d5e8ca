package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	internaltransport "github.com/srediag/shm-region/internal/transport"
	"github.com/srediag/shm-region/pkg/shm"
)

// ErrServerClosed is returned by Serve and Next after Close.
var ErrServerClosed = errors.New("transport: server closed")

// Server accepts connections on a Unix socket and collects the regions peers send over them.
// Received regions queue up in an inbox until Next hands them out.
type Server struct {
	config *Config
	ln     *net.UnixListener
	pool   *ants.Pool
	inbox  *queue.RingBuffer

	closed   atomic.Bool
	mu       sync.Mutex
	conns    map[*net.UnixConn]struct{}
	handlers sync.WaitGroup
}

// Listen binds config.SocketPath, replacing a stale socket file left there by a dead server.
func Listen(config *Config) (*Server, error) {
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if err := internaltransport.RemoveStaleSocket(config.SocketPath); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	ln, err := net.ListenUnix(network, &net.UnixAddr{Name: config.SocketPath, Net: network})
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", config.SocketPath, err)
	}
	pool, err := ants.NewPool(config.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Errorf("connection handler panic: %v", p)
		}))
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("transport: create worker pool: %w", err)
	}
	logger.Infof("listening on %s", config.SocketPath)
	return &Server{
		config: config,
		ln:     ln,
		pool:   pool,
		inbox:  queue.NewRingBuffer(config.InboxSize),
		conns:  make(map[*net.UnixConn]struct{}),
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until Close is called, then returns ErrServerClosed. Each connection
// is read on a pooled worker; when every worker is busy new connections are refused.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		if err := s.pool.Submit(func() { s.handle(conn) }); err != nil {
			logger.Warnf("refusing connection: %v", err)
			s.untrack(conn)
			s.handlers.Done()
		}
	}
}

func (s *Server) track(conn *net.UnixConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) handle(conn *net.UnixConn) {
	defer s.handlers.Done()
	defer s.untrack(conn)
	for {
		if !s.receive(conn) {
			return
		}
	}
}

// receive moves one region from conn into the inbox and reports whether the connection is still
// worth reading from.
func (s *Server) receive(conn *net.UnixConn) bool {
	_, span := s.config.Tracer.Start(context.Background(), "shm.transport.receive",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	r, err := ReceiveRegion(conn)
	if err != nil {
		if errors.Is(err, io.EOF) || s.closed.Load() {
			return false
		}
		logger.Warnf("dropping connection: %v", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "receive failed")
		return false
	}
	span.SetAttributes(
		attribute.String("shm.region.id", r.ID().String()),
		attribute.String("shm.region.mode", r.Mode().String()),
		attribute.Int64("shm.region.size", int64(r.Size())),
	)
	if err := s.inbox.Put(r); err != nil {
		_ = r.Close()
		return false
	}
	return true
}

// Next returns the oldest received region, waiting for one to arrive. The caller owns the region
// and wraps it with the shm.Deserialize function for its mode.
func (s *Server) Next(ctx context.Context) (*shm.PlatformRegion, error) {
	for {
		item, err := s.inbox.Poll(s.config.PollInterval)
		switch {
		case err == nil:
			return item.(*shm.PlatformRegion), nil
		case errors.Is(err, queue.ErrDisposed):
			return &shm.PlatformRegion{}, ErrServerClosed
		case !errors.Is(err, queue.ErrTimeout):
			return &shm.PlatformRegion{}, err
		}
		if err := ctx.Err(); err != nil {
			return &shm.PlatformRegion{}, err
		}
	}
}

// Close stops accepting, hangs up on every peer and closes the regions nobody picked up.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	err := s.ln.Close()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	for waiting := true; waiting; {
		// handlers blocked on a full inbox only finish once it is drained
		s.drain()
		select {
		case <-done:
			waiting = false
		case <-time.After(s.config.PollInterval):
		}
	}
	s.drain()
	s.inbox.Dispose()
	s.pool.Release()
	logger.Infof("closed %s", s.config.SocketPath)
	return err
}

func (s *Server) drain() {
	for s.inbox.Len() > 0 {
		item, err := s.inbox.Poll(s.config.PollInterval)
		if err != nil {
			return
		}
		r := item.(*shm.PlatformRegion)
		logger.Debugf("closing unclaimed region %s", r.ID())
		_ = r.Close()
	}
}
