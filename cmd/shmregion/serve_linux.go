package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"

	"github.com/srediag/shm-region/pkg/health"
	"github.com/srediag/shm-region/pkg/shm"
	"github.com/srediag/shm-region/pkg/transport"
)

const previewBytes = 64

var cmdServe = &cli.Command{
	Name:  "serve",
	Usage: "Receive regions on a Unix socket and report what they contain",
	Flags: []cli.Flag{
		socketFlag(),
		&cli.StringFlag{
			Name:    "http",
			Value:   ":9464",
			Usage:   "Address for /live, /ready and /metrics, empty to disable",
			EnvVars: []string{"SHMREGION_HTTP"},
		},
		&cli.IntFlag{
			Name:    "workers",
			Value:   64,
			Usage:   "Maximum concurrent connections",
			EnvVars: []string{"SHMREGION_WORKERS"},
		},
		&cli.Uint64Flag{
			Name:    "inbox",
			Value:   1024,
			Usage:   "Received regions buffered before readers block, a power of two",
			EnvVars: []string{"SHMREGION_INBOX"},
		},
		&cli.Uint64Flag{
			Name:    "max-mapped-bytes",
			Usage:   "Fail readiness above this many mapped bytes, 0 for no limit",
			EnvVars: []string{"SHMREGION_MAX_MAPPED_BYTES"},
		},
		&cli.BoolFlag{
			Name:    "per-region-metrics",
			Usage:   "Export mapped bytes per region ID",
			EnvVars: []string{"SHMREGION_PER_REGION_METRICS"},
		},
	},
	Action: runServe,
}

func runServe(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelTracker, err := shm.NewOTelTracker(otel.GetMeterProvider().Meter("shmregion"))
	if err != nil {
		return fmt.Errorf("create otel tracker: %w", err)
	}
	shm.SetUsageTracker(shm.Tee(shm.DefaultTracker(), otelTracker))

	if addr := c.String("http"); addr != "" {
		srv := newHTTPServer(addr, c.Uint64("max-mapped-bytes"), c.Bool("per-region-metrics"))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("http server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	config := transport.DefaultConfig()
	config.SocketPath = c.String("socket")
	config.Workers = c.Int("workers")
	config.InboxSize = c.Uint64("inbox")
	config.Tracer = otel.Tracer("shmregion")
	server, err := transport.Listen(config)
	if err != nil {
		return err
	}
	defer server.Close() //nolint:errcheck
	go func() {
		if err := server.Serve(); err != nil && !errors.Is(err, transport.ErrServerClosed) {
			logger.Errorf("serve: %v", err)
			stop()
		}
	}()
	fmt.Fprintf(c.App.Writer, "listening on %s\n", server.Addr())

	for {
		r, err := server.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrServerClosed) {
				return nil
			}
			return err
		}
		report(c, r)
	}
}

func newHTTPServer(addr string, maxMapped uint64, perRegion bool) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		shm.NewPrometheusCollector(shm.DefaultTracker(), "shmregion", perRegion),
	)
	opts := health.DefaultOptions()
	opts.MaxMappedBytes = maxMapped
	checks := health.NewHandler(registry, "shmregion", opts)

	mux := http.NewServeMux()
	mux.HandleFunc("/live", checks.LiveEndpoint)
	mux.HandleFunc("/ready", checks.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// report prints a received region. Read-only regions are mapped and previewed; anything else is
// only described, since its contents may change under us.
func report(c *cli.Context, r *shm.PlatformRegion) {
	if r.Mode() != shm.ModeReadOnly {
		fmt.Fprintf(c.App.Writer, "%s region %s, %d bytes\n", r.Mode(), r.ID(), r.Size())
		_ = r.Close()
		return
	}
	ro := shm.DeserializeReadOnlyRegion(r)
	defer ro.Close() //nolint:errcheck

	n := ro.Size()
	if n > previewBytes {
		n = previewBytes
	}
	m, err := ro.MapAt(0, n)
	if err != nil {
		logger.Errorf("map region %s: %v", ro.ID(), err)
		return
	}
	defer m.Unmap() //nolint:errcheck
	fmt.Fprintf(c.App.Writer, "read-only region %s, %d bytes: %q\n", ro.ID(), ro.Size(), m.Bytes())
}
