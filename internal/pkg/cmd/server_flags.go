package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"                       // Liveness and readiness endpoints.
	"github.com/pkg/errors"                                   // Wrap errors with stacktrace.
	"github.com/prometheus/client_golang/prometheus"          // Prometheus metrics.
	"github.com/prometheus/client_golang/prometheus/promhttp" // Prometheus metrics endpoint.
	"go.uber.org/zap"                                         // Logging.
)

// ServerFlags represents a set of flags for the HTTP server exposing
// health checks and metrics.
type ServerFlags struct {
	// Address to listen on.
	ListenAddress string

	// Path Prometheus metrics are served on.
	MetricsPath string
}

// NewServerFlags returns a new ServerFlags.
func NewServerFlags(app Flagger, defaultAddress string) *ServerFlags {
	var f ServerFlags

	app.Flag("http.listen", "Address to serve health checks and metrics on.").
		Envar("HTTP_LISTEN").
		Default(defaultAddress).
		PlaceHolder("ADDRESS").
		StringVar(&f.ListenAddress)

	app.Flag("http.metrics-path", "Path to serve Prometheus metrics on.").
		Default("/metrics").
		StringVar(&f.MetricsPath)

	return &f
}

// Handler returns the HTTP handler serving /live, /ready and metrics
// from gatherer.
func (f *ServerFlags) Handler(health healthcheck.Handler, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle(f.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve serves h until ctx is canceled.
func (f *ServerFlags) Serve(ctx context.Context, h http.Handler) error {
	srv := &http.Server{
		Addr:              f.ListenAddress,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		zap.L().Info("serving health checks and metrics", zap.String("address", f.ListenAddress))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "error serving HTTP")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "error shutting down HTTP server")
		}
		return ctx.Err()
	}
}

// PingCheck adapts a context aware ping into a healthcheck.Check
// bounded by timeout.
func PingCheck(ping func(context.Context) error, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return ping(ctx)
	}
}
