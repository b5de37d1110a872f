package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stageguard/internal/logging"
)

// Handler serves /metrics from gatherer plus /healthz and /readyz probes.
// ready may be nil, in which case /readyz always succeeds.
func Handler(gatherer prometheus.Gatherer, ready func(context.Context) error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Serve listens on addr and serves handler until ctx is cancelled. It returns
// the bound address once listening, so ":0" works in tests.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	bound := listener.Addr().String()
	go func() {
		logger.Info("metrics server listening", logging.String("addr", bound))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "metrics_server_failed"),
			)
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	return bound, nil
}
