package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "filedrop",
		Name:      "sessions_active",
		Help:      "Open peer sessions.",
	})

	DownloadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "filedrop",
		Name:      "downloads_active",
		Help:      "Downloads currently receiving chunks.",
	})

	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedrop",
		Name:      "downloads_completed_total",
		Help:      "Downloads that finished and passed hash verification.",
	})

	DownloadsCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedrop",
		Name:      "downloads_canceled_total",
		Help:      "Downloads that were canceled or failed.",
	})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedrop",
		Name:      "transfer_bytes_received_total",
		Help:      "File content bytes received from peers.",
	})

	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filedrop",
		Name:      "transfer_bytes_sent_total",
		Help:      "File content bytes sent to peers.",
	})
)

// Serve exposes /metrics until ctx is canceled. Only started when
// metrics are enabled in the config.
func Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics endpoint up", "addr", addr)

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
