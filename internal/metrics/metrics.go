// Package metrics registers the Prometheus collectors shared by the
// ingest and bar-building paths and serves them alongside a health
// endpoint in daemon mode.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// TradesIngested counts new trade rows committed, per pair.
	TradesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcana_trades_ingested_total",
		Help: "New trade rows committed to the store.",
	}, []string{"pair"})

	// WindowsFetched counts completed fetch windows, per pair.
	WindowsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcana_windows_fetched_total",
		Help: "Fetch windows completed against the trade source.",
	}, []string{"pair"})

	// BarsEmitted counts bars persisted, per bar family.
	BarsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcana_bars_emitted_total",
		Help: "Bars persisted to the store.",
	}, []string{"bar_type"})

	// HTTPRetries counts transient-failure retries against the source.
	HTTPRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arcana_http_retries_total",
		Help: "Retried requests against the trade source.",
	})
)

// Serve exposes /metrics and /healthz on addr until ctx is canceled.
// Returns immediately when addr is empty.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}
