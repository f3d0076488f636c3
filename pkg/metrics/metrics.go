// Package metrics defines the prometheus metrics exported by mirror, and the
// HTTP server that exposes them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mirror/pkg/errors"
)

// Namespace is the prefix of every metric name.
const Namespace = "mirror"

// NewCounter creates a counter under the global namespace.
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewGauge creates a gauge under the global namespace.
func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// Serve exposes the default registry at `address`/metrics until `ctx` is
// cancelled.
func Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to shut down metrics server")
		}
	}()

	log.WithField("address", address).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WithContext(err, "serve metrics")
	}
	return nil
}
