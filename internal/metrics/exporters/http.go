// Package exporters exposes the Prometheus metrics over HTTP.
package exporters

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/blindspot/internal/logging"
)

// HTTPHandler serves every promauto-registered collector, in OpenMetrics
// format when the scraper asks for it. A failing collector is logged and
// skipped so the rest of the scrape still succeeds.
func HTTPHandler() http.Handler {
	logger := logging.GetLogger("metrics")

	handler := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog:          &scrapeErrorLog{logger: logger},
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
	return promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer, handler)
}

// scrapeErrorLog adapts slog to promhttp.Logger.
type scrapeErrorLog struct {
	logger *slog.Logger
}

func (l *scrapeErrorLog) Println(v ...any) {
	l.logger.Warn("Metrics scrape error", "detail", v)
}
