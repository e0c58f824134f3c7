package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agrichain/core/events"
)

// MarketplaceMetrics tracks listing lifecycle events. It implements
// events.Emitter so it can be attached to the marketplace engine directly.
type MarketplaceMetrics struct {
	events     *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// ReconMetrics tracks mirror reconciliation runs.
type ReconMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inserted prometheus.Counter
	skipped  prometheus.Counter
	cursor   prometheus.Gauge
	total    prometheus.Gauge
}

// HTTPMetrics tracks mirrord API requests.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	marketplaceMetricsOnce sync.Once
	marketplaceRegistry    *MarketplaceMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// Marketplace returns the lazily-initialised marketplace metrics registry.
func Marketplace() *MarketplaceMetrics {
	marketplaceMetricsOnce.Do(func() {
		marketplaceRegistry = &MarketplaceMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agrichain",
				Subsystem: "marketplace",
				Name:      "events_total",
				Help:      "Listing lifecycle events segmented by type.",
			}, []string{"type"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agrichain",
				Subsystem: "marketplace",
				Name:      "rejections_total",
				Help:      "Ledger submissions rejected, segmented by operation and reason.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(marketplaceRegistry.events, marketplaceRegistry.rejections)
	})
	return marketplaceRegistry
}

// Emit implements events.Emitter.
func (m *MarketplaceMetrics) Emit(evt events.Event) {
	if m == nil {
		return
	}
	typ := strings.TrimSpace(evt.Type)
	if typ == "" {
		typ = "unknown"
	}
	m.events.WithLabelValues(typ).Inc()
}

// RecordRejection counts a submission refused by the ledger.
func (m *MarketplaceMetrics) RecordRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

// Recon returns the lazily-initialised reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agrichain",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Reconciliation runs segmented by mode and outcome.",
			}, []string{"mode", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agrichain",
				Subsystem: "recon",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of reconciliation runs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"mode"}),
			inserted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agrichain",
				Subsystem: "recon",
				Name:      "listings_inserted_total",
				Help:      "Listings written to the mirror.",
			}),
			skipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agrichain",
				Subsystem: "recon",
				Name:      "listings_skipped_total",
				Help:      "Listings already present in the mirror when visited.",
			}),
			cursor: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "agrichain",
				Subsystem: "recon",
				Name:      "cursor",
				Help:      "Highest ledger id confirmed present in the mirror.",
			}),
			total: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "agrichain",
				Subsystem: "recon",
				Name:      "ledger_total",
				Help:      "Listing count last reported by the ledger.",
			}),
		}
		prometheus.MustRegister(
			reconRegistry.runs,
			reconRegistry.duration,
			reconRegistry.inserted,
			reconRegistry.skipped,
			reconRegistry.cursor,
			reconRegistry.total,
		)
	})
	return reconRegistry
}

// ObserveRun records the outcome of one reconciliation run.
func (m *ReconMetrics) ObserveRun(mode, outcome string, duration time.Duration, inserted, skipped int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(mode, outcome).Inc()
	m.duration.WithLabelValues(mode).Observe(duration.Seconds())
	if inserted > 0 {
		m.inserted.Add(float64(inserted))
	}
	if skipped > 0 {
		m.skipped.Add(float64(skipped))
	}
}

// SetProgress publishes the cursor and ledger total.
func (m *ReconMetrics) SetProgress(cursor, total uint64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(cursor))
	m.total.Set(float64(total))
}

// HTTP returns the lazily-initialised API metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agrichain",
				Subsystem: "mirrord_http",
				Name:      "requests_total",
				Help:      "API requests segmented by route, method and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agrichain",
				Subsystem: "mirrord_http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records one API request.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}
