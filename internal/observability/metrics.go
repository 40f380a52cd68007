package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

const outcomeNone = "none"

// Metrics holds the prometheus collectors of the service.
type Metrics struct {
	OperationsTotal       *prometheus.CounterVec
	ReconciliationsTotal  *prometheus.CounterVec
	CreditsMovedTotal     *prometheus.CounterVec
	HTTPRequestsTotal     *prometheus.CounterVec
	ResponseTimeHistogram *prometheus.HistogramVec
}

// NewMetrics registers the collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memoryledger_operations_total",
				Help: "Total number of domain operations",
			},
			[]string{"operation", "status", "outcome"},
		),
		ReconciliationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memoryledger_reconciliations_total",
				Help: "Operations that left state an operator must settle",
			},
			[]string{"operation"},
		),
		CreditsMovedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memoryledger_credits_moved_total",
				Help: "Credits moved by successful ledger operations",
			},
			[]string{"operation"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		ResponseTimeHistogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_time_seconds",
				Help:    "Histogram of response times",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// LogOperation implements ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	outcome := entry.Outcome
	if outcome == "" {
		outcome = outcomeNone
	}
	metrics.OperationsTotal.WithLabelValues(entry.Operation, entry.Status, outcome).Inc()
	if entry.RequiresReconciliation {
		metrics.ReconciliationsTotal.WithLabelValues(entry.Operation).Inc()
	}
	if entry.Error == nil && entry.Amount > 0 && entry.Outcome != ledger.OutcomeDuplicate {
		metrics.CreditsMovedTotal.WithLabelValues(entry.Operation).Add(float64(entry.Amount.Int64()))
	}
}

// GinMiddleware records request counts and latencies by route template.
func (metrics *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		metrics.ResponseTimeHistogram.WithLabelValues(ctx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
