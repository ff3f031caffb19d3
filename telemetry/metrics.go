// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesScanned  prometheus.Counter
	MessagesFlagged  prometheus.Counter
	DetectorErrors   prometheus.Counter
	TimeoutsIssued   prometheus.Counter
	LockdownsOpened  prometheus.Counter
	FlushesOK        prometheus.Counter
	FlushesFailed    prometheus.Counter
	AppealsByOutcome *prometheus.CounterVec

	// Histograms (seconds)
	FlushDuration  prometheus.Observer
	ScanDuration   prometheus.Observer
	ResyncDuration prometheus.Observer

	// Gauges
	DirtyCommunitiesGauge prometheus.Gauge
	OpenAppealsGauge      prometheus.Gauge
	PendingLockdownsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesScanned = promauto.NewCounter(prometheus.CounterOpts{Name: "modwarden_messages_scanned_total", Help: "Messages run through the detector"})
		MessagesFlagged = promauto.NewCounter(prometheus.CounterOpts{Name: "modwarden_messages_flagged_total", Help: "Messages that matched a banned keyword"})
		DetectorErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "modwarden_detector_errors_total", Help: "Detector calls that failed (treated as no-match)"})
		TimeoutsIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "modwarden_timeouts_issued_total", Help: "Member timeouts issued by escalation"})
		LockdownsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "modwarden_lockdowns_opened_total", Help: "Lockdown reviews opened"})
		FlushesOK = promauto.NewCounter(prometheus.CounterOpts{Name: "modwarden_flushes_ok_total", Help: "Community flag flushes that reached the remote store"})
		FlushesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "modwarden_flushes_failed_total", Help: "Community flag flushes that failed remotely and were re-queued"})
		AppealsByOutcome = promauto.NewCounterVec(prometheus.CounterOpts{Name: "modwarden_appeals_total", Help: "Appeals resolved by outcome"}, []string{"outcome"})
		FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "modwarden_flush_duration_seconds", Help: "Flag flush duration seconds", Buckets: prometheus.DefBuckets})
		ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "modwarden_scan_duration_seconds", Help: "Message scan+escalation duration seconds", Buckets: prometheus.DefBuckets})
		ResyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "modwarden_resync_duration_seconds", Help: "Full resync duration seconds", Buckets: prometheus.DefBuckets})
		DirtyCommunitiesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "modwarden_dirty_communities", Help: "Communities awaiting a flag flush"})
		OpenAppealsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "modwarden_open_appeals", Help: "Appeals not yet in a terminal state"})
		PendingLockdownsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "modwarden_pending_lockdowns", Help: "Lockdown reviews awaiting a verdict"})
	})
}

// SetDirtyCommunities records how many communities await a flush.
func SetDirtyCommunities(n int) {
	if DirtyCommunitiesGauge != nil {
		DirtyCommunitiesGauge.Set(float64(n))
	}
}

// SetOpenAppeals records the count of non-terminal appeals.
func SetOpenAppeals(n int) {
	if OpenAppealsGauge != nil {
		OpenAppealsGauge.Set(float64(n))
	}
}

// SetPendingLockdowns records the count of open lockdown reviews.
func SetPendingLockdowns(n int) {
	if PendingLockdownsGauge != nil {
		PendingLockdownsGauge.Set(float64(n))
	}
}

// RecordAppealOutcome counts one resolved appeal.
func RecordAppealOutcome(outcome string) {
	if AppealsByOutcome != nil {
		AppealsByOutcome.WithLabelValues(outcome).Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
