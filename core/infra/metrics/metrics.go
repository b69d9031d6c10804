package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures counters for the generation and storage pipeline.
type Metrics interface {
	IncArtifacts(status string)
	IncBatches(status string)
	AddBytesWritten(tier string, n int64)
	IncShardSealed(tier string)
	IncMigrations(fromTier, toTier, status string)
	IncBackupDispatched(site, status string)
	IncOrphansQuarantined()
	ObserveBatchDuration(seconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncArtifacts(string)                  {}
func (Noop) IncBatches(string)                    {}
func (Noop) AddBytesWritten(string, int64)        {}
func (Noop) IncShardSealed(string)                {}
func (Noop) IncMigrations(string, string, string) {}
func (Noop) IncBackupDispatched(string, string)   {}
func (Noop) IncOrphansQuarantined()               {}
func (Noop) ObserveBatchDuration(float64)         {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	artifacts     *prometheus.CounterVec
	batches       *prometheus.CounterVec
	bytesWritten  *prometheus.CounterVec
	shardsSealed  *prometheus.CounterVec
	migrations    *prometheus.CounterVec
	backups       *prometheus.CounterVec
	orphans       prometheus.Counter
	batchDuration prometheus.Histogram
	once          sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Artifacts processed by status",
		}, []string{"status"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Generation batches completed by status",
		}, []string{"status"}),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes persisted by storage tier",
		}, []string{"tier"}),
		shardsSealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shards_sealed_total",
			Help:      "Shards sealed by tier",
		}, []string{"tier"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Tier migrations by source, destination and status",
		}, []string{"from", "to", "status"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_dispatches_total",
			Help:      "Backup replication dispatches by site and status",
		}, []string{"site", "status"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_quarantined_total",
			Help:      "Orphaned files quarantined by the reconciliation sweep",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock duration of generation batches",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.artifacts, p.batches, p.bytesWritten, p.shardsSealed,
			p.migrations, p.backups, p.orphans, p.batchDuration,
		)
	})
}

func (p *Prom) IncArtifacts(status string) {
	p.artifacts.WithLabelValues(status).Inc()
}

func (p *Prom) IncBatches(status string) {
	p.batches.WithLabelValues(status).Inc()
}

func (p *Prom) AddBytesWritten(tier string, n int64) {
	p.bytesWritten.WithLabelValues(tier).Add(float64(n))
}

func (p *Prom) IncShardSealed(tier string) {
	p.shardsSealed.WithLabelValues(tier).Inc()
}

func (p *Prom) IncMigrations(fromTier, toTier, status string) {
	p.migrations.WithLabelValues(fromTier, toTier, status).Inc()
}

func (p *Prom) IncBackupDispatched(site, status string) {
	p.backups.WithLabelValues(site, status).Inc()
}

func (p *Prom) IncOrphansQuarantined() {
	p.orphans.Inc()
}

func (p *Prom) ObserveBatchDuration(seconds float64) {
	p.batchDuration.Observe(seconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
