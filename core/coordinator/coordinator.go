// Package coordinator turns a bulk generation request into parallel,
// fault-isolated batches and aggregates their results into a single report.
package coordinator

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/stampmint/stampmint/core/encode"
	"github.com/stampmint/stampmint/core/infra/logging"
	"github.com/stampmint/stampmint/core/infra/metrics"
	"github.com/stampmint/stampmint/core/storage"
)

const (
	defaultBatchSize    = 1000
	defaultBatchTimeout = 5 * time.Minute
	secondsPerDay       = 86400
)

// Store persists one rendered artifact. Satisfied by *storage.Manager.
type Store interface {
	Store(ctx context.Context, req storage.WriteRequest) (storage.WriteResult, error)
}

// SubjectTemplate stamps per-artifact subject fields. The owner id is the
// prefix followed by the zero-padded sequence, so every artifact in a run
// names a distinct subject.
type SubjectTemplate struct {
	OwnerPrefix string
	Category    string
	Product     string
	ExpiryDate  string
}

// Request is one bulk generation invocation.
type Request struct {
	Count    int
	Template SubjectTemplate
	// BatchSize defaults to 1000, WorkerCount to twice the available
	// parallelism.
	BatchSize   int
	WorkerCount int
}

// batchSpec is one unit of worker-pool scheduling. Sequence ranges never
// overlap across batches, so no two workers can generate the same id.
type batchSpec struct {
	index    int
	startSeq int
	size     int
}

// BatchResult is the ephemeral per-batch accounting.
type BatchResult struct {
	BatchID   string
	Requested int
	Succeeded int
	Failed    int
	Bytes     int64
	Elapsed   time.Duration
	TimedOut  bool
}

// Report is the aggregate outcome of a bulk request. SuccessCount plus
// ErrorCount always equals the requested count, including under timeouts.
type Report struct {
	RequestedCount         int     `json:"requested_count"`
	SuccessCount           int     `json:"success_count"`
	ErrorCount             int     `json:"error_count"`
	TotalBytes             int64   `json:"total_bytes"`
	ElapsedSeconds         float64 `json:"elapsed_seconds"`
	ThroughputPerSecond    float64 `json:"throughput_per_second"`
	ProjectedDailyCapacity int64   `json:"projected_daily_capacity"`
	SuccessRate            float64 `json:"success_rate"`
	BatchesProcessed       int     `json:"batches_processed"`
}

// Coordinator runs bulk generation over a bounded worker pool.
type Coordinator struct {
	encoder      *encode.Encoder
	store        Store
	metrics      metrics.Metrics
	batchTimeout time.Duration
	now          func() time.Time
}

// New constructs a Coordinator. A non-positive batchTimeout falls back to
// the default of five minutes.
func New(encoder *encode.Encoder, store Store, m metrics.Metrics, batchTimeout time.Duration) *Coordinator {
	if m == nil {
		m = metrics.Noop{}
	}
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	return &Coordinator{
		encoder:      encoder,
		store:        store,
		metrics:      m,
		batchTimeout: batchTimeout,
		now:          time.Now,
	}
}

// Run splits the request into batches, processes them across the worker
// pool, and returns the aggregate report. Per-artifact failures and batch
// timeouts degrade to counted errors; no failure escapes as an error unless
// the request itself is invalid.
func (c *Coordinator) Run(ctx context.Context, req Request) (Report, error) {
	if req.Count <= 0 {
		return Report{}, fmt.Errorf("count must be positive, got %d", req.Count)
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	workers := req.WorkerCount
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}

	numBatches := (req.Count + batchSize - 1) / batchSize
	if workers > numBatches {
		workers = numBatches
	}

	logging.Info("coordinator", "bulk generation starting",
		"requested", req.Count,
		"batches", numBatches,
		"batch_size", batchSize,
		"workers", workers,
	)

	start := c.now()
	jobs := make(chan batchSpec, numBatches)
	results := make(chan BatchResult, numBatches)

	for w := 0; w < workers; w++ {
		go c.worker(ctx, req.Template, jobs, results)
	}

	remaining := req.Count
	for i := 0; i < numBatches; i++ {
		size := batchSize
		if size > remaining {
			size = remaining
		}
		jobs <- batchSpec{index: i, startSeq: i*batchSize + 1, size: size}
		remaining -= size
	}
	close(jobs)

	var report Report
	report.RequestedCount = req.Count
	for i := 0; i < numBatches; i++ {
		res := <-results
		report.SuccessCount += res.Succeeded
		report.ErrorCount += res.Failed
		report.TotalBytes += res.Bytes
		report.BatchesProcessed++
		status := "success"
		switch {
		case res.TimedOut:
			status = "timeout"
		case res.Failed > 0:
			status = "partial"
		}
		c.metrics.IncBatches(status)
		c.metrics.ObserveBatchDuration(res.Elapsed.Seconds())
	}

	elapsed := c.now().Sub(start)
	report.ElapsedSeconds = elapsed.Seconds()
	if report.ElapsedSeconds > 0 {
		report.ThroughputPerSecond = float64(report.SuccessCount) / report.ElapsedSeconds
		report.ProjectedDailyCapacity = int64(report.ThroughputPerSecond * secondsPerDay)
	}
	if req.Count > 0 {
		report.SuccessRate = float64(report.SuccessCount) / float64(req.Count) * 100
	}

	logging.Info("coordinator", "bulk generation finished",
		"success", report.SuccessCount,
		"errors", report.ErrorCount,
		"elapsed_seconds", fmt.Sprintf("%.2f", report.ElapsedSeconds),
		"throughput_per_second", fmt.Sprintf("%.1f", report.ThroughputPerSecond),
	)
	return report, nil
}

// worker drains the batch queue. Each batch runs under its own timeout so a
// stuck batch converts to a full-size failure instead of wedging the run.
func (c *Coordinator) worker(ctx context.Context, tmpl SubjectTemplate, jobs <-chan batchSpec, results chan<- BatchResult) {
	for spec := range jobs {
		results <- c.runBatch(ctx, tmpl, spec)
	}
}

func (c *Coordinator) runBatch(ctx context.Context, tmpl SubjectTemplate, spec batchSpec) BatchResult {
	batchID := uuid.NewString()[:8]
	start := time.Now()

	batchCtx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()

	done := make(chan BatchResult, 1)
	go func() {
		done <- c.processBatch(batchCtx, tmpl, spec, batchID)
	}()

	select {
	case res := <-done:
		res.Elapsed = time.Since(start)
		return res
	case <-batchCtx.Done():
		logging.Error("coordinator", "batch timed out",
			"batch_id", batchID,
			"batch_index", spec.index,
			"size", spec.size,
		)
		return BatchResult{
			BatchID:   batchID,
			Requested: spec.size,
			Failed:    spec.size,
			Elapsed:   time.Since(start),
			TimedOut:  true,
		}
	}
}

// processBatch handles artifacts sequentially in submitted order. A failed
// artifact is counted and logged, never aborts the batch.
func (c *Coordinator) processBatch(ctx context.Context, tmpl SubjectTemplate, spec batchSpec, batchID string) BatchResult {
	res := BatchResult{BatchID: batchID, Requested: spec.size}
	for i := 0; i < spec.size; i++ {
		if ctx.Err() != nil {
			// The timeout already accounted for the whole batch.
			return res
		}
		seq := spec.startSeq + i
		encoded, err := c.encoder.Encode(encode.Request{
			OwnerID:    fmt.Sprintf("%s%08d", tmpl.OwnerPrefix, seq),
			Category:   tmpl.Category,
			Product:    tmpl.Product,
			ExpiryDate: tmpl.ExpiryDate,
			Sequence:   seq,
		})
		if err != nil {
			res.Failed++
			c.metrics.IncArtifacts("error")
			logging.Error("coordinator", "encode failed", "batch_id", batchID, "sequence", seq, "error", err)
			continue
		}
		written, err := c.store.Store(ctx, storage.WriteRequest{
			ID:           encoded.ID,
			OwnerID:      fmt.Sprintf("%s%08d", tmpl.OwnerPrefix, seq),
			Category:     tmpl.Category,
			ExpiryDate:   tmpl.ExpiryDate,
			SecurityHash: encoded.SecurityHash,
			Payload:      encoded.Payload,
		})
		if err != nil {
			res.Failed++
			c.metrics.IncArtifacts("error")
			logging.Error("coordinator", "store failed", "batch_id", batchID, "id", encoded.ID, "error", err)
			continue
		}
		res.Succeeded++
		res.Bytes += written.SizeBytes
		c.metrics.IncArtifacts("success")
	}
	return res
}
