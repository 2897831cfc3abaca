package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/star/skywatch/internal/metrics"
	"github.com/star/skywatch/internal/tle"
	"github.com/star/skywatch/internal/transform"
)

// trackJob is a unit of work for the worker pool.
type trackJob struct {
	idx int
	es  tle.ElementSet
}

// trackResult is the output of a single object.
type trackResult struct {
	idx       int
	catalogID int
	sat       TrackedSatellite
	err       error
}

// WorkerPool manages a fixed number of goroutines for parallel tracking.
type WorkerPool struct {
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(workers int, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		workers: workers,
		logger:  logger,
	}
}

// Run tracks all sets with t. Failed objects are logged and skipped.
func (wp *WorkerPool) Run(ctx context.Context, t *Tracker, sets []tle.ElementSet, obs transform.Observer, at time.Time) (Batch, error) {
	batch := Batch{Failed: map[string]int{}}
	if len(sets) == 0 {
		return batch, ctx.Err()
	}

	jobs := make(chan trackJob, wp.workers*2)
	results := make(chan trackResult, wp.workers*2)

	// Start workers.
	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				sat, err := t.Track(ctx, job.es, obs, at)
				select {
				case results <- trackResult{idx: job.idx, catalogID: job.es.CatalogID, sat: sat, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Feed jobs in a goroutine.
	go func() {
		defer close(jobs)
		for i, es := range sets {
			select {
			case jobs <- trackJob{idx: i, es: es}:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Close results when all workers are done.
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results into catalog slots.
	slots := make([]*TrackedSatellite, len(sets))
	for result := range results {
		if result.err != nil {
			if errors.Is(result.err, context.Canceled) || errors.Is(result.err, context.DeadlineExceeded) {
				continue
			}
			reason := Reason(result.err)
			batch.Failed[reason]++
			level := slog.LevelWarn
			if reason == ReasonDecayed {
				level = slog.LevelDebug
			}
			wp.logger.Log(ctx, level, "tracking failed",
				"catalog_id", result.catalogID,
				"reason", reason,
				"error", result.err,
			)
			continue
		}
		sat := result.sat
		slots[result.idx] = &sat
	}

	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	batch.Satellites = make([]TrackedSatellite, 0, len(sets))
	for _, s := range slots {
		if s != nil {
			batch.Satellites = append(batch.Satellites, *s)
		}
	}
	for reason, n := range batch.Failed {
		metrics.AddTrackFailures(reason, n)
	}
	return batch, nil
}
