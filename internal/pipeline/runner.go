package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/ArnoldWan/options-chain-collector/internal/errors"
	"github.com/ArnoldWan/options-chain-collector/internal/models"
)

// RunnerConfig controls batch execution.
type RunnerConfig struct {
	// WorkerCount is the number of concurrent workers. Defaults to 1;
	// the provider rate limiter still serializes outbound calls, so
	// extra workers mostly overlap fetch latency with persistence.
	WorkerCount int

	// Retry is applied around transient fetch failures per work unit.
	Retry apperrors.RetryPolicy

	Logger *slog.Logger
}

// RunSummary aggregates terminal outcomes for one batch.
type RunSummary struct {
	Total       int
	Persisted   int64
	Skipped     int64
	NoKey       int64
	NoData      int64
	FetchErrors int64
	Failed      int64
	Unprocessed int64
	Duration    time.Duration
}

// String implements fmt.Stringer.
func (s RunSummary) String() string {
	return fmt.Sprintf("total=%d persisted=%d skipped=%d no_key=%d no_data=%d fetch_errors=%d failed=%d unprocessed=%d duration=%s",
		s.Total, s.Persisted, s.Skipped, s.NoKey, s.NoData, s.FetchErrors, s.Failed, s.Unprocessed, s.Duration.Round(time.Millisecond))
}

// Runner executes a batch of work units through a pipeline with a fixed
// worker pool. Once the key pool is exhausted the runner stops handing
// out new units; units never attempted are reported as unprocessed.
type Runner struct {
	pipeline *Pipeline
	workers  int
	retry    apperrors.RetryPolicy
	logger   *slog.Logger

	exhausted atomic.Bool
}

// NewRunner creates a Runner for the given pipeline.
func NewRunner(p *Pipeline, cfg RunnerConfig) *Runner {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = apperrors.DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pipeline: p,
		workers:  workers,
		retry:    retry,
		logger:   logger,
	}
}

// Run processes every unit to a terminal state or until the context is
// cancelled or the key pool runs dry. The summary is valid even when an
// error is returned; the error reports the first store-level failure.
func (r *Runner) Run(ctx context.Context, units []models.WorkUnit) (RunSummary, error) {
	start := time.Now()
	summary := RunSummary{Total: len(units)}
	if len(units) == 0 {
		return summary, nil
	}

	r.exhausted.Store(false)

	jobs := make(chan models.WorkUnit)
	var wg sync.WaitGroup

	var (
		firstErr error
		errOnce  sync.Once
	)

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for unit := range jobs {
				if ctx.Err() != nil || r.exhausted.Load() {
					atomic.AddInt64(&summary.Unprocessed, 1)
					continue
				}
				outcome, err := r.processWithRetry(ctx, unit)
				if err != nil {
					atomic.AddInt64(&summary.Failed, 1)
					errOnce.Do(func() { firstErr = err })
					r.logger.Error("work unit failed",
						"worker", worker,
						"unit", unit.String(),
						"error", err)
					continue
				}
				r.tally(&summary, outcome)
			}
		}(i)
	}

	for _, unit := range units {
		jobs <- unit
	}
	close(jobs)
	wg.Wait()

	summary.Duration = time.Since(start)
	r.logger.Info("batch run complete", "summary", summary.String())

	if firstErr != nil {
		return summary, firstErr
	}
	return summary, ctx.Err()
}

// processWithRetry retries a unit whose fetch failed transiently. A
// fetch-error outcome is surfaced to the retry loop as a transient error
// so the backoff policy applies; after the attempts are spent the last
// outcome stands.
func (r *Runner) processWithRetry(ctx context.Context, unit models.WorkUnit) (Outcome, error) {
	var outcome Outcome
	err := apperrors.Retry(ctx, r.retry, func() error {
		var err error
		outcome, err = r.pipeline.Process(ctx, unit.Symbol, unit.Date)
		if err != nil {
			return err
		}
		if outcome.Status == StatusFetchError {
			return apperrors.NewTransientStatus(outcome.HTTPStatus)
		}
		return nil
	})
	if err != nil {
		if apperrors.IsTransient(err) && outcome.Status == StatusFetchError {
			// Attempts exhausted; the outcome already says fetch_error.
			return outcome, nil
		}
		return Outcome{}, err
	}
	return outcome, nil
}

func (r *Runner) tally(summary *RunSummary, o Outcome) {
	switch o.Status {
	case StatusPersisted:
		atomic.AddInt64(&summary.Persisted, 1)
	case StatusSkipped:
		atomic.AddInt64(&summary.Skipped, 1)
	case StatusNoKey:
		atomic.AddInt64(&summary.NoKey, 1)
		r.exhausted.Store(true)
	case StatusNoData:
		atomic.AddInt64(&summary.NoData, 1)
	case StatusFetchError:
		atomic.AddInt64(&summary.FetchErrors, 1)
	}
}
