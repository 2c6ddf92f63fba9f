// Package pipeline composes the fetch-dedup-persist flow for one
// options-chain work unit: duplicate guard, key acquisition under quota,
// provider fetch, and the transactional persist that confirms the key
// usage. Every invocation is a blocking, synchronous sequence; the only
// shared mutable state is the quota counter behind the ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/ArnoldWan/options-chain-collector/internal/errors"
	"github.com/ArnoldWan/options-chain-collector/internal/models"
	"github.com/ArnoldWan/options-chain-collector/internal/quota"
	"github.com/ArnoldWan/options-chain-collector/internal/storage"
)

// Fetcher performs the external call for one work unit using one key.
type Fetcher interface {
	// FetchOptions returns the parsed chain snapshot, an empty slice when
	// the provider had no data, or a TransientError when the call failed
	// without side effects.
	FetchOptions(ctx context.Context, symbol, date, apiKey string) ([]models.OptionRecord, error)
}

// Status is the terminal state of one pipeline invocation.
type Status string

const (
	// StatusPersisted means the snapshot was written and usage recorded.
	StatusPersisted Status = "persisted"

	// StatusSkipped means the work unit was already persisted.
	StatusSkipped Status = "skipped"

	// StatusNoKey means every key is at the daily limit; retryable after
	// the quota reset.
	StatusNoKey Status = "no_key_available"

	// StatusNoData means the provider reported success with no data.
	StatusNoData Status = "no_data"

	// StatusFetchError means the external call failed transiently; no
	// usage recorded, nothing persisted.
	StatusFetchError Status = "fetch_error"
)

// Outcome describes how one invocation terminated. Exactly one Outcome is
// produced per invocation that does not fail on the store.
type Outcome struct {
	Status      Status
	Unit        models.WorkUnit
	RecordCount int // set for StatusPersisted
	HTTPStatus  int // set for StatusFetchError when a status was received
}

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o.Status {
	case StatusPersisted:
		return fmt.Sprintf("%s: persisted %d records", o.Unit, o.RecordCount)
	case StatusFetchError:
		if o.HTTPStatus != 0 {
			return fmt.Sprintf("%s: fetch error (status %d)", o.Unit, o.HTTPStatus)
		}
		return fmt.Sprintf("%s: fetch error", o.Unit)
	default:
		return fmt.Sprintf("%s: %s", o.Unit, o.Status)
	}
}

// Pipeline orchestrates the per-work-unit state machine. All dependencies
// are injected; the pipeline holds no hidden connections.
type Pipeline struct {
	store   storage.Store
	fetcher Fetcher
	ledger  *quota.Ledger
	logger  *slog.Logger
	stats   *statsCollector
}

// New creates a Pipeline with the given collaborators.
func New(store storage.Store, fetcher Fetcher, ledger *quota.Ledger, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:   store,
		fetcher: fetcher,
		ledger:  ledger,
		logger:  logger,
		stats:   newStatsCollector(),
	}
}

// Process runs one work unit to a terminal state. Normal terminations
// (Skipped, NoKeyAvailable, NoData, FetchError, Persisted) return a nil
// error; only store failures and invalid arguments surface as errors, in
// which case no partial state remains.
func (p *Pipeline) Process(ctx context.Context, symbol, date string) (Outcome, error) {
	unit := models.WorkUnit{Symbol: symbol, Date: date}
	if err := unit.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("invalid work unit: %w", err)
	}

	start := time.Now()

	done, err := p.store.HasSnapshot(ctx, symbol, date)
	if err != nil {
		return Outcome{}, fmt.Errorf("duplicate check failed for %s: %w", unit, err)
	}
	if done {
		p.logger.Info("work unit already processed, skipping", "symbol", symbol, "date", date)
		return p.finish(Outcome{Status: StatusSkipped, Unit: unit}, start), nil
	}

	res, err := p.ledger.Acquire(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoKeyAvailable) {
			p.logger.Warn("no api key available under the daily limit", "symbol", symbol, "date", date)
			return p.finish(Outcome{Status: StatusNoKey, Unit: unit}, start), nil
		}
		return Outcome{}, fmt.Errorf("key acquisition failed for %s: %w", unit, err)
	}

	p.logger.Info("fetching options chain",
		"symbol", symbol,
		"date", date,
		"key", res.Key.String())

	records, err := p.fetcher.FetchOptions(ctx, symbol, date, res.Key.Key)
	if err != nil {
		p.release(ctx, res)
		if apperrors.IsTransient(err) {
			p.logger.Warn("fetch failed",
				"symbol", symbol,
				"date", date,
				"status", apperrors.StatusCode(err),
				"error", err)
			return p.finish(Outcome{Status: StatusFetchError, Unit: unit, HTTPStatus: apperrors.StatusCode(err)}, start), nil
		}
		return Outcome{}, fmt.Errorf("fetch failed for %s: %w", unit, err)
	}

	if len(records) == 0 {
		p.release(ctx, res)
		p.logger.Info("no options data for work unit", "symbol", symbol, "date", date)
		return p.finish(Outcome{Status: StatusNoData, Unit: unit}, start), nil
	}

	count, err := p.store.StoreSnapshot(ctx, records, res.Event())
	if err != nil {
		p.release(ctx, res)
		if errors.Is(err, storage.ErrDuplicateSnapshot) {
			// A concurrent run won the race; the uniqueness backstop
			// turned the double-write into a skip.
			p.logger.Info("snapshot already persisted by concurrent run", "symbol", symbol, "date", date)
			return p.finish(Outcome{Status: StatusSkipped, Unit: unit}, start), nil
		}
		return Outcome{}, fmt.Errorf("persist failed for %s: %w", unit, err)
	}

	p.logger.Info("work unit processed",
		"symbol", symbol,
		"date", date,
		"records", count,
		"duration", time.Since(start))

	return p.finish(Outcome{Status: StatusPersisted, Unit: unit, RecordCount: count}, start), nil
}

// release returns a reservation's slot, logging instead of failing: the
// primary outcome matters more than the compensation, and a leaked slot
// corrects itself at the next quota reset.
func (p *Pipeline) release(ctx context.Context, res *quota.Reservation) {
	if err := res.Release(ctx); err != nil {
		p.logger.Error("failed to release key slot", "key", res.Key.String(), "date", res.Date(), "error", err)
	}
}

// finish records the outcome in the stats collector and returns it.
func (p *Pipeline) finish(o Outcome, start time.Time) Outcome {
	p.stats.record(o, time.Since(start))
	return o
}

// Stats returns a snapshot of outcome counters since the pipeline was
// created.
func (p *Pipeline) Stats() Stats {
	return p.stats.snapshot()
}
