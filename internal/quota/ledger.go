// Package quota implements the API-key pool's daily quota ledger. Each
// provisioned key may make a fixed number of provider calls per calendar
// day, bucketed in a fixed reference timezone regardless of where the
// process runs.
//
// Acquisition is a reservation, not an advisory read: Acquire atomically
// claims a slot on the least-used key, so concurrent callers can never
// push a key past its limit. A reservation that does not end in a
// persisted snapshot is released, returning the slot to the pool.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ArnoldWan/options-chain-collector/internal/models"
	"github.com/ArnoldWan/options-chain-collector/internal/storage"
)

const (
	// DefaultDailyLimit is the number of calls a single key may make per
	// reference-timezone calendar day.
	DefaultDailyLimit = 25

	// DefaultReferenceTimezone buckets daily quota usage. The provider
	// resets its own limits on US Eastern days.
	DefaultReferenceTimezone = "America/New_York"
)

// ErrNoKeyAvailable mirrors the storage sentinel for callers that only
// import this package.
var ErrNoKeyAvailable = storage.ErrNoKeyAvailable

// Config configures a Ledger.
type Config struct {
	DailyLimit        int            // Calls per key per reference day
	ReferenceTimezone string         // IANA name of the quota-bucketing timezone
	LocalTimezone     *time.Location // Operational timezone for audit timestamps
	Logger            *slog.Logger

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Ledger tracks per-key daily usage through an injected store handle.
// Safe for concurrent use; all shared state lives in the store.
type Ledger struct {
	store   storage.KeyQuota
	limit   int
	refTZ   *time.Location
	localTZ *time.Location
	logger  *slog.Logger
	now     func() time.Time
}

// NewLedger creates a Ledger over the given quota store.
func NewLedger(store storage.KeyQuota, cfg Config) (*Ledger, error) {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.ReferenceTimezone == "" {
		cfg.ReferenceTimezone = DefaultReferenceTimezone
	}
	refTZ, err := time.LoadLocation(cfg.ReferenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference timezone %q: %w", cfg.ReferenceTimezone, err)
	}
	localTZ := cfg.LocalTimezone
	if localTZ == nil {
		localTZ = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Ledger{
		store:   store,
		limit:   cfg.DailyLimit,
		refTZ:   refTZ,
		localTZ: localTZ,
		logger:  logger,
		now:     now,
	}, nil
}

// Today returns the current calendar date in the reference timezone.
func (l *Ledger) Today() string {
	return l.now().In(l.refTZ).Format(models.SnapshotDateLayout)
}

// Limit returns the configured per-key daily limit.
func (l *Ledger) Limit() int {
	return l.limit
}

// Acquire claims one call slot for today on the key with the lowest usage
// count still strictly under the limit (ties broken by provisioning
// order). Returns ErrNoKeyAvailable when the whole pool is exhausted.
// The claimed slot is already counted; callers that do not complete the
// call must Release the reservation.
func (l *Ledger) Acquire(ctx context.Context) (*Reservation, error) {
	today := l.Today()

	key, err := l.store.ClaimSlot(ctx, today, l.limit)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("acquired api key slot", "key", key.String(), "date", today)

	return &Reservation{
		Key:    key,
		date:   today,
		ledger: l,
	}, nil
}

// UsageToday returns all per-key counters for today's reference date.
func (l *Ledger) UsageToday(ctx context.Context) ([]models.DailyUsage, error) {
	return l.store.UsageCounts(ctx, l.Today())
}

// Reservation is one claimed call slot. Exactly one of Event (followed by
// a successful persist) or Release should conclude it.
type Reservation struct {
	Key models.APIKey

	date     string
	ledger   *Ledger
	mu       sync.Mutex
	released bool
}

// Date returns the reference-timezone date the slot was claimed for.
func (r *Reservation) Date() string {
	return r.date
}

// Event builds the append-only usage event confirming this reservation,
// with the call instant captured in both the reference and the local
// operational timezone.
func (r *Reservation) Event() models.UsageEvent {
	now := r.ledger.now()
	return models.UsageEvent{
		ID:              uuid.NewString(),
		Key:             r.Key.Key,
		UsedAtReference: now.In(r.ledger.refTZ),
		UsedAtLocal:     now.In(r.ledger.localTZ),
	}
}

// Release returns the claimed slot to the pool. Used when the external
// call failed, returned no data, or the persist did not commit, so the
// counter keeps matching the number of recorded usage events. Idempotent:
// releasing twice decrements only once.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil
	}
	if err := r.ledger.store.ReleaseSlot(ctx, r.Key.Key, r.date); err != nil {
		return fmt.Errorf("failed to release slot for %s: %w", r.Key.String(), err)
	}
	r.released = true

	r.ledger.logger.Debug("released api key slot", "key", r.Key.String(), "date", r.date)
	return nil
}
