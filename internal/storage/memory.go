// In-memory implementation of the storage interfaces. It uses thread-safe
// data structures and mirrors the SQL backend's semantics (atomic claims,
// snapshot uniqueness backstop, all-or-nothing snapshot writes) so tests
// and ephemeral runs behave the same as production.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ArnoldWan/options-chain-collector/internal/models"
)

// MemoryStorage provides an in-memory implementation of the Store
// interface. All operations are safe for concurrent use.
type MemoryStorage struct {
	mu sync.Mutex

	// Key pool in provisioning order
	keys   []models.APIKey
	nextID int64

	// Daily counters: map[date]map[key]count
	daily map[string]map[string]int

	// Append-only usage events
	events []models.UsageEvent

	// Option records: map[symbol]map[date][]record
	records map[string]map[string][]models.OptionRecord

	// Uniqueness backstop: map["contractID|date"]bool
	contracts map[string]bool

	closed bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nextID:    1,
		daily:     make(map[string]map[string]int),
		records:   make(map[string]map[string][]models.OptionRecord),
		contracts: make(map[string]bool),
	}
}

// Initialize implements Manager.Initialize.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	return nil
}

// Close implements Manager.Close.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck implements Manager.HealthCheck.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("ping", "", errors.New("storage is closed"))
	}
	return nil
}

// HasSnapshot implements SnapshotChecker.HasSnapshot.
func (m *MemoryStorage) HasSnapshot(ctx context.Context, symbol, date string) (bool, error) {
	if ctx.Err() != nil {
		return false, NewQueryError("option_records", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, NewQueryError("option_records", errors.New("storage is closed"))
	}
	return len(m.records[symbol][date]) > 0, nil
}

// StoreSnapshot implements SnapshotStorer.StoreSnapshot. The whole batch
// succeeds or nothing is stored, matching the SQL backend's transaction.
func (m *MemoryStorage) StoreSnapshot(ctx context.Context, records []models.OptionRecord, event models.UsageEvent) (int, error) {
	if ctx.Err() != nil {
		return 0, NewInsertError("option_records", ctx.Err())
	}
	if len(records) == 0 {
		return 0, NewInsertError("option_records", errors.New("empty snapshot"))
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return 0, NewInsertError("option_records", fmt.Errorf("invalid record at index %d: %w", i, err))
		}
	}
	if err := event.Validate(); err != nil {
		return 0, NewInsertError("key_usage_events", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewInsertError("option_records", errors.New("storage is closed"))
	}

	// Check the uniqueness backstop for the entire batch before writing
	// anything, so a conflict never leaves a partial snapshot behind.
	for _, r := range records {
		ck := r.ContractID + "|" + r.Date
		if m.contracts[ck] {
			return 0, fmt.Errorf("%w: contract %s on %s", ErrDuplicateSnapshot, r.ContractID, r.Date)
		}
	}

	createdAt := time.Now().UTC()
	for _, r := range records {
		r.CreatedAt = &createdAt
		if m.records[r.Symbol] == nil {
			m.records[r.Symbol] = make(map[string][]models.OptionRecord)
		}
		m.records[r.Symbol][r.Date] = append(m.records[r.Symbol][r.Date], r)
		m.contracts[r.ContractID+"|"+r.Date] = true
	}
	m.events = append(m.events, event)

	return len(records), nil
}

// ClaimSlot implements KeyQuota.ClaimSlot. The least-used selection and
// the increment happen under one lock acquisition.
func (m *MemoryStorage) ClaimSlot(ctx context.Context, date string, limit int) (models.APIKey, error) {
	if ctx.Err() != nil {
		return models.APIKey{}, NewUpdateError("key_daily_usage", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.APIKey{}, NewUpdateError("key_daily_usage", errors.New("storage is closed"))
	}

	counts := m.daily[date]
	best := -1
	bestCount := 0
	for i, k := range m.keys {
		c := counts[k.Key]
		if c >= limit {
			continue
		}
		if best == -1 || c < bestCount {
			best = i
			bestCount = c
		}
	}
	if best == -1 {
		return models.APIKey{}, ErrNoKeyAvailable
	}

	if counts == nil {
		counts = make(map[string]int)
		m.daily[date] = counts
	}
	counts[m.keys[best].Key]++

	return m.keys[best], nil
}

// ReleaseSlot implements KeyQuota.ReleaseSlot.
func (m *MemoryStorage) ReleaseSlot(ctx context.Context, key, date string) error {
	if ctx.Err() != nil {
		return NewUpdateError("key_daily_usage", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewUpdateError("key_daily_usage", errors.New("storage is closed"))
	}
	if counts := m.daily[date]; counts != nil && counts[key] > 0 {
		counts[key]--
	}
	return nil
}

// UsageCount implements KeyQuota.UsageCount.
func (m *MemoryStorage) UsageCount(ctx context.Context, key, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewQueryError("key_daily_usage", errors.New("storage is closed"))
	}
	return m.daily[date][key], nil
}

// UsageCounts implements KeyQuota.UsageCounts.
func (m *MemoryStorage) UsageCounts(ctx context.Context, date string) ([]models.DailyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewQueryError("key_daily_usage", errors.New("storage is closed"))
	}

	usages := make([]models.DailyUsage, 0, len(m.keys))
	for _, k := range m.keys {
		usages = append(usages, models.DailyUsage{
			Key:   k.Key,
			Date:  date,
			Count: m.daily[date][k.Key],
		})
	}
	return usages, nil
}

// AddKey implements KeyAdmin.AddKey.
func (m *MemoryStorage) AddKey(ctx context.Context, key string) (models.APIKey, error) {
	if key == "" {
		return models.APIKey{}, NewInsertError("api_keys", errors.New("api key cannot be empty"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.APIKey{}, NewInsertError("api_keys", errors.New("storage is closed"))
	}
	for _, k := range m.keys {
		if k.Key == key {
			return models.APIKey{}, ErrKeyExists
		}
	}

	k := models.APIKey{ID: m.nextID, Key: key, CreatedAt: time.Now().UTC()}
	m.nextID++
	m.keys = append(m.keys, k)
	return k, nil
}

// ListKeys implements KeyAdmin.ListKeys.
func (m *MemoryStorage) ListKeys(ctx context.Context) ([]models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewQueryError("api_keys", errors.New("storage is closed"))
	}
	keys := make([]models.APIKey, len(m.keys))
	copy(keys, m.keys)
	return keys, nil
}

// UsageEventCount returns the number of usage events recorded for one key
// on one reference date.
func (m *MemoryStorage) UsageEventCount(ctx context.Context, key, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, e := range m.events {
		if e.Key == key && e.ReferenceDate() == date {
			count++
		}
	}
	return count, nil
}

// SnapshotRecords returns the stored records for one work unit, sorted by
// contract id.
func (m *MemoryStorage) SnapshotRecords(ctx context.Context, symbol, date string) ([]models.OptionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]models.OptionRecord, len(m.records[symbol][date]))
	copy(records, m.records[symbol][date])
	sort.Slice(records, func(i, j int) bool { return records[i].ContractID < records[j].ContractID })
	return records, nil
}
