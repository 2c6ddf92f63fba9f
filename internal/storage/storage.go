// Package storage defines the storage layer interfaces for options-chain
// persistence and API-key quota accounting. These interfaces provide
// abstractions over different backends (SQL, in-memory) while enabling
// dependency injection; every query is parametrized, never concatenated.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ArnoldWan/options-chain-collector/internal/models"
)

// Sentinel errors surfaced by storage implementations. Callers check them
// with errors.Is.
var (
	// ErrNoKeyAvailable means every provisioned key has reached the daily
	// limit for the requested date. A normal outcome, not a failure.
	ErrNoKeyAvailable = errors.New("no api key available under the daily limit")

	// ErrDuplicateSnapshot means the snapshot's uniqueness backstop
	// rejected the batch: records for this (contract, date) already exist.
	ErrDuplicateSnapshot = errors.New("snapshot already persisted")

	// ErrKeyExists means the key being provisioned is already in the pool.
	ErrKeyExists = errors.New("api key already provisioned")
)

// SnapshotStorer persists one chain snapshot.
type SnapshotStorer interface {
	// StoreSnapshot writes all records of one (symbol, date) snapshot plus
	// the usage event of the call that produced them, in a single
	// transaction. Either everything commits or nothing does. Creation
	// timestamps are assigned at write time. Returns the number of records
	// written, or ErrDuplicateSnapshot if the uniqueness backstop fires.
	StoreSnapshot(ctx context.Context, records []models.OptionRecord, event models.UsageEvent) (int, error)
}

// SnapshotChecker answers whether a work unit has already been persisted.
type SnapshotChecker interface {
	// HasSnapshot reports whether at least one option record exists for
	// the given (symbol, date). Pure read, no side effects.
	HasSnapshot(ctx context.Context, symbol, date string) (bool, error)
}

// KeyQuota is the concurrency-critical quota surface. Implementations must
// make ClaimSlot and ReleaseSlot atomic with respect to concurrent callers
// touching the same (key, date) counter: two callers may never both read
// count=N and both write N+1.
type KeyQuota interface {
	// ClaimSlot atomically selects the key with the lowest count for the
	// given reference-timezone date (absent rows count as 0, ties broken
	// by provisioning order) whose count is strictly below limit, and
	// increments that count. Returns ErrNoKeyAvailable when every key is
	// at or above the limit.
	ClaimSlot(ctx context.Context, date string, limit int) (models.APIKey, error)

	// ReleaseSlot atomically decrements the counter claimed by ClaimSlot.
	// Used as the compensating action when the claimed call never
	// completed (fetch error, empty result, failed persist).
	ReleaseSlot(ctx context.Context, key, date string) error

	// UsageCount returns the counter for one (key, date), 0 if absent.
	UsageCount(ctx context.Context, key, date string) (int, error)

	// UsageCounts returns all per-key counters for one date, ordered by
	// key provisioning order.
	UsageCounts(ctx context.Context, date string) ([]models.DailyUsage, error)
}

// KeyAdmin provisions and inspects the key pool. Keys are immutable once
// provisioned.
type KeyAdmin interface {
	// AddKey provisions a new key. Returns ErrKeyExists on duplicates.
	AddKey(ctx context.Context, key string) (models.APIKey, error)

	// ListKeys returns all provisioned keys in provisioning order.
	ListKeys(ctx context.Context) ([]models.APIKey, error)
}

// Manager handles storage lifecycle concerns.
type Manager interface {
	// Initialize prepares the backend: creates tables and indexes.
	// Idempotent and safe to call multiple times.
	Initialize(ctx context.Context) error

	// Close releases connections and flushes pending writes. The store
	// must not be used afterwards.
	Close() error

	// HealthCheck verifies the backend is reachable with a lightweight
	// operation.
	HealthCheck(ctx context.Context) error
}

// Store combines every capability the pipeline needs from a backend.
type Store interface {
	SnapshotStorer
	SnapshotChecker
	KeyQuota
	KeyAdmin
	Manager
}

// StorageError represents errors that occur during storage operations.
// Provides structured context for error handling and debugging.
type StorageError struct {
	// Operation is the storage operation that failed (e.g. "insert", "query")
	Operation string

	// Table is the table involved in the operation
	Table string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// NewQueryError creates a StorageError for read operations.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Err: err}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

// NewUpdateError creates a StorageError for update operations.
func NewUpdateError(table string, err error) *StorageError {
	return &StorageError{Operation: "update", Table: table, Err: err}
}
