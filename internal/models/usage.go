package models

import (
	"fmt"
	"time"
)

// APIKey represents one provisioned provider key. Keys are immutable once
// provisioned; the surrogate ID doubles as the deterministic tie-break
// order during acquisition.
type APIKey struct {
	ID        int64     `json:"id" db:"id"`
	Key       string    `json:"api_key" db:"api_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// String implements fmt.Stringer. The key material is elided so the type
// is safe to log.
func (k APIKey) String() string {
	return fmt.Sprintf("APIKey{ID: %d, Key: %s}", k.ID, redactKey(k.Key))
}

// redactKey keeps the first four characters of a key for identification.
func redactKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

// UsageEvent records one successful external call made with a key.
// Append-only. The call instant is stored twice: once in the reference
// timezone that buckets daily quotas and once in the local operational
// timezone, so audit timestamps stay exact regardless of later
// timezone-database changes.
type UsageEvent struct {
	ID              string    `json:"id" db:"id"`
	Key             string    `json:"api_key" db:"api_key"`
	UsedAtReference time.Time `json:"used_at_reference" db:"used_at_reference"`
	UsedAtLocal     time.Time `json:"used_at_local" db:"used_at_local"`
}

// Validate checks that the event is complete before persistence.
func (e UsageEvent) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "event id cannot be empty"}
	}
	if e.Key == "" {
		return &ValidationError{Field: "api_key", Message: "api key cannot be empty"}
	}
	if e.UsedAtReference.IsZero() {
		return &ValidationError{Field: "used_at_reference", Message: "reference timestamp cannot be zero"}
	}
	if e.UsedAtLocal.IsZero() {
		return &ValidationError{Field: "used_at_local", Message: "local timestamp cannot be zero"}
	}
	return nil
}

// ReferenceDate returns the calendar date of the event in the reference
// timezone, which is the bucket its quota increment belongs to.
func (e UsageEvent) ReferenceDate() string {
	return e.UsedAtReference.Format(SnapshotDateLayout)
}

// DailyUsage is the per-(key, reference-date) call counter. The invariant
// is count == number of UsageEvents for that key on that date once no
// reservations are in flight.
type DailyUsage struct {
	Key       string    `json:"api_key" db:"api_key"`
	Date      string    `json:"usage_date" db:"usage_date"`
	Count     int       `json:"count" db:"count"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
