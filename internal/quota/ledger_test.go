package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnoldWan/options-chain-collector/internal/storage"
)

// fixedClock pins the ledger to a known instant: 23:30 Eastern on
// 2024-06-25, which is already 2024-06-26 in UTC.
func fixedClock() time.Time {
	eastern, _ := time.LoadLocation("America/New_York")
	return time.Date(2024, 6, 25, 23, 30, 0, 0, eastern)
}

func newTestLedger(t *testing.T, store storage.KeyQuota, limit int) *Ledger {
	t.Helper()

	ledger, err := NewLedger(store, Config{
		DailyLimit:        limit,
		ReferenceTimezone: "America/New_York",
		LocalTimezone:     time.UTC,
		Now:               fixedClock,
	})
	require.NoError(t, err)
	return ledger
}

func TestNewLedger_Defaults(t *testing.T) {
	ledger, err := NewLedger(storage.NewMemoryStorage(), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyLimit, ledger.Limit())
}

func TestNewLedger_RejectsUnknownTimezone(t *testing.T) {
	_, err := NewLedger(storage.NewMemoryStorage(), Config{ReferenceTimezone: "Mars/Olympus_Mons"})
	assert.Error(t, err)
}

func TestLedgerToday_UsesReferenceTimezone(t *testing.T) {
	ledger := newTestLedger(t, storage.NewMemoryStorage(), 25)

	// The UTC date is already the 26th; the quota day must follow the
	// reference clock.
	assert.Equal(t, "2024-06-25", ledger.Today())
}

func TestLedgerAcquire_TieBreakIsProvisioningOrder(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	_, err := store.AddKey(ctx, "KEY-A")
	require.NoError(t, err)
	_, err = store.AddKey(ctx, "KEY-B")
	require.NoError(t, err)

	ledger := newTestLedger(t, store, 25)

	res, err := ledger.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "KEY-A", res.Key.Key)
	assert.Equal(t, "2024-06-25", res.Date())

	res2, err := ledger.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, "KEY-B", res2.Key.Key)
}

func TestLedgerAcquire_Exhaustion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	_, err := store.AddKey(ctx, "KEY-A")
	require.NoError(t, err)

	limit := 2
	ledger := newTestLedger(t, store, limit)

	for i := 0; i < limit; i++ {
		_, err := ledger.Acquire(ctx)
		require.NoError(t, err)
	}

	_, err = ledger.Acquire(ctx)
	assert.ErrorIs(t, err, ErrNoKeyAvailable)
}

func TestLedgerAcquire_ConcurrentClaimsMatchCounter(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	_, err := store.AddKey(ctx, "KEY-A")
	require.NoError(t, err)

	limit := 50
	ledger := newTestLedger(t, store, limit)

	claims := 30
	var wg sync.WaitGroup
	for i := 0; i < claims; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Acquire(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := store.UsageCount(ctx, "KEY-A", ledger.Today())
	require.NoError(t, err)
	assert.Equal(t, claims, count, "N concurrent acquisitions must count exactly N")
}

func TestReservationEvent_CarriesBothTimezones(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	_, err := store.AddKey(ctx, "KEY-A")
	require.NoError(t, err)

	ledger := newTestLedger(t, store, 25)

	res, err := ledger.Acquire(ctx)
	require.NoError(t, err)

	event := res.Event()
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "KEY-A", event.Key)
	require.NoError(t, event.Validate())

	// Same instant, two clock readings.
	assert.True(t, event.UsedAtReference.Equal(event.UsedAtLocal))
	assert.Equal(t, "2024-06-25", event.ReferenceDate())
	assert.Equal(t, "2024-06-26", event.UsedAtLocal.Format("2006-01-02"), "local timezone is UTC in this test")
}

func TestReservationEvent_UniqueIDs(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	_, err := store.AddKey(ctx, "KEY-A")
	require.NoError(t, err)

	ledger := newTestLedger(t, store, 25)
	res, err := ledger.Acquire(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, res.Event().ID, res.Event().ID)
}

func TestReservationRelease_ReturnsSlotOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	_, err := store.AddKey(ctx, "KEY-A")
	require.NoError(t, err)

	ledger := newTestLedger(t, store, 25)

	res, err := ledger.Acquire(ctx)
	require.NoError(t, err)

	count, err := store.UsageCount(ctx, "KEY-A", ledger.Today())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, res.Release(ctx))
	count, err = store.UsageCount(ctx, "KEY-A", ledger.Today())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Double release decrements only once.
	require.NoError(t, res.Release(ctx))
	count, err = store.UsageCount(ctx, "KEY-A", ledger.Today())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestLedgerUsageToday(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	_, err := store.AddKey(ctx, "KEY-A")
	require.NoError(t, err)
	_, err = store.AddKey(ctx, "KEY-B")
	require.NoError(t, err)

	ledger := newTestLedger(t, store, 25)

	_, err = ledger.Acquire(ctx)
	require.NoError(t, err)

	usages, err := ledger.UsageToday(ctx)
	require.NoError(t, err)
	require.Len(t, usages, 2)
	assert.Equal(t, 1, usages[0].Count)
	assert.Equal(t, 0, usages[1].Count)
}
