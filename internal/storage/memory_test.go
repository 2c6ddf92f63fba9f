package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArnoldWan/options-chain-collector/internal/models"
)

const (
	testKey    = "TESTKEY000000001"
	testSymbol = "DELL"
	testDate   = "2024-06-25"
	testLimit  = 25
)

func testRecord(contractID string) models.OptionRecord {
	return models.OptionRecord{
		ContractID: contractID,
		Symbol:     testSymbol,
		Expiration: "2024-07-19",
		Strike:     "100.00",
		Type:       models.OptionTypeCall,
		Bid:        "5.05",
		Ask:        "5.25",
		Date:       testDate,
	}
}

func testEvent(key string) models.UsageEvent {
	now := time.Date(2024, 6, 25, 9, 30, 0, 0, time.UTC)
	return models.UsageEvent{
		ID:              fmt.Sprintf("event-%s-%d", key, time.Now().UnixNano()),
		Key:             key,
		UsedAtReference: now,
		UsedAtLocal:     now,
	}
}

func TestMemoryStorage_AddAndListKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	first, err := store.AddKey(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)

	second, err := store.AddKey(ctx, "TESTKEY000000002")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ID)

	_, err = store.AddKey(ctx, testKey)
	assert.ErrorIs(t, err, ErrKeyExists)

	_, err = store.AddKey(ctx, "")
	assert.Error(t, err)

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, testKey, keys[0].Key)
}

func TestMemoryStorage_ClaimSlot_LeastUsedFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	_, err := store.AddKey(ctx, "KEY-A")
	require.NoError(t, err)
	_, err = store.AddKey(ctx, "KEY-B")
	require.NoError(t, err)

	// First two claims alternate between the keys; ties go to the key
	// provisioned first.
	k1, err := store.ClaimSlot(ctx, testDate, testLimit)
	require.NoError(t, err)
	assert.Equal(t, "KEY-A", k1.Key)

	k2, err := store.ClaimSlot(ctx, testDate, testLimit)
	require.NoError(t, err)
	assert.Equal(t, "KEY-B", k2.Key)

	k3, err := store.ClaimSlot(ctx, testDate, testLimit)
	require.NoError(t, err)
	assert.Equal(t, "KEY-A", k3.Key)
}

func TestMemoryStorage_ClaimSlot_Exhaustion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	_, err := store.AddKey(ctx, testKey)
	require.NoError(t, err)

	limit := 3
	for i := 0; i < limit; i++ {
		_, err := store.ClaimSlot(ctx, testDate, limit)
		require.NoError(t, err)
	}

	_, err = store.ClaimSlot(ctx, testDate, limit)
	assert.ErrorIs(t, err, ErrNoKeyAvailable)

	// A different date is a fresh bucket.
	_, err = store.ClaimSlot(ctx, "2024-06-26", limit)
	assert.NoError(t, err)
}

func TestMemoryStorage_ClaimSlot_NoKeysProvisioned(t *testing.T) {
	store := NewMemoryStorage()
	_, err := store.ClaimSlot(context.Background(), testDate, testLimit)
	assert.ErrorIs(t, err, ErrNoKeyAvailable)
}

func TestMemoryStorage_ClaimSlot_ConcurrentClaimsNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	keys := []string{"KEY-A", "KEY-B", "KEY-C"}
	for _, k := range keys {
		_, err := store.AddKey(ctx, k)
		require.NoError(t, err)
	}

	limit := 25
	claimers := len(keys)*limit + 20 // more claimers than capacity

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	exhausted := 0

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ClaimSlot(ctx, testDate, limit)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				granted++
			} else if assert.ErrorIs(t, err, ErrNoKeyAvailable) {
				exhausted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, len(keys)*limit, granted)
	assert.Equal(t, 20, exhausted)

	for _, k := range keys {
		count, err := store.UsageCount(ctx, k, testDate)
		require.NoError(t, err)
		assert.Equal(t, limit, count, "key %s over or under the limit", k)
	}
}

func TestMemoryStorage_ReleaseSlot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	_, err := store.AddKey(ctx, testKey)
	require.NoError(t, err)

	_, err = store.ClaimSlot(ctx, testDate, testLimit)
	require.NoError(t, err)

	require.NoError(t, store.ReleaseSlot(ctx, testKey, testDate))

	count, err := store.UsageCount(ctx, testKey, testDate)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Releasing an already-zero slot must not go negative.
	require.NoError(t, store.ReleaseSlot(ctx, testKey, testDate))
	count, err = store.UsageCount(ctx, testKey, testDate)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryStorage_StoreSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	records := []models.OptionRecord{
		testRecord("DELL240719C00100000"),
		testRecord("DELL240719P00100000"),
	}

	count, err := store.StoreSnapshot(ctx, records, testEvent(testKey))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	has, err := store.HasSnapshot(ctx, testSymbol, testDate)
	require.NoError(t, err)
	assert.True(t, has)

	events, err := store.UsageEventCount(ctx, testKey, testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, events)
}

func TestMemoryStorage_StoreSnapshot_DuplicateIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	_, err := store.StoreSnapshot(ctx, []models.OptionRecord{testRecord("DELL240719C00100000")}, testEvent(testKey))
	require.NoError(t, err)

	// Second batch contains one new contract and one conflict; nothing
	// from it may land.
	batch := []models.OptionRecord{
		testRecord("DELL240719C00105000"),
		testRecord("DELL240719C00100000"),
	}
	_, err = store.StoreSnapshot(ctx, batch, testEvent(testKey))
	assert.ErrorIs(t, err, ErrDuplicateSnapshot)

	stored, err := store.SnapshotRecords(ctx, testSymbol, testDate)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	events, err := store.UsageEventCount(ctx, testKey, testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, events, "failed batch must not record a usage event")
}

func TestMemoryStorage_StoreSnapshot_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	_, err := store.StoreSnapshot(ctx, nil, testEvent(testKey))
	assert.Error(t, err)

	bad := testRecord("DELL240719C00100000")
	bad.Strike = "not-a-number"
	_, err = store.StoreSnapshot(ctx, []models.OptionRecord{bad}, testEvent(testKey))
	assert.Error(t, err)

	_, err = store.StoreSnapshot(ctx, []models.OptionRecord{testRecord("DELL240719C00100000")}, models.UsageEvent{})
	assert.Error(t, err)

	has, err := store.HasSnapshot(ctx, testSymbol, testDate)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMemoryStorage_HasSnapshot_Empty(t *testing.T) {
	store := NewMemoryStorage()
	has, err := store.HasSnapshot(context.Background(), testSymbol, testDate)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMemoryStorage_UsageCounts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	_, err := store.AddKey(ctx, "KEY-A")
	require.NoError(t, err)
	_, err = store.AddKey(ctx, "KEY-B")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := store.ClaimSlot(ctx, testDate, testLimit)
		require.NoError(t, err)
	}

	counts, err := store.UsageCounts(ctx, testDate)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, 2, counts[0].Count)
	assert.Equal(t, 1, counts[1].Count)
}

func TestMemoryStorage_ClosedStorageRejectsOperations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	require.NoError(t, store.Close())

	assert.Error(t, store.HealthCheck(ctx))

	_, err := store.HasSnapshot(ctx, testSymbol, testDate)
	assert.Error(t, err)

	_, err = store.ClaimSlot(ctx, testDate, testLimit)
	assert.Error(t, err)
}
