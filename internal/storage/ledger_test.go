package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rental-meter/rental-meter/pkg/models"
)

func testEntry(sessionID string) *models.LedgerEntry {
	return &models.LedgerEntry{
		SessionID:   sessionID,
		TenantID:    "tenant-1",
		SubjectID:   "driver-7",
		ResourceID:  "vehicle-42",
		FinalCost:   decimal.RequireFromString("21.00"),
		Currency:    "USD",
		Reason:      models.StatusStopped,
		FinalizedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestLedgerStore_AppendAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewLedgerStore(db)
	ctx := context.Background()

	entry := testEntry("sess-001")
	require.NoError(t, store.Append(ctx, entry))

	retrieved, err := store.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, entry.TenantID, retrieved.TenantID)
	assert.Equal(t, models.StatusStopped, retrieved.Reason)
	assert.True(t, retrieved.FinalCost.Equal(entry.FinalCost))
}

func TestLedgerStore_Append_DuplicateSession(t *testing.T) {
	db := newTestDB(t)
	store := NewLedgerStore(db)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEntry("sess-002")))

	// A second append for the same session must hit the primary key;
	// this is the exactly-once backstop for terminal-transition races.
	err := store.Append(ctx, testEntry("sess-002"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestLedgerStore_TenantTotal(t *testing.T) {
	db := newTestDB(t)
	store := NewLedgerStore(db)
	ctx := context.Background()

	first := testEntry("sess-003")
	first.FinalCost = decimal.RequireFromString("10.50")
	require.NoError(t, store.Append(ctx, first))

	second := testEntry("sess-004")
	second.FinalCost = decimal.RequireFromString("0.25")
	require.NoError(t, store.Append(ctx, second))

	other := testEntry("sess-005")
	other.TenantID = "tenant-2"
	require.NoError(t, store.Append(ctx, other))

	total, err := store.TenantTotal(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "10.75", total.StringFixed(2))
}

func TestLedgerStore_ListByTenant(t *testing.T) {
	db := newTestDB(t)
	store := NewLedgerStore(db)
	ctx := context.Background()

	older := testEntry("sess-old")
	older.FinalizedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Append(ctx, older))

	newer := testEntry("sess-new")
	require.NoError(t, store.Append(ctx, newer))

	entries, err := store.ListByTenant(ctx, "tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sess-new", entries[0].SessionID)
	assert.Equal(t, "sess-old", entries[1].SessionID)
}

func TestPolicyStore_UpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewPolicyStore(db)
	ctx := context.Background()

	threshold := decimal.RequireFromString("100.00")
	policy := &models.TenantMeteringPolicy{
		TenantID:                  "tenant-1",
		IsAuthorized:              true,
		MaxConcurrentSessions:     3,
		MaxSessionDurationSeconds: 7200,
		ApprovalThresholdCost:     &threshold,
	}
	require.NoError(t, store.Upsert(ctx, policy))

	retrieved, err := store.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, retrieved.IsAuthorized)
	assert.Equal(t, 3, retrieved.MaxConcurrentSessions)
	assert.Equal(t, int64(7200), retrieved.MaxSessionDurationSeconds)
	require.NotNil(t, retrieved.ApprovalThresholdCost)
	assert.True(t, retrieved.ApprovalThresholdCost.Equal(threshold))
	assert.Equal(t, int64(0), retrieved.TotalSessionsCompleted)
	assert.True(t, retrieved.TotalRevenue.IsZero())
}

func TestPolicyStore_Get_NotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewPolicyStore(db)

	_, err := store.Get(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPolicyStore_Upsert_PreservesTotals(t *testing.T) {
	db := newTestDB(t)
	store := NewPolicyStore(db)
	ctx := context.Background()

	policy := &models.TenantMeteringPolicy{
		TenantID:              "tenant-1",
		IsAuthorized:          true,
		MaxConcurrentSessions: 1,
	}
	require.NoError(t, store.Upsert(ctx, policy))

	entry := testEntry("sess-pt")
	entry.FinalCost = decimal.RequireFromString("12.50")
	require.NoError(t, NewExportStore(db).ExportSession(ctx, entry))

	// Replacing authorization fields must not reset reconciler totals
	policy.MaxConcurrentSessions = 5
	require.NoError(t, store.Upsert(ctx, policy))

	retrieved, err := store.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 5, retrieved.MaxConcurrentSessions)
	assert.Equal(t, int64(1), retrieved.TotalSessionsCompleted)
	assert.Equal(t, "12.50", retrieved.TotalRevenue.StringFixed(2))
	assert.True(t, retrieved.LastUsedAt.Equal(entry.FinalizedAt))
}

func TestExportStore_AccumulatesTotals(t *testing.T) {
	db := newTestDB(t)
	store := NewPolicyStore(db)
	export := NewExportStore(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &models.TenantMeteringPolicy{
		TenantID:     "tenant-1",
		IsAuthorized: true,
	}))

	first := testEntry("sess-x1")
	first.FinalCost = decimal.RequireFromString("1.10")
	require.NoError(t, export.ExportSession(ctx, first))

	second := testEntry("sess-x2")
	second.FinalCost = decimal.RequireFromString("2.20")
	require.NoError(t, export.ExportSession(ctx, second))

	retrieved, err := store.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), retrieved.TotalSessionsCompleted)
	assert.Equal(t, "3.30", retrieved.TotalRevenue.StringFixed(2))
}

func TestExportStore_DuplicateRollsBackTotals(t *testing.T) {
	db := newTestDB(t)
	store := NewPolicyStore(db)
	export := NewExportStore(db)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &models.TenantMeteringPolicy{
		TenantID:     "tenant-1",
		IsAuthorized: true,
	}))

	entry := testEntry("sess-dup-x")
	require.NoError(t, export.ExportSession(ctx, entry))
	assert.ErrorIs(t, export.ExportSession(ctx, entry), ErrAlreadyExists)

	retrieved, err := store.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), retrieved.TotalSessionsCompleted)
	assert.Equal(t, "21.00", retrieved.TotalRevenue.StringFixed(2))
}

func TestTariffStore_UpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewTariffStore(db)
	ctx := context.Background()

	tariff := &models.Tariff{
		ResourceID:    "vehicle-42",
		RatePerMinute: decimal.RequireFromString("2.00"),
		Currency:      "USD",
	}
	require.NoError(t, store.Upsert(ctx, tariff))

	retrieved, err := store.Get(ctx, "vehicle-42")
	require.NoError(t, err)
	assert.True(t, retrieved.RatePerMinute.Equal(tariff.RatePerMinute))
	assert.Equal(t, "USD", retrieved.Currency)

	// Replace the rate; sessions already started keep their captured rate
	tariff.RatePerMinute = decimal.RequireFromString("3.50")
	require.NoError(t, store.Upsert(ctx, tariff))

	retrieved, err = store.Get(ctx, "vehicle-42")
	require.NoError(t, err)
	assert.Equal(t, "3.50", retrieved.RatePerMinute.StringFixed(2))
}

func TestTariffStore_Get_NotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewTariffStore(db)

	_, err := store.Get(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
