package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rental-meter/rental-meter/internal/storage"
	"github.com/rental-meter/rental-meter/pkg/models"
)

type harness struct {
	reconciler *Reconciler
	sessions   *storage.SessionStore
	policies   *storage.PolicyStore
	ledger     *storage.LedgerStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	sessions := storage.NewSessionStore(db)
	policies := storage.NewPolicyStore(db)
	require.NoError(t, policies.Upsert(context.Background(), &models.TenantMeteringPolicy{
		TenantID:     "tenant-1",
		IsAuthorized: true,
	}))

	return &harness{
		reconciler: New(storage.NewExportStore(db), sessions),
		sessions:   sessions,
		policies:   policies,
		ledger:     storage.NewLedgerStore(db),
	}
}

func terminalSession(id string) *models.Session {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Session{
		ID:            id,
		TenantID:      "tenant-1",
		ResourceID:    "vehicle-42",
		SubjectID:     "driver-7",
		RatePerMinute: decimal.RequireFromString("2.00"),
		Currency:      "USD",
		Mode:          models.ModeOpenEnded,
		StartedAt:     started,
		StoppedAt:     started.Add(630 * time.Second),
		Status:        models.StatusStopped,
		FinalCost:     decimal.RequireFromString("21.00"),
	}
}

func TestSessionFinalized_ExportsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session := terminalSession("sess-001")
	require.NoError(t, h.sessions.Create(ctx, session))

	require.NoError(t, h.reconciler.SessionFinalized(ctx, session))

	entry, err := h.ledger.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.Equal(t, "21.00", entry.FinalCost.StringFixed(2))
	assert.Equal(t, models.StatusStopped, entry.Reason)
	assert.True(t, entry.FinalizedAt.Equal(session.StoppedAt))

	stored, err := h.sessions.Get(ctx, "sess-001")
	require.NoError(t, err)
	assert.True(t, stored.Exported)

	policy, err := h.policies.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), policy.TotalSessionsCompleted)
	assert.Equal(t, "21.00", policy.TotalRevenue.StringFixed(2))
	assert.True(t, policy.LastUsedAt.Equal(session.StoppedAt))
}

func TestSessionFinalized_ReplayDoesNotDoubleCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session := terminalSession("sess-002")
	require.NoError(t, h.sessions.Create(ctx, session))
	require.NoError(t, h.reconciler.SessionFinalized(ctx, session))

	// A replay, as after a crash between commit and acknowledgment
	replay := terminalSession("sess-002")
	require.NoError(t, h.reconciler.SessionFinalized(ctx, replay))

	policy, err := h.policies.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), policy.TotalSessionsCompleted)
	assert.Equal(t, "21.00", policy.TotalRevenue.StringFixed(2))

	total, err := h.ledger.TenantTotal(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "21.00", total.StringFixed(2))
}

func TestSessionFinalized_ExportedFlagShortCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session := terminalSession("sess-003")
	session.Exported = true
	require.NoError(t, h.sessions.Create(ctx, session))

	require.NoError(t, h.reconciler.SessionFinalized(ctx, session))

	_, err := h.ledger.Get(ctx, "sess-003")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionFinalized_RejectsNonTerminal(t *testing.T) {
	h := newHarness(t)

	session := terminalSession("sess-004")
	session.Status = models.StatusRunning
	session.StoppedAt = time.Time{}

	err := h.reconciler.SessionFinalized(context.Background(), session)
	assert.Error(t, err)
}

func TestSessionFinalized_MissingPolicyStillExports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session := terminalSession("sess-005")
	session.TenantID = "tenant-gone"
	require.NoError(t, h.sessions.Create(ctx, session))

	require.NoError(t, h.reconciler.SessionFinalized(ctx, session))

	entry, err := h.ledger.Get(ctx, "sess-005")
	require.NoError(t, err)
	assert.Equal(t, "tenant-gone", entry.TenantID)

	stored, err := h.sessions.Get(ctx, "sess-005")
	require.NoError(t, err)
	assert.True(t, stored.Exported)
}

func TestSessionFinalized_ExpiredReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session := terminalSession("sess-006")
	session.Status = models.StatusExpired
	session.FinalCost = decimal.RequireFromString("12.50")
	require.NoError(t, h.sessions.Create(ctx, session))

	require.NoError(t, h.reconciler.SessionFinalized(ctx, session))

	entry, err := h.ledger.Get(ctx, "sess-006")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, entry.Reason)
	assert.Equal(t, "12.50", entry.FinalCost.StringFixed(2))
}
