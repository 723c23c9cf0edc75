package sweeper

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rental-meter/rental-meter/internal/service/engine"
	"github.com/rental-meter/rental-meter/internal/service/gate"
	"github.com/rental-meter/rental-meter/internal/service/reconciler"
	"github.com/rental-meter/rental-meter/internal/storage"
	"github.com/rental-meter/rental-meter/internal/tariff"
	"github.com/rental-meter/rental-meter/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	sweeper  *Sweeper
	engine   *engine.Engine
	sessions *storage.SessionStore
	ledger   *storage.LedgerStore
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	ctx := context.Background()
	sessions := storage.NewSessionStore(db)
	policies := storage.NewPolicyStore(db)
	tariffs := storage.NewTariffStore(db)

	for _, tenant := range []string{"tenant-1", "tenant-2"} {
		require.NoError(t, policies.Upsert(ctx, &models.TenantMeteringPolicy{
			TenantID:     tenant,
			IsAuthorized: true,
		}))
	}
	require.NoError(t, tariffs.Upsert(ctx, &models.Tariff{
		ResourceID:    "scooter-9",
		RatePerMinute: decimal.RequireFromString("2.50"),
		Currency:      "USD",
	}))

	clock := newFakeClock()
	rec := reconciler.New(storage.NewExportStore(db), sessions)
	eng := engine.New(sessions, gate.New(policies, sessions), tariff.NewStoreResource(tariffs), rec,
		engine.WithTimeFunc(clock.Now))
	sw := New(sessions, eng, rec, WithTimeFunc(clock.Now))

	return &harness{
		sweeper:  sw,
		engine:   eng,
		sessions: sessions,
		ledger:   storage.NewLedgerStore(db),
		clock:    clock,
	}
}

func (h *harness) startCountdown(t *testing.T, tenantID string, seconds int64) *models.Session {
	t.Helper()
	result, err := h.engine.Start(context.Background(), &models.CreateSessionRequest{
		TenantID:               tenantID,
		ResourceID:             "scooter-9",
		SubjectID:              "driver-7",
		Mode:                   models.ModeCountdown,
		PlannedDurationSeconds: seconds,
	})
	require.NoError(t, err)
	return result.Session
}

func TestSweep_ExpiresOverdueSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	overdue := h.startCountdown(t, "tenant-1", 300)
	longRunning := h.startCountdown(t, "tenant-1", 3600)

	h.clock.Advance(400 * time.Second)
	expired := h.sweeper.Sweep(ctx)
	assert.Equal(t, 1, expired)

	stored, err := h.sessions.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Status)
	assert.Equal(t, "12.50", stored.FinalCost.StringFixed(2))
	assert.True(t, stored.Exported)

	// The expiration reached the ledger in the same pass
	entry, err := h.ledger.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, entry.Reason)

	stored, err = h.sessions.Get(ctx, longRunning.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status)
}

func TestSweep_PausedSessionNotExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session := h.startCountdown(t, "tenant-1", 300)
	h.clock.Advance(100 * time.Second)
	_, err := h.engine.Pause(ctx, session.ID)
	require.NoError(t, err)

	h.clock.Advance(24 * time.Hour)
	expired := h.sweeper.Sweep(ctx)
	assert.Equal(t, 0, expired)

	stored, err := h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, stored.Status)
}

func TestSweep_IdempotentAcrossPasses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.startCountdown(t, "tenant-1", 300)
	h.clock.Advance(400 * time.Second)

	assert.Equal(t, 1, h.sweeper.Sweep(ctx))
	assert.Equal(t, 0, h.sweeper.Sweep(ctx))
}

func TestSweepExpired_TenantScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.startCountdown(t, "tenant-1", 300)
	other := h.startCountdown(t, "tenant-2", 300)

	h.clock.Advance(400 * time.Second)
	assert.Equal(t, 1, h.sweeper.SweepExpired(ctx, "tenant-1"))

	stored, err := h.sessions.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status)
}

func TestSweep_HealsUnexportedTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A terminal session whose export was lost, as after a crash between
	// the terminal commit and the ledger append
	orphan := &models.Session{
		ID:            "sess-orphan",
		TenantID:      "tenant-1",
		ResourceID:    "scooter-9",
		SubjectID:     "driver-7",
		RatePerMinute: decimal.RequireFromString("2.50"),
		Currency:      "USD",
		Mode:          models.ModeOpenEnded,
		StartedAt:     h.clock.Now().Add(-10 * time.Minute),
		StoppedAt:     h.clock.Now(),
		Status:        models.StatusStopped,
		FinalCost:     decimal.RequireFromString("25.00"),
	}
	require.NoError(t, h.sessions.Create(ctx, orphan))

	h.sweeper.Sweep(ctx)

	entry, err := h.ledger.Get(ctx, "sess-orphan")
	require.NoError(t, err)
	assert.Equal(t, "25.00", entry.FinalCost.StringFixed(2))

	stored, err := h.sessions.Get(ctx, "sess-orphan")
	require.NoError(t, err)
	assert.True(t, stored.Exported)
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.startCountdown(t, "tenant-1", 300)
	h.clock.Advance(400 * time.Second)

	sw := New(h.sessions, h.engine, h.sweeper.reconciler,
		WithTimeFunc(h.clock.Now), WithCheckInterval(10*time.Millisecond))
	sw.Start(ctx)

	require.Eventually(t, func() bool {
		sessions, err := h.sessions.ListActiveCountdown(ctx, "")
		return err == nil && len(sessions) == 0
	}, 2*time.Second, 10*time.Millisecond)

	sw.Stop()
}
