// Package engine implements the session lifecycle state machine. All
// billable time is derived from timestamps the engine persists; the
// engine never trusts elapsed time reported by a client.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rental-meter/rental-meter/internal/billing"
	"github.com/rental-meter/rental-meter/internal/logging"
	"github.com/rental-meter/rental-meter/internal/metrics"
	"github.com/rental-meter/rental-meter/internal/service/gate"
	"github.com/rental-meter/rental-meter/internal/storage"
	"github.com/rental-meter/rental-meter/internal/tariff"
	"github.com/rental-meter/rental-meter/pkg/models"
)

// Gate clears session starts before any state is created
type Gate interface {
	AuthorizeStart(ctx context.Context, req *models.CreateSessionRequest, ratePerMinute decimal.Decimal) (*gate.Decision, error)
}

// Reconciler publishes a finalized session to the revenue ledger
type Reconciler interface {
	SessionFinalized(ctx context.Context, session *models.Session) error
}

// Engine drives session lifecycle transitions against the store
type Engine struct {
	sessions        *storage.SessionStore
	gate            Gate
	tariffs         tariff.Resource
	reconciler      Reconciler
	defaultCurrency string
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures the engine
type Option func(*Engine)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(e *Engine) {
		e.now = fn
	}
}

// WithDefaultCurrency sets the currency used when a tariff carries none
func WithDefaultCurrency(currency string) Option {
	return func(e *Engine) {
		e.defaultCurrency = currency
	}
}

// New creates a session engine
func New(sessions *storage.SessionStore, g Gate, tariffs tariff.Resource, reconciler Reconciler, opts ...Option) *Engine {
	e := &Engine{
		sessions:        sessions,
		gate:            g,
		tariffs:         tariffs,
		reconciler:      reconciler,
		defaultCurrency: "USD",
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartResult is the outcome of a session start
type StartResult struct {
	Session          *models.Session
	RequiresApproval bool
}

// Start creates a new running session. The resource's current rate is
// captured onto the session; tariff changes after this point never
// affect it.
func (e *Engine) Start(ctx context.Context, req *models.CreateSessionRequest) (*StartResult, error) {
	rate, err := e.tariffs.Rate(ctx, req.ResourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("no tariff for resource %s: %w", req.ResourceID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up tariff: %w", err)
	}

	decision, err := e.gate.AuthorizeStart(ctx, req, rate.RatePerMinute)
	if err != nil {
		return nil, err
	}

	currency := rate.Currency
	if currency == "" {
		currency = e.defaultCurrency
	}

	session := &models.Session{
		ID:                     uuid.New().String(),
		TenantID:               req.TenantID,
		ResourceID:             req.ResourceID,
		SubjectID:              req.SubjectID,
		RatePerMinute:          rate.RatePerMinute,
		Currency:               currency,
		Mode:                   req.Mode,
		PlannedDurationSeconds: req.PlannedDurationSeconds,
		StartedAt:              e.now().UTC(),
		Status:                 models.StatusRunning,
	}

	if err := e.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	metrics.RecordSessionStarted(string(session.Mode))
	metrics.RecordTransition("start", "ok")
	logging.Audit(ctx, "session_started",
		slog.String("session_id", session.ID),
		slog.String("tenant_id", session.TenantID),
		slog.String("resource_id", session.ResourceID),
		slog.String("mode", string(session.Mode)),
		slog.String("rate_per_minute", session.RatePerMinute.String()),
		slog.Int64("planned_duration_seconds", session.PlannedDurationSeconds),
		slog.Bool("requires_approval", decision.RequiresApproval))

	return &StartResult{Session: session, RequiresApproval: decision.RequiresApproval}, nil
}

// Get returns a session by ID
func (e *Engine) Get(ctx context.Context, id string) (*models.Session, error) {
	return e.sessions.Get(ctx, id)
}

// List returns sessions matching the filter
func (e *Engine) List(ctx context.Context, filter models.SessionListFilter) ([]*models.Session, error) {
	return e.sessions.List(ctx, filter)
}

// EstimateCost returns the advisory accrued cost of a session as of now.
// For terminal sessions the frozen final cost is returned instead.
func (e *Engine) EstimateCost(session *models.Session) decimal.Decimal {
	if session.IsTerminal() {
		return session.FinalCost
	}
	return billing.Accrue(session.ActiveSecondsAt(e.now()), session.RatePerMinute)
}

// Pause suspends the billing clock on a running session
func (e *Engine) Pause(ctx context.Context, id string) (*models.Session, error) {
	return e.withRetry(ctx, id, "pause", e.applyPause)
}

// Resume restarts the billing clock on a paused session
func (e *Engine) Resume(ctx context.Context, id string) (*models.Session, error) {
	return e.withRetry(ctx, id, "resume", e.applyResume)
}

// Stop terminates a session and freezes its final cost. Stopping an
// already terminal session is idempotent and returns the frozen record.
func (e *Engine) Stop(ctx context.Context, id string) (*models.Session, error) {
	return e.withRetry(ctx, id, "stop", e.applyStop)
}

// AutoExpire terminates an overdue countdown session at its deadline, so
// the final cost equals exactly the planned-duration cost. Expiring an
// already terminal session is idempotent.
func (e *Engine) AutoExpire(ctx context.Context, id string) (*models.Session, error) {
	return e.withRetry(ctx, id, "expire", e.applyExpire)
}

// withRetry runs one transition attempt against a freshly read session,
// retrying exactly once after a version conflict. The re-read picks up
// the winning writer's state, so the retry resolves stop-vs-expire races
// into an idempotent result instead of an error.
func (e *Engine) withRetry(ctx context.Context, id, operation string, apply func(context.Context, *models.Session) (*models.Session, error)) (*models.Session, error) {
	for attempt := 0; ; attempt++ {
		session, err := e.sessions.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		result, err := apply(ctx, session)
		if errors.Is(err, storage.ErrVersionConflict) && attempt == 0 {
			metrics.RecordVersionConflict()
			metrics.RecordTransition(operation, "conflict")
			logging.Debug(ctx, "version conflict, retrying transition",
				"session_id", id, "operation", operation)
			continue
		}
		if errors.Is(err, ErrInvalidTransition) {
			metrics.RecordTransition(operation, "invalid")
		}
		return result, err
	}
}

func (e *Engine) applyPause(ctx context.Context, session *models.Session) (*models.Session, error) {
	if expired, err := e.expireIfOverdue(ctx, session); err != nil {
		return nil, err
	} else if expired {
		return nil, fmt.Errorf("%w: session expired", ErrInvalidTransition)
	}

	if session.Status != models.StatusRunning {
		return nil, fmt.Errorf("%w: cannot pause a %s session", ErrInvalidTransition, session.Status)
	}

	now := e.now().UTC()
	session.PauseIntervals = append(session.PauseIntervals, models.PauseInterval{PausedAt: now})
	session.Status = models.StatusPaused

	if err := e.sessions.UpdateVersioned(ctx, session); err != nil {
		return nil, err
	}

	metrics.UpdateSessionStatus("running", "paused")
	metrics.RecordTransition("pause", "ok")
	logging.Audit(ctx, "session_paused",
		slog.String("session_id", session.ID),
		slog.String("tenant_id", session.TenantID),
		slog.Int64("active_seconds", session.ActiveSecondsAt(now)))

	return session, nil
}

func (e *Engine) applyResume(ctx context.Context, session *models.Session) (*models.Session, error) {
	if session.Status != models.StatusPaused {
		return nil, fmt.Errorf("%w: cannot resume a %s session", ErrInvalidTransition, session.Status)
	}

	open := session.OpenPause()
	if open == nil {
		return nil, fmt.Errorf("%w: paused session has no open pause interval", ErrInvalidTransition)
	}

	now := e.now().UTC()
	open.ResumedAt = &now
	session.Status = models.StatusRunning

	if err := e.sessions.UpdateVersioned(ctx, session); err != nil {
		return nil, err
	}

	metrics.UpdateSessionStatus("paused", "running")
	metrics.RecordTransition("resume", "ok")
	logging.Audit(ctx, "session_resumed",
		slog.String("session_id", session.ID),
		slog.String("tenant_id", session.TenantID),
		slog.Int64("paused_seconds", session.PausedSecondsAt(now)))

	return session, nil
}

func (e *Engine) applyStop(ctx context.Context, session *models.Session) (*models.Session, error) {
	if session.IsTerminal() {
		metrics.RecordTransition("stop", "noop")
		return session, nil
	}

	// An overdue countdown session expires at its deadline; the stop
	// request never bills past the planned duration.
	if expired, err := e.expireIfOverdue(ctx, session); err != nil {
		return nil, err
	} else if expired {
		return session, nil
	}

	now := e.now().UTC()
	if open := session.OpenPause(); open != nil {
		open.ResumedAt = &now
	}

	oldStatus := session.Status
	session.StoppedAt = now
	session.Status = models.StatusStopped
	session.FinalCost = billing.Finalize(session.ActiveSecondsAt(now), session.RatePerMinute)

	if err := e.sessions.UpdateVersioned(ctx, session); err != nil {
		return nil, err
	}

	metrics.UpdateSessionStatus(string(oldStatus), string(session.Status))
	metrics.RecordTransition("stop", "ok")
	logging.Audit(ctx, "session_stopped",
		slog.String("session_id", session.ID),
		slog.String("tenant_id", session.TenantID),
		slog.Int64("active_seconds", session.ActiveSecondsAt(now)),
		slog.String("final_cost", session.FinalCost.String()),
		slog.String("currency", session.Currency))

	e.reconcile(ctx, session)
	return session, nil
}

func (e *Engine) applyExpire(ctx context.Context, session *models.Session) (*models.Session, error) {
	if session.IsTerminal() {
		metrics.RecordTransition("expire", "noop")
		return session, nil
	}

	if session.Mode != models.ModeCountdown {
		return nil, fmt.Errorf("%w: only countdown sessions expire", ErrInvalidTransition)
	}

	deadline, ok := session.CountdownDeadline()
	if !ok || e.now().Before(deadline) {
		return nil, ErrNotDue
	}

	if err := e.expireAt(ctx, session, deadline); err != nil {
		return nil, err
	}
	return session, nil
}

// expireIfOverdue force-expires a countdown session whose deadline has
// passed, committing the terminal state before the caller's operation is
// judged. Returns true if the session was expired.
func (e *Engine) expireIfOverdue(ctx context.Context, session *models.Session) (bool, error) {
	if session.Mode != models.ModeCountdown || session.IsTerminal() {
		return false, nil
	}
	deadline, ok := session.CountdownDeadline()
	if !ok || e.now().Before(deadline) {
		return false, nil
	}
	if err := e.expireAt(ctx, session, deadline); err != nil {
		return false, err
	}
	return true, nil
}

// expireAt freezes an overdue session at its deadline. The stop time is
// the deadline itself, not the current instant, so the final cost equals
// the planned-duration cost exactly.
func (e *Engine) expireAt(ctx context.Context, session *models.Session, deadline time.Time) error {
	oldStatus := session.Status
	session.StoppedAt = deadline
	session.Status = models.StatusExpired
	session.FinalCost = billing.Finalize(session.ActiveSecondsAt(deadline), session.RatePerMinute)

	if err := e.sessions.UpdateVersioned(ctx, session); err != nil {
		return err
	}

	metrics.UpdateSessionStatus(string(oldStatus), string(session.Status))
	metrics.RecordSessionExpired()
	metrics.RecordTransition("expire", "ok")
	logging.Audit(ctx, "session_expired",
		slog.String("session_id", session.ID),
		slog.String("tenant_id", session.TenantID),
		slog.Int64("planned_duration_seconds", session.PlannedDurationSeconds),
		slog.String("final_cost", session.FinalCost.String()),
		slog.String("currency", session.Currency))

	e.reconcile(ctx, session)
	return nil
}

// reconcile publishes a freshly terminal session to the ledger. Failure
// is logged, not returned: the session stays unexported and the sweeper
// re-submits it on its next pass.
func (e *Engine) reconcile(ctx context.Context, session *models.Session) {
	if err := e.reconciler.SessionFinalized(ctx, session); err != nil {
		logging.Warn(ctx, "ledger export deferred",
			"session_id", session.ID,
			"error", err)
		return
	}
	session.Exported = true
}
