// Package reconciler publishes finalized sessions to the revenue ledger.
// Each terminal session is exported exactly once; the ledger's primary
// key absorbs replays from crash recovery and transition races.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rental-meter/rental-meter/internal/logging"
	"github.com/rental-meter/rental-meter/internal/metrics"
	"github.com/rental-meter/rental-meter/internal/storage"
	"github.com/rental-meter/rental-meter/pkg/models"
)

// Reconciler exports terminal sessions to the ledger
type Reconciler struct {
	export   *storage.ExportStore
	sessions *storage.SessionStore
	logger   *slog.Logger
}

// Option configures the reconciler
type Option func(*Reconciler)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// New creates a reconciler
func New(export *storage.ExportStore, sessions *storage.SessionStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		export:   export,
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionFinalized publishes one terminal session. Safe to call again
// for a session that already reached the ledger; the replay only ensures
// the exported flag is set.
func (r *Reconciler) SessionFinalized(ctx context.Context, session *models.Session) error {
	if !session.IsTerminal() || session.StoppedAt.IsZero() {
		return fmt.Errorf("session %s is not terminal", session.ID)
	}
	if session.Exported {
		return nil
	}

	entry := &models.LedgerEntry{
		SessionID:   session.ID,
		TenantID:    session.TenantID,
		SubjectID:   session.SubjectID,
		ResourceID:  session.ResourceID,
		FinalCost:   session.FinalCost,
		Currency:    session.Currency,
		Reason:      session.Status,
		FinalizedAt: session.StoppedAt,
	}

	err := r.export.ExportSession(ctx, entry)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// The ledger already has this session from an earlier attempt.
		// Re-set the flag in case the session row missed the original
		// transaction's view of the world.
		metrics.RecordLedgerExport("duplicate")
		if err := r.sessions.MarkExported(ctx, session.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to flag exported session: %w", err)
		}
		return nil
	}
	if err != nil {
		metrics.RecordLedgerExport("error")
		return fmt.Errorf("failed to export session %s: %w", session.ID, err)
	}

	metrics.RecordLedgerExport("ok")
	amount, _ := session.FinalCost.Float64()
	metrics.RecordRevenue(session.Currency, amount)
	logging.Audit(ctx, "revenue_recorded",
		slog.String("session_id", session.ID),
		slog.String("tenant_id", session.TenantID),
		slog.String("final_cost", session.FinalCost.String()),
		slog.String("currency", session.Currency),
		slog.String("reason", string(session.Status)))

	return nil
}
