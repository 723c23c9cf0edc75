// Package gate implements the admission checks that run before a session
// is created. The gate is side-effect free: it reads policy and the
// current active count, and either clears the start or rejects it.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/rental-meter/rental-meter/internal/billing"
	"github.com/rental-meter/rental-meter/internal/logging"
	"github.com/rental-meter/rental-meter/internal/storage"
	"github.com/rental-meter/rental-meter/pkg/models"
)

var (
	// ErrAuthorizationDenied indicates the tenant is not authorized to meter
	ErrAuthorizationDenied = errors.New("tenant not authorized")

	// ErrQuotaExceeded indicates the tenant is at its concurrent session limit
	ErrQuotaExceeded = errors.New("concurrent session quota exceeded")

	// ErrInvalidDuration indicates a rejected planned duration
	ErrInvalidDuration = errors.New("invalid planned duration")
)

// PolicyReader reads tenant metering policies
type PolicyReader interface {
	Get(ctx context.Context, tenantID string) (*models.TenantMeteringPolicy, error)
}

// ActiveCounter counts a tenant's sessions currently holding a slot
type ActiveCounter interface {
	CountActiveByTenant(ctx context.Context, tenantID string) (int, error)
}

// Decision is the outcome of a cleared start. ProjectedCost is the full
// planned cost of a countdown session; RequiresApproval flags it against
// the tenant's threshold without blocking the start.
type Decision struct {
	ProjectedCost    decimal.Decimal
	RequiresApproval bool
}

// Gate performs admission checks for session starts
type Gate struct {
	policies PolicyReader
	sessions ActiveCounter
	logger   *slog.Logger
}

// Option configures the gate
type Option func(*Gate)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// New creates a gate over the given policy and session readers
func New(policies PolicyReader, sessions ActiveCounter, opts ...Option) *Gate {
	g := &Gate{
		policies: policies,
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AuthorizeStart clears or rejects a session start. The checks run in a
// fixed order: authorization, concurrency quota, duration validity. A nil
// error means the start may proceed with the returned decision.
func (g *Gate) AuthorizeStart(ctx context.Context, req *models.CreateSessionRequest, ratePerMinute decimal.Decimal) (*Decision, error) {
	policy, err := g.policies.Get(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// No policy on record is a denial, not an open door.
			logging.Audit(ctx, "session_start_denied",
				slog.String("tenant_id", req.TenantID),
				slog.String("reason", "no_policy"))
			return nil, ErrAuthorizationDenied
		}
		return nil, fmt.Errorf("failed to load tenant policy: %w", err)
	}

	if !policy.IsAuthorized {
		logging.Audit(ctx, "session_start_denied",
			slog.String("tenant_id", req.TenantID),
			slog.String("reason", "unauthorized"))
		return nil, ErrAuthorizationDenied
	}

	if policy.MaxConcurrentSessions > 0 {
		active, err := g.sessions.CountActiveByTenant(ctx, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to count active sessions: %w", err)
		}
		if active >= policy.MaxConcurrentSessions {
			logging.Audit(ctx, "session_start_denied",
				slog.String("tenant_id", req.TenantID),
				slog.String("reason", "quota"),
				slog.Int("active_sessions", active),
				slog.Int("max_concurrent", policy.MaxConcurrentSessions))
			return nil, fmt.Errorf("%w: %d of %d sessions active", ErrQuotaExceeded, active, policy.MaxConcurrentSessions)
		}
	}

	decision := &Decision{}

	switch req.Mode {
	case models.ModeCountdown:
		if req.PlannedDurationSeconds <= 0 {
			return nil, fmt.Errorf("%w: countdown requires a positive planned duration", ErrInvalidDuration)
		}
		if policy.MaxSessionDurationSeconds > 0 && req.PlannedDurationSeconds > policy.MaxSessionDurationSeconds {
			return nil, fmt.Errorf("%w: planned duration %ds exceeds tenant cap %ds",
				ErrInvalidDuration, req.PlannedDurationSeconds, policy.MaxSessionDurationSeconds)
		}
		decision.ProjectedCost = billing.Accrue(req.PlannedDurationSeconds, ratePerMinute)
		if policy.ApprovalThresholdCost != nil && decision.ProjectedCost.GreaterThan(*policy.ApprovalThresholdCost) {
			decision.RequiresApproval = true
			logging.Audit(ctx, "session_start_flagged",
				slog.String("tenant_id", req.TenantID),
				slog.String("projected_cost", decision.ProjectedCost.String()),
				slog.String("approval_threshold", policy.ApprovalThresholdCost.String()))
		}
	case models.ModeOpenEnded:
		if req.PlannedDurationSeconds != 0 {
			return nil, fmt.Errorf("%w: open-ended sessions take no planned duration", ErrInvalidDuration)
		}
	}

	return decision, nil
}
