package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rental-meter/rental-meter/pkg/models"
)

// PolicyStore handles tenant metering policy persistence
type PolicyStore struct {
	db *DB
}

// NewPolicyStore creates a new policy store
func NewPolicyStore(db *DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// Get retrieves the policy for a tenant
func (s *PolicyStore) Get(ctx context.Context, tenantID string) (*models.TenantMeteringPolicy, error) {
	query := `
		SELECT tenant_id, is_authorized, max_concurrent_sessions,
			max_session_duration_seconds, approval_threshold_cost,
			total_sessions_completed, total_revenue, last_used_at
		FROM tenant_policies
		WHERE tenant_id = ?
	`

	policy := &models.TenantMeteringPolicy{}
	var threshold sql.NullString
	var revenue string
	var lastUsed sql.NullTime

	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&policy.TenantID, &policy.IsAuthorized, &policy.MaxConcurrentSessions,
		&policy.MaxSessionDurationSeconds, &threshold,
		&policy.TotalSessionsCompleted, &revenue, &lastUsed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	policy.TotalRevenue, err = decimal.NewFromString(revenue)
	if err != nil {
		return nil, fmt.Errorf("invalid total revenue for tenant %s: %w", tenantID, err)
	}

	if threshold.Valid {
		d, err := decimal.NewFromString(threshold.String)
		if err != nil {
			return nil, fmt.Errorf("invalid approval threshold for tenant %s: %w", tenantID, err)
		}
		policy.ApprovalThresholdCost = &d
	}
	if lastUsed.Valid {
		policy.LastUsedAt = lastUsed.Time
	}

	return policy, nil
}

// Upsert creates or replaces a tenant policy's authorization fields.
// Running totals are preserved on replace; they belong to the reconciler.
func (s *PolicyStore) Upsert(ctx context.Context, policy *models.TenantMeteringPolicy) error {
	var threshold sql.NullString
	if policy.ApprovalThresholdCost != nil {
		threshold = sql.NullString{String: policy.ApprovalThresholdCost.String(), Valid: true}
	}

	query := `
		INSERT INTO tenant_policies (
			tenant_id, is_authorized, max_concurrent_sessions,
			max_session_duration_seconds, approval_threshold_cost,
			total_sessions_completed, total_revenue
		) VALUES (?, ?, ?, ?, ?, 0, '0')
		ON CONFLICT(tenant_id) DO UPDATE SET
			is_authorized = excluded.is_authorized,
			max_concurrent_sessions = excluded.max_concurrent_sessions,
			max_session_duration_seconds = excluded.max_session_duration_seconds,
			approval_threshold_cost = excluded.approval_threshold_cost
	`

	_, err := s.db.ExecContext(ctx, query,
		policy.TenantID, policy.IsAuthorized, policy.MaxConcurrentSessions,
		policy.MaxSessionDurationSeconds, threshold,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}
	return nil
}

