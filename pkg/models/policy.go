package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TenantMeteringPolicy is the per-tenant authorization and quota record.
// The authorization fields are mutated only by an explicit policy update;
// the running totals are mutated only by the revenue reconciler.
type TenantMeteringPolicy struct {
	TenantID     string `json:"tenant_id"`
	IsAuthorized bool   `json:"is_authorized"`

	MaxConcurrentSessions int `json:"max_concurrent_sessions"`

	// MaxSessionDurationSeconds caps countdown durations. 0 = unlimited.
	MaxSessionDurationSeconds int64 `json:"max_session_duration_seconds"`

	// ApprovalThresholdCost flags (never blocks) countdown sessions whose
	// projected cost exceeds it. Nil = no threshold.
	ApprovalThresholdCost *decimal.Decimal `json:"approval_threshold_cost,omitempty"`

	// Running totals, reconciler-owned.
	TotalSessionsCompleted int64           `json:"total_sessions_completed"`
	TotalRevenue           decimal.Decimal `json:"total_revenue"`
	LastUsedAt             time.Time       `json:"last_used_at,omitempty"`
}

// UpdatePolicyRequest is the request to create or replace a tenant policy
type UpdatePolicyRequest struct {
	IsAuthorized              bool    `json:"is_authorized"`
	MaxConcurrentSessions     int     `json:"max_concurrent_sessions" binding:"min=0"`
	MaxSessionDurationSeconds int64   `json:"max_session_duration_seconds" binding:"min=0"`
	ApprovalThresholdCost     *string `json:"approval_threshold_cost,omitempty"`
}

// LedgerEntry is the finalized billing record published to the revenue
// ledger, exactly once per terminated session.
type LedgerEntry struct {
	SessionID   string          `json:"session_id"`
	TenantID    string          `json:"tenant_id"`
	SubjectID   string          `json:"subject_id"`
	ResourceID  string          `json:"resource_id"`
	FinalCost   decimal.Decimal `json:"final_cost"`
	Currency    string          `json:"currency"`
	Reason      SessionStatus   `json:"reason"` // stopped or expired
	FinalizedAt time.Time       `json:"finalized_at"`
}

// Tariff is the read-only per-minute rate reference for a resource.
// Sessions capture the rate at start; the tariff itself may change later
// without affecting in-flight or completed sessions.
type Tariff struct {
	ResourceID    string          `json:"resource_id"`
	RatePerMinute decimal.Decimal `json:"rate_per_minute"`
	Currency      string          `json:"currency"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// UpsertTariffRequest is the request to create or replace a tariff
type UpsertTariffRequest struct {
	RatePerMinute string `json:"rate_per_minute" binding:"required"`
	Currency      string `json:"currency,omitempty"`
}
