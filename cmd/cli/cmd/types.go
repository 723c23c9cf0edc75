package cmd

import "time"

// Session mirrors the server's session response
type Session struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ResourceID string `json:"resource_id"`
	SubjectID  string `json:"subject_id"`

	RatePerMinute string `json:"rate_per_minute"`
	Currency      string `json:"currency"`

	Mode                   string `json:"mode"`
	PlannedDurationSeconds int64  `json:"planned_duration_seconds,omitempty"`
	Status                 string `json:"status"`

	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	ActiveSeconds    int64  `json:"active_seconds"`
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
	EstimatedCost    string `json:"estimated_cost,omitempty"`
	FinalCost        string `json:"final_cost,omitempty"`

	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// Policy mirrors the server's tenant policy response
type Policy struct {
	TenantID                  string  `json:"tenant_id"`
	IsAuthorized              bool    `json:"is_authorized"`
	MaxConcurrentSessions     int     `json:"max_concurrent_sessions"`
	MaxSessionDurationSeconds int64   `json:"max_session_duration_seconds"`
	ApprovalThresholdCost     *string `json:"approval_threshold_cost,omitempty"`
	TotalSessionsCompleted    int64   `json:"total_sessions_completed"`
	TotalRevenue              string  `json:"total_revenue"`
}

// Tariff mirrors the server's tariff response
type Tariff struct {
	ResourceID    string    `json:"resource_id"`
	RatePerMinute string    `json:"rate_per_minute"`
	Currency      string    `json:"currency"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LedgerEntry mirrors one finalized billing record
type LedgerEntry struct {
	SessionID   string    `json:"session_id"`
	ResourceID  string    `json:"resource_id"`
	SubjectID   string    `json:"subject_id"`
	FinalCost   string    `json:"final_cost"`
	Currency    string    `json:"currency"`
	Reason      string    `json:"reason"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// cost returns whichever cost field the server populated
func (s *Session) cost() string {
	if s.FinalCost != "" {
		return s.FinalCost
	}
	return s.EstimatedCost
}
