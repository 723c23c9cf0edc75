package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus represents the current state of a metered session
type SessionStatus string

const (
	StatusRunning SessionStatus = "running" // Clock is accruing billable time
	StatusPaused  SessionStatus = "paused"  // Clock suspended by the client
	StatusStopped SessionStatus = "stopped" // Terminated by a client stop request
	StatusExpired SessionStatus = "expired" // Countdown ran out, terminated by the sweeper
)

// SessionMode determines how a session terminates
type SessionMode string

const (
	ModeOpenEnded SessionMode = "open_ended" // Runs until an explicit stop
	ModeCountdown SessionMode = "countdown"  // Pre-committed maximum active duration
)

// PauseInterval is one suspension of the billing clock. ResumedAt is nil
// while the interval is still open; at most one interval may be open.
type PauseInterval struct {
	PausedAt  time.Time  `json:"paused_at"`
	ResumedAt *time.Time `json:"resumed_at,omitempty"`
}

// Session represents one metering episode. Timestamps persisted in the
// store are the single source of truth for elapsed time; client-reported
// time is never trusted.
type Session struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ResourceID string `json:"resource_id"`
	SubjectID  string `json:"subject_id"`

	// Rate captured at start; later tariff changes never alter this.
	RatePerMinute decimal.Decimal `json:"rate_per_minute"`
	Currency      string          `json:"currency"`

	Mode                   SessionMode `json:"mode"`
	PlannedDurationSeconds int64       `json:"planned_duration_seconds,omitempty"`

	StartedAt      time.Time       `json:"started_at"`
	PauseIntervals []PauseInterval `json:"pause_intervals,omitempty"`
	StoppedAt      time.Time       `json:"stopped_at,omitempty"`

	Status SessionStatus `json:"status"`

	// FinalCost is set exactly once, at the moment the session becomes
	// stopped or expired, and never recomputed afterwards.
	FinalCost decimal.Decimal `json:"final_cost"`

	// Exported flags that the revenue reconciler has published this
	// session to the ledger. Reconciliation bookkeeping only; the rest
	// of the record is immutable once terminal.
	Exported bool `json:"exported"`

	// Version is the optimistic concurrency token. Every committed
	// mutation increments it.
	Version int64 `json:"-"`
}

// IsTerminal returns true if the session is stopped or expired
func (s *Session) IsTerminal() bool {
	return s.Status == StatusStopped || s.Status == StatusExpired
}

// IsActive returns true if the session still holds a concurrency slot
func (s *Session) IsActive() bool {
	return s.Status == StatusRunning || s.Status == StatusPaused
}

// OpenPause returns the currently open pause interval, or nil
func (s *Session) OpenPause() *PauseInterval {
	if len(s.PauseIntervals) == 0 {
		return nil
	}
	last := &s.PauseIntervals[len(s.PauseIntervals)-1]
	if last.ResumedAt == nil {
		return last
	}
	return nil
}

// PausedSecondsAt returns the total suspended time as of now, counting an
// open pause interval up to now.
func (s *Session) PausedSecondsAt(now time.Time) int64 {
	var total time.Duration
	for _, p := range s.PauseIntervals {
		end := now
		if p.ResumedAt != nil {
			end = *p.ResumedAt
		}
		if end.After(p.PausedAt) {
			total += end.Sub(p.PausedAt)
		}
	}
	return int64(total / time.Second)
}

// ActiveSecondsAt returns the billable time base as of now, or as of
// StoppedAt for terminal sessions. Never negative.
func (s *Session) ActiveSecondsAt(now time.Time) int64 {
	end := now
	if s.IsTerminal() && !s.StoppedAt.IsZero() {
		end = s.StoppedAt
	}
	active := int64(end.Sub(s.StartedAt)/time.Second) - s.PausedSecondsAt(end)
	if active < 0 {
		return 0
	}
	return active
}

// RemainingSecondsAt returns the countdown budget left as of now, clamped
// at zero. Always zero for open-ended sessions.
func (s *Session) RemainingSecondsAt(now time.Time) int64 {
	if s.Mode != ModeCountdown {
		return 0
	}
	remaining := s.PlannedDurationSeconds - s.ActiveSecondsAt(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CountdownDeadline returns the wall-clock instant at which a countdown
// session's active time reaches its planned duration, given the pauses
// recorded so far. The second return is false for open-ended sessions and
// for sessions currently paused with budget left (the deadline is
// suspended until resume).
func (s *Session) CountdownDeadline() (time.Time, bool) {
	if s.Mode != ModeCountdown {
		return time.Time{}, false
	}
	deadline := s.StartedAt.Add(time.Duration(s.PlannedDurationSeconds) * time.Second)
	for _, p := range s.PauseIntervals {
		if !p.PausedAt.Before(deadline) {
			break
		}
		if p.ResumedAt == nil {
			// Paused with budget remaining; the clock is not running.
			return time.Time{}, false
		}
		deadline = deadline.Add(p.ResumedAt.Sub(p.PausedAt))
	}
	return deadline, true
}

// CreateSessionRequest is the request to start a new session
type CreateSessionRequest struct {
	TenantID               string      `json:"tenant_id" binding:"required"`
	ResourceID             string      `json:"resource_id" binding:"required"`
	SubjectID              string      `json:"subject_id" binding:"required"`
	Mode                   SessionMode `json:"mode" binding:"required,oneof=open_ended countdown"`
	PlannedDurationSeconds int64       `json:"planned_duration_seconds,omitempty"`
}

// SessionResponse is the API projection of a session. The elapsed,
// remaining, and estimated-cost fields are advisory server-side
// recomputations; they are authoritative only once the session is
// terminal. Clients may tick a local display but must reconcile against
// these values, never drive billing off local time.
type SessionResponse struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ResourceID string `json:"resource_id"`
	SubjectID  string `json:"subject_id"`

	RatePerMinute string `json:"rate_per_minute"`
	Currency      string `json:"currency"`

	Mode                   SessionMode   `json:"mode"`
	PlannedDurationSeconds int64         `json:"planned_duration_seconds,omitempty"`
	Status                 SessionStatus `json:"status"`

	StartedAt      time.Time       `json:"started_at"`
	PauseIntervals []PauseInterval `json:"pause_intervals,omitempty"`
	StoppedAt      *time.Time      `json:"stopped_at,omitempty"`

	ActiveSeconds    int64  `json:"active_seconds"`
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
	EstimatedCost    string `json:"estimated_cost,omitempty"`
	FinalCost        string `json:"final_cost,omitempty"`

	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// ToResponse converts a Session to its API projection, computing the
// advisory time and cost fields as of now.
func (s *Session) ToResponse(now time.Time, estimatedCost decimal.Decimal) SessionResponse {
	resp := SessionResponse{
		ID:                     s.ID,
		TenantID:               s.TenantID,
		ResourceID:             s.ResourceID,
		SubjectID:              s.SubjectID,
		RatePerMinute:          s.RatePerMinute.String(),
		Currency:               s.Currency,
		Mode:                   s.Mode,
		PlannedDurationSeconds: s.PlannedDurationSeconds,
		Status:                 s.Status,
		StartedAt:              s.StartedAt,
		PauseIntervals:         s.PauseIntervals,
		ActiveSeconds:          s.ActiveSecondsAt(now),
	}

	if !s.StoppedAt.IsZero() {
		stopped := s.StoppedAt
		resp.StoppedAt = &stopped
	}

	if s.Mode == ModeCountdown {
		remaining := s.RemainingSecondsAt(now)
		resp.RemainingSeconds = &remaining
	}

	// Monetary fields always render with two decimal places.
	if s.IsTerminal() {
		resp.FinalCost = s.FinalCost.StringFixed(2)
	} else {
		resp.EstimatedCost = estimatedCost.StringFixed(2)
	}

	return resp
}

// SessionListFilter defines criteria for listing sessions via the API
type SessionListFilter struct {
	TenantID string
	Status   SessionStatus
	Limit    int
}
