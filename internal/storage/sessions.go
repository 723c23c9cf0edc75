package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rental-meter/rental-meter/pkg/models"
)

// SessionStore handles session persistence. Each session row carries a
// version column; all mutations go through UpdateVersioned so that two
// competing writers (client stop vs sweeper expire) can never both commit
// against the same observed state.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a new session store
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `
	id, tenant_id, resource_id, subject_id,
	rate_per_minute, currency,
	mode, planned_duration_seconds,
	started_at, pause_intervals, stopped_at,
	status, final_cost, exported, version
`

// Create inserts a new session. The session starts at version 1.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	intervals, err := json.Marshal(session.PauseIntervals)
	if err != nil {
		return fmt.Errorf("failed to marshal pause intervals: %w", err)
	}

	session.Version = 1
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.TenantID, session.ResourceID, session.SubjectID,
		session.RatePerMinute.String(), session.Currency,
		session.Mode, session.PlannedDurationSeconds,
		session.StartedAt, string(intervals), nullTime(session.StoppedAt),
		session.Status, nullDecimal(session.FinalCost, session.IsTerminal()), session.Exported, session.Version,
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves a session by ID
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateVersioned commits a mutation with an optimistic version check.
// The WHERE clause pins the version the caller read; zero rows affected
// means another writer got there first and the caller must re-read.
// On success the session's Version field is bumped to match the row.
func (s *SessionStore) UpdateVersioned(ctx context.Context, session *models.Session) error {
	intervals, err := json.Marshal(session.PauseIntervals)
	if err != nil {
		return fmt.Errorf("failed to marshal pause intervals: %w", err)
	}

	query := `
		UPDATE sessions SET
			pause_intervals = ?,
			stopped_at = ?,
			status = ?,
			final_cost = ?,
			exported = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(intervals),
		nullTime(session.StoppedAt),
		session.Status,
		nullDecimal(session.FinalCost, session.IsTerminal()),
		session.Exported,
		session.ID,
		session.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a lost race from an unknown id.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, session.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check session existence: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	session.Version++
	return nil
}

// MarkExported flags a terminal session as published to the ledger.
// Reconciliation bookkeeping only; no version bump contention matters
// here because terminal sessions have a single writer (the reconciler).
func (s *SessionStore) MarkExported(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET exported = 1, version = version + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark session exported: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveByTenant returns the number of running or paused sessions
// held by a tenant. Used by the authorization gate's quota check.
func (s *SessionStore) CountActiveByTenant(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE tenant_id = ? AND status IN ('running', 'paused')
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// ListActiveCountdown returns all running or paused countdown sessions,
// optionally scoped to one tenant. The sweeper recomputes each deadline
// from the persisted timestamps; no in-memory countdown is consulted.
func (s *SessionStore) ListActiveCountdown(ctx context.Context, tenantID string) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE mode = 'countdown' AND status IN ('running', 'paused')
	`
	var args []interface{}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY started_at ASC"

	return s.queryList(ctx, query, args...)
}

// ListUnexportedTerminal returns terminal sessions that never reached the
// ledger, so the sweeper can re-submit them after a crash between the
// terminal commit and the ledger append.
func (s *SessionStore) ListUnexportedTerminal(ctx context.Context) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE status IN ('stopped', 'expired') AND exported = 0
		ORDER BY stopped_at ASC
	`
	return s.queryList(ctx, query)
}

// List returns sessions matching the filter
func (s *SessionStore) List(ctx context.Context, filter models.SessionListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []interface{}

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryList(ctx, query, args...)
}

// CountByStatus returns session counts grouped by status, used to seed
// the active-session gauges on startup.
func (s *SessionStore) CountByStatus(ctx context.Context) (map[models.SessionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sessions GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SessionStatus]int)
	for rows.Next() {
		var status models.SessionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *SessionStore) queryList(ctx context.Context, query string, args ...interface{}) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var rate string
	var intervals string
	var stoppedAt sql.NullTime
	var finalCost sql.NullString

	err := row.Scan(
		&session.ID, &session.TenantID, &session.ResourceID, &session.SubjectID,
		&rate, &session.Currency,
		&session.Mode, &session.PlannedDurationSeconds,
		&session.StartedAt, &intervals, &stoppedAt,
		&session.Status, &finalCost, &session.Exported, &session.Version,
	)
	if err != nil {
		return nil, err
	}

	session.RatePerMinute, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate for session %s: %w", session.ID, err)
	}

	if err := json.Unmarshal([]byte(intervals), &session.PauseIntervals); err != nil {
		return nil, fmt.Errorf("invalid pause intervals for session %s: %w", session.ID, err)
	}

	if stoppedAt.Valid {
		session.StoppedAt = stoppedAt.Time
	}
	if finalCost.Valid {
		session.FinalCost, err = decimal.NewFromString(finalCost.String)
		if err != nil {
			return nil, fmt.Errorf("invalid final cost for session %s: %w", session.ID, err)
		}
	}

	return session, nil
}

// nullTime converts a time to sql.NullTime
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// nullDecimal stores a decimal as text only when it has been set
func nullDecimal(d decimal.Decimal, set bool) sql.NullString {
	if !set {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
