package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rental-meter/rental-meter/pkg/models"
)

// LedgerStore handles finalized billing record persistence. The table's
// session_id primary key is the exactly-once backstop: a duplicate append
// surfaces as ErrAlreadyExists and callers treat it as already done.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new ledger store
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Append publishes one finalized session to the ledger
func (s *LedgerStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	query := `
		INSERT INTO ledger (
			session_id, tenant_id, subject_id, resource_id,
			final_cost, currency, reason, finalized_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.SessionID, entry.TenantID, entry.SubjectID, entry.ResourceID,
		entry.FinalCost.String(), entry.Currency, entry.Reason, entry.FinalizedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// Get retrieves the ledger entry for a session
func (s *LedgerStore) Get(ctx context.Context, sessionID string) (*models.LedgerEntry, error) {
	query := `
		SELECT session_id, tenant_id, subject_id, resource_id,
			final_cost, currency, reason, finalized_at
		FROM ledger
		WHERE session_id = ?
	`

	entry := &models.LedgerEntry{}
	var cost string
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&entry.SessionID, &entry.TenantID, &entry.SubjectID, &entry.ResourceID,
		&cost, &entry.Currency, &entry.Reason, &entry.FinalizedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	entry.FinalCost, err = decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("invalid final cost for session %s: %w", sessionID, err)
	}
	return entry, nil
}

// ListByTenant returns a tenant's ledger entries, newest first
func (s *LedgerStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.LedgerEntry, error) {
	query := `
		SELECT session_id, tenant_id, subject_id, resource_id,
			final_cost, currency, reason, finalized_at
		FROM ledger
		WHERE tenant_id = ?
		ORDER BY finalized_at DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry := &models.LedgerEntry{}
		var cost string
		if err := rows.Scan(
			&entry.SessionID, &entry.TenantID, &entry.SubjectID, &entry.ResourceID,
			&cost, &entry.Currency, &entry.Reason, &entry.FinalizedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entry.FinalCost, err = decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("invalid final cost for session %s: %w", entry.SessionID, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// TenantTotal returns the sum of a tenant's finalized costs
func (s *LedgerStore) TenantTotal(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT final_cost FROM ledger WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to total ledger: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var cost string
		if err := rows.Scan(&cost); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan ledger cost: %w", err)
		}
		d, err := decimal.NewFromString(cost)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid ledger cost: %w", err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}
