package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rental-meter/rental-meter/pkg/models"
)

// ExportStore commits the three writes of a revenue export as one unit:
// the ledger append, the tenant running totals, and the session's
// exported flag. A crash can therefore never leave the ledger and the
// totals disagreeing about a session.
type ExportStore struct {
	db *DB
}

// NewExportStore creates a new export store
func NewExportStore(db *DB) *ExportStore {
	return &ExportStore{db: db}
}

// ExportSession atomically publishes one finalized session. Returns
// ErrAlreadyExists if the session is already in the ledger, in which
// case nothing is written.
func (s *ExportStore) ExportSession(ctx context.Context, entry *models.LedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin export transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger (
			session_id, tenant_id, subject_id, resource_id,
			final_cost, currency, reason, finalized_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.SessionID, entry.TenantID, entry.SubjectID, entry.ResourceID,
		entry.FinalCost.String(), entry.Currency, entry.Reason, entry.FinalizedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	// Tenant totals ride in the same transaction. A policy deleted after
	// the session started is tolerated; the ledger remains authoritative.
	var revenue string
	err = tx.QueryRowContext(ctx,
		`SELECT total_revenue FROM tenant_policies WHERE tenant_id = ?`, entry.TenantID).Scan(&revenue)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read tenant totals: %w", err)
	default:
		current, err := decimal.NewFromString(revenue)
		if err != nil {
			return fmt.Errorf("invalid total revenue for tenant %s: %w", entry.TenantID, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tenant_policies SET
				total_sessions_completed = total_sessions_completed + 1,
				total_revenue = ?,
				last_used_at = ?
			WHERE tenant_id = ?
		`, current.Add(entry.FinalCost).String(), entry.FinalizedAt, entry.TenantID)
		if err != nil {
			return fmt.Errorf("failed to apply tenant totals: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET exported = 1, version = version + 1 WHERE id = ?`, entry.SessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session exported: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}
	return nil
}
