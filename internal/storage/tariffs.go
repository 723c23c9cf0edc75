package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rental-meter/rental-meter/pkg/models"
)

// TariffStore handles tariff reference data
type TariffStore struct {
	db *DB
}

// NewTariffStore creates a new tariff store
func NewTariffStore(db *DB) *TariffStore {
	return &TariffStore{db: db}
}

// Get retrieves the tariff for a resource
func (s *TariffStore) Get(ctx context.Context, resourceID string) (*models.Tariff, error) {
	query := `
		SELECT resource_id, rate_per_minute, currency, updated_at
		FROM tariffs
		WHERE resource_id = ?
	`

	tariff := &models.Tariff{}
	var rate string
	err := s.db.QueryRowContext(ctx, query, resourceID).Scan(
		&tariff.ResourceID, &rate, &tariff.Currency, &tariff.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tariff: %w", err)
	}

	tariff.RatePerMinute, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate for resource %s: %w", resourceID, err)
	}
	return tariff, nil
}

// Upsert creates or replaces a tariff
func (s *TariffStore) Upsert(ctx context.Context, tariff *models.Tariff) error {
	query := `
		INSERT INTO tariffs (resource_id, rate_per_minute, currency, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			rate_per_minute = excluded.rate_per_minute,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		tariff.ResourceID, tariff.RatePerMinute.String(), tariff.Currency, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tariff: %w", err)
	}
	return nil
}
