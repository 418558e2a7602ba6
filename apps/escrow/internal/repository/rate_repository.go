package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"escrow/apps/escrow/internal/events"
	"go.uber.org/zap"
)

type RateRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewRateRepository(db *sql.DB, logger *zap.Logger) *RateRepository {
	return &RateRepository{db: db, logger: logger}
}

// UpsertRate keeps the newest rate per (currency, source).
func (r *RateRepository) UpsertRate(rate events.RatePayload) error {
	_, err := r.db.Exec(`
		INSERT INTO rates (currency, source, value, confidence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (currency, source) DO UPDATE SET
			value = EXCLUDED.value,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at
		WHERE rates.updated_at <= EXCLUDED.updated_at
	`, strings.ToUpper(rate.Currency), strings.ToLower(rate.Source), rate.Value, rate.Confidence, rate.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert rate: %w", err)
	}

	r.logger.Info("Upserted rate",
		zap.String("currency", rate.Currency),
		zap.String("source", rate.Source),
		zap.String("value", rate.Value))
	return nil
}

// GetLatestRate returns the most recently updated rate for currency across sources.
func (r *RateRepository) GetLatestRate(currency string) (*events.RatePayload, error) {
	var rate events.RatePayload
	err := r.db.QueryRow(`
		SELECT currency, source, value, confidence, updated_at
		FROM rates
		WHERE currency = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, strings.ToUpper(currency)).Scan(&rate.Currency, &rate.Source, &rate.Value, &rate.Confidence, &rate.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rate: %w", err)
	}

	return &rate, nil
}
