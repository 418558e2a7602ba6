package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database. In production, this would use a proper migration
// library like go-migrate
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS event_outbox (
			event_id UUID PRIMARY KEY,
			event_type VARCHAR(40) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			record_id VARCHAR(66) NOT NULL,
			actor VARCHAR(42) NOT NULL,
			event_blob JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_status_created ON event_outbox (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id VARCHAR(66) PRIMARY KEY,
			variant VARCHAR(10) NOT NULL,
			status VARCHAR(20) NOT NULL,
			initiator VARCHAR(42) NOT NULL,
			counterparty VARCHAR(42),
			token VARCHAR(42) NOT NULL,
			amount DECIMAL(78,0) NOT NULL,
			fee DECIMAL(78,0) NOT NULL,
			fiat_currency VARCHAR(10) NOT NULL,
			fiat_amount DECIMAL(78,0) NOT NULL,
			exchange_rate DECIMAL(78,0),
			created_at TIMESTAMP NOT NULL,
			locked_at TIMESTAMP,
			claimed_at TIMESTAMP,
			deadline TIMESTAMP NOT NULL,
			payment_proof VARCHAR(66),
			bank_reference VARCHAR(140),
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_initiator_status ON orders (initiator, status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_counterparty_status ON orders (counterparty, status, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS lps (
			lp_address VARCHAR(42) PRIMARY KEY,
			is_registered BOOLEAN NOT NULL,
			is_active BOOLEAN NOT NULL,
			staked_amount DECIMAL(78,0) NOT NULL,
			last_stake_change TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rates (
			currency VARCHAR(10) NOT NULL,
			source VARCHAR(42) NOT NULL,
			value DECIMAL(78,0) NOT NULL,
			confidence SMALLINT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (currency, source)
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
