package repository

import (
	"database/sql"
	"fmt"
	"strings"

	"escrow/apps/escrow/internal/events"
	"go.uber.org/zap"
)

type LPRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewLPRepository(db *sql.DB, logger *zap.Logger) *LPRepository {
	return &LPRepository{db: db, logger: logger}
}

func (r *LPRepository) UpsertLP(lp events.LPPayload) error {
	_, err := r.db.Exec(`
		INSERT INTO lps (lp_address, is_registered, is_active, staked_amount, last_stake_change)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lp_address) DO UPDATE SET
			is_registered = EXCLUDED.is_registered,
			is_active = EXCLUDED.is_active,
			staked_amount = EXCLUDED.staked_amount,
			last_stake_change = EXCLUDED.last_stake_change
		WHERE lps.last_stake_change <= EXCLUDED.last_stake_change
	`, strings.ToLower(lp.Address), lp.IsRegistered, lp.IsActive, lp.StakedAmount, lp.LastStakeChange)

	if err != nil {
		return fmt.Errorf("failed to upsert lp: %w", err)
	}

	r.logger.Info("Upserted LP",
		zap.String("lp", lp.Address),
		zap.Bool("is_active", lp.IsActive),
		zap.String("staked_amount", lp.StakedAmount))
	return nil
}

func (r *LPRepository) GetLP(address string) (*events.LPPayload, error) {
	var lp events.LPPayload
	err := r.db.QueryRow(`
		SELECT lp_address, is_registered, is_active, staked_amount, last_stake_change
		FROM lps
		WHERE lp_address = $1
	`, strings.ToLower(address)).Scan(&lp.Address, &lp.IsRegistered, &lp.IsActive, &lp.StakedAmount, &lp.LastStakeChange)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lp: %w", err)
	}

	return &lp, nil
}
