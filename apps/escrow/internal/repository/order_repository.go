package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"escrow/apps/escrow/internal/events"
	"go.uber.org/zap"
)

const orderColumns = `order_id, variant, status, initiator, counterparty, token, amount, fee, fiat_currency, fiat_amount,
		exchange_rate, created_at, locked_at, claimed_at, deadline, payment_proof, bank_reference`

// OrderFilter narrows ListOrders. Empty fields match everything.
type OrderFilter struct {
	Status string
	Party  string
	Limit  int
}

// OrderRepository is the queryable projection of ledger orders.
type OrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOrderRepository(db *sql.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

// UpsertOrder stores the snapshot unless a newer one is already present, so
// replayed or reordered deliveries never move an order backwards.
func (r *OrderRepository) UpsertOrder(order events.OrderPayload, updatedAt time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO orders (`+orderColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			counterparty = EXCLUDED.counterparty,
			locked_at = EXCLUDED.locked_at,
			claimed_at = EXCLUDED.claimed_at,
			deadline = EXCLUDED.deadline,
			payment_proof = EXCLUDED.payment_proof,
			bank_reference = EXCLUDED.bank_reference,
			updated_at = EXCLUDED.updated_at
		WHERE orders.updated_at <= EXCLUDED.updated_at
	`, strings.ToLower(order.OrderID), order.Variant, order.Status, strings.ToLower(order.Initiator),
		nullString(strings.ToLower(order.Counterparty)), strings.ToLower(order.Token),
		order.Amount, order.Fee, order.FiatCurrency, order.FiatAmount, nullStringPtr(order.ExchangeRate), order.CreatedAt,
		nullTime(order.LockedAt), nullTime(order.ClaimedAt), order.Deadline, nullString(order.PaymentProof),
		nullString(order.BankReference), updatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}

	r.logger.Info("Upserted order",
		zap.String("order_id", order.OrderID),
		zap.String("variant", order.Variant),
		zap.String("status", order.Status))
	return nil
}

func (r *OrderRepository) GetOrderByID(orderID string) (*events.OrderPayload, error) {
	row := r.db.QueryRow(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_id = $1
	`, strings.ToLower(orderID))

	order, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order by ID: %w", err)
	}

	return order, nil
}

// ListOrders returns matching orders, newest first.
func (r *OrderRepository) ListOrders(filter OrderFilter) ([]events.OrderPayload, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR initiator = $2 OR counterparty = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, filter.Status, strings.ToLower(filter.Party), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []events.OrderPayload{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	return orders, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*events.OrderPayload, error) {
	var order events.OrderPayload
	var counterparty, exchangeRate, paymentProof, bankReference sql.NullString
	var lockedAt, claimedAt sql.NullTime
	err := s.Scan(&order.OrderID, &order.Variant, &order.Status, &order.Initiator, &counterparty, &order.Token,
		&order.Amount, &order.Fee, &order.FiatCurrency, &order.FiatAmount, &exchangeRate, &order.CreatedAt,
		&lockedAt, &claimedAt, &order.Deadline, &paymentProof, &bankReference)
	if err != nil {
		return nil, err
	}
	order.Counterparty = counterparty.String
	order.PaymentProof = paymentProof.String
	order.BankReference = bankReference.String
	if exchangeRate.Valid {
		order.ExchangeRate = &exchangeRate.String
	}
	if lockedAt.Valid {
		order.LockedAt = &lockedAt.Time
	}
	if claimedAt.Valid {
		order.ClaimedAt = &claimedAt.Time
	}
	return &order, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
