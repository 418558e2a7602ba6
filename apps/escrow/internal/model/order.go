package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the position of an order in its settlement state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusLocked     Status = "locked"
	StatusAttested   Status = "attested"
	StatusProcessing Status = "processing"
	StatusDisputed   Status = "disputed"
	StatusCompleted  Status = "completed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusCancelled
}

// Variant selects which settlement flow an order follows.
type Variant string

const (
	// VariantLock is the buyer-initiated purchase: the LP locks crypto and the
	// buyer attests the fiat payment.
	VariantLock Variant = "lock"
	// VariantClaim is the seller-initiated sale: the seller escrows crypto at
	// creation and an LP claims the order.
	VariantClaim Variant = "claim"
)

func (v Variant) Valid() bool {
	return v == VariantLock || v == VariantClaim
}

type Order struct {
	ID            common.Hash    `db:"order_id"`
	Variant       Variant        `db:"variant"`
	Initiator     common.Address `db:"initiator"`
	Counterparty  common.Address `db:"counterparty"` // zero until assigned
	Token         common.Address `db:"token"`
	Amount        *big.Int       `db:"amount"` // net of fee
	Fee           *big.Int       `db:"fee"`
	FiatCurrency  string         `db:"fiat_currency"`
	FiatAmount    *big.Int       `db:"fiat_amount"`   // 6 decimals
	ExchangeRate  *big.Int       `db:"exchange_rate"` // nullable, 6 decimals
	CreatedAt     time.Time      `db:"created_at"`
	LockedAt      *time.Time     `db:"locked_at"`
	ClaimedAt     *time.Time     `db:"claimed_at"`
	Deadline      time.Time      `db:"deadline"`
	Status        Status         `db:"status"`
	PaymentProof  common.Hash    `db:"payment_proof"`
	BankReference string         `db:"bank_reference"`
	DisputedBy    common.Address `db:"disputed_by"`
	DisputeReason string         `db:"dispute_reason"`
	ResolvedBy    common.Address `db:"resolved_by"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// HasCounterparty reports whether an LP has been assigned.
func (o *Order) HasCounterparty() bool {
	return o.Counterparty != (common.Address{})
}

// Funded reports whether custody currently holds Amount for this order.
func (o *Order) Funded() bool {
	if o.Status.Terminal() {
		return false
	}
	switch o.Variant {
	case VariantClaim:
		return true
	case VariantLock:
		return o.Status != StatusPending
	}
	return false
}

// IsParty reports whether addr is the initiator or the assigned counterparty.
func (o *Order) IsParty(addr common.Address) bool {
	return addr == o.Initiator || (o.HasCounterparty() && addr == o.Counterparty)
}

// Clone returns a deep copy so callers never share big.Int or time pointers
// with the ledger's stored record.
func (o Order) Clone() Order {
	c := o
	c.Amount = cloneInt(o.Amount)
	c.Fee = cloneInt(o.Fee)
	c.FiatAmount = cloneInt(o.FiatAmount)
	c.ExchangeRate = cloneInt(o.ExchangeRate)
	c.LockedAt = cloneTime(o.LockedAt)
	c.ClaimedAt = cloneTime(o.ClaimedAt)
	return c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
