package events

import (
	"math/big"
	"time"

	"escrow/apps/escrow/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Event types carried on the wire.
const (
	OrderCreated        = "order_created"
	OrderLocked         = "order_locked"
	OrderClaimed        = "order_claimed"
	PaymentAttested     = "payment_attested"
	OrderReleased       = "order_released"
	OrderCancelled      = "order_cancelled"
	OrderRefunded       = "order_refunded"
	SettlementConfirmed = "settlement_confirmed"
	DisputeRaised       = "dispute_raised"
	DisputeResolved     = "dispute_resolved"
	FeesWithdrawn       = "fees_withdrawn"
	ParamsUpdated       = "params_updated"

	LPRegistered    = "lp_registered"
	StakeAdded      = "stake_added"
	StakeRemoved    = "stake_removed"
	LPExited        = "lp_exited"
	LPSlashed       = "lp_slashed"
	LPStatusChanged = "lp_status_changed"
	StakeParamsSet  = "stake_params_updated"
	RateUpdated     = "rate_updated"
	SignerRotated   = "signer_rotated"
	OracleParamsSet = "oracle_params_updated"
)

// Event is an append-only notification emitted on every state change.
type Event struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	RecordID  string            `json:"record_id"`
	Actor     string            `json:"actor"`
	Order     *OrderPayload     `json:"order,omitempty"`
	LP        *LPPayload        `json:"lp,omitempty"`
	Rate      *RatePayload      `json:"rate,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type OrderPayload struct {
	OrderID       string     `json:"order_id"`
	Variant       string     `json:"variant"`
	Status        string     `json:"status"`
	Initiator     string     `json:"initiator"`
	Counterparty  string     `json:"counterparty,omitempty"`
	Token         string     `json:"token"`
	Amount        string     `json:"amount"`
	Fee           string     `json:"fee"`
	FiatCurrency  string     `json:"fiat_currency"`
	FiatAmount    string     `json:"fiat_amount,omitempty"`
	ExchangeRate  *string    `json:"exchange_rate,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	Deadline      time.Time  `json:"deadline"`
	PaymentProof  string     `json:"payment_proof,omitempty"`
	BankReference string     `json:"bank_reference,omitempty"`
}

type LPPayload struct {
	Address         string    `json:"address"`
	IsRegistered    bool      `json:"is_registered"`
	IsActive        bool      `json:"is_active"`
	StakedAmount    string    `json:"staked_amount"`
	LastStakeChange time.Time `json:"last_stake_change"`
}

type RatePayload struct {
	Currency   string    `json:"currency"`
	Source     string    `json:"source"`
	Value      string    `json:"value"`
	Confidence uint8     `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newEvent(eventType, recordID, actor string, at time.Time) Event {
	return Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		RecordID:  recordID,
		Actor:     actor,
		Timestamp: at,
	}
}

// ForOrder builds an event carrying a snapshot of order.
func ForOrder(eventType, actor string, order model.Order, at time.Time) Event {
	ev := newEvent(eventType, order.ID.Hex(), actor, at)
	ev.Order = NewOrderPayload(order)
	return ev
}

// ForLP builds an event carrying a snapshot of info.
func ForLP(eventType, actor string, info model.LPInfo, at time.Time) Event {
	ev := newEvent(eventType, info.Address.Hex(), actor, at)
	ev.LP = NewLPPayload(info)
	return ev
}

// ForRate builds an event carrying rate.
func ForRate(actor string, rate model.Rate, at time.Time) Event {
	ev := newEvent(RateUpdated, rate.Currency, actor, at)
	ev.Rate = NewRatePayload(rate)
	return ev
}

// ForConfig builds an administrative event with free-form details.
func ForConfig(eventType, recordID, actor string, details map[string]string, at time.Time) Event {
	ev := newEvent(eventType, recordID, actor, at)
	ev.Details = details
	return ev
}

func NewOrderPayload(order model.Order) *OrderPayload {
	p := &OrderPayload{
		OrderID:       order.ID.Hex(),
		Variant:       string(order.Variant),
		Status:        string(order.Status),
		Initiator:     order.Initiator.Hex(),
		Token:         order.Token.Hex(),
		Amount:        intString(order.Amount),
		Fee:           intString(order.Fee),
		FiatCurrency:  order.FiatCurrency,
		FiatAmount:    intString(order.FiatAmount),
		CreatedAt:     order.CreatedAt,
		LockedAt:      order.LockedAt,
		ClaimedAt:     order.ClaimedAt,
		Deadline:      order.Deadline,
		BankReference: order.BankReference,
	}
	if order.HasCounterparty() {
		p.Counterparty = order.Counterparty.Hex()
	}
	if order.ExchangeRate != nil {
		rate := order.ExchangeRate.String()
		p.ExchangeRate = &rate
	}
	if order.PaymentProof != (common.Hash{}) {
		p.PaymentProof = order.PaymentProof.Hex()
	}
	return p
}

func NewLPPayload(info model.LPInfo) *LPPayload {
	return &LPPayload{
		Address:         info.Address.Hex(),
		IsRegistered:    info.IsRegistered,
		IsActive:        info.IsActive,
		StakedAmount:    intString(info.StakedAmount),
		LastStakeChange: info.LastStakeChange,
	}
}

func NewRatePayload(rate model.Rate) *RatePayload {
	return &RatePayload{
		Currency:   rate.Currency,
		Source:     rate.Source.Hex(),
		Value:      intString(rate.Value),
		Confidence: rate.Confidence,
		UpdatedAt:  rate.Timestamp,
	}
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
