package api

import (
	"time"
)

// OrderResponse represents the API response for order information
type OrderResponse struct {
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

// OrderListResponse wraps a filtered page of orders
type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
	Count  int             `json:"count"`
}

// LPResponse represents the API response for liquidity provider state
type LPResponse struct {
	Address         string    `json:"address"`
	IsRegistered    bool      `json:"is_registered"`
	IsActive        bool      `json:"is_active"`
	StakedAmount    string    `json:"staked_amount"`
	LastStakeChange time.Time `json:"last_stake_change"`
}

// RateResponse represents the latest accepted rate for a currency
type RateResponse struct {
	Currency   string    `json:"currency"`
	Source     string    `json:"source"`
	Value      string    `json:"value"`
	Confidence uint8     `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// InfoResponse represents live custody totals per supported token
type InfoResponse struct {
	Paused bool                     `json:"paused"`
	Tokens map[string]TokenCustody `json:"tokens"`
}

// TokenCustody represents what the escrow holds for a specific token
type TokenCustody struct {
	Symbol      string `json:"symbol"`
	Address     string `json:"address"`
	Decimals    int    `json:"decimals"`
	Held        string `json:"held"`
	AccruedFees string `json:"accrued_fees"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateOrderRequest represents the request body for opening an order.
// Amount is gross, in token base units; FiatAmount is optional (6 decimals).
type CreateOrderRequest struct {
	Caller       string `json:"caller" validate:"required"`
	Variant      string `json:"variant" validate:"required,oneof=lock claim"`
	Token        string `json:"token" validate:"required"`
	Amount       string `json:"amount" validate:"required"`
	FiatCurrency string `json:"fiat_currency" validate:"required"`
	FiatAmount   string `json:"fiat_amount,omitempty"`
}

// OrderActionRequest is the body shared by every order transition. Fields
// other than Caller are read only by the transitions that need them.
type OrderActionRequest struct {
	Caller        string `json:"caller" validate:"required"`
	Signature     string `json:"signature,omitempty"`
	PaymentProof  string `json:"payment_proof,omitempty"`
	BankReference string `json:"bank_reference,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Refund        bool   `json:"refund,omitempty"`
}

// StakeRequest represents register, stake, unstake and exit calls
type StakeRequest struct {
	Caller string `json:"caller" validate:"required"`
	Amount string `json:"amount,omitempty"`
}

// SlashRequest slashes an LP; without Amount the configured percentage applies
type SlashRequest struct {
	Caller string `json:"caller" validate:"required"`
	Amount string `json:"amount,omitempty"`
}

// RateUpdateRequest represents a rate submitted by an updater
type RateUpdateRequest struct {
	Caller     string `json:"caller" validate:"required"`
	Value      string `json:"value" validate:"required"`
	Confidence uint8  `json:"confidence"`
}
