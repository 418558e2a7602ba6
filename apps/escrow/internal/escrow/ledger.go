package escrow

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"escrow/apps/escrow/internal/access"
	"escrow/apps/escrow/internal/assets"
	"escrow/apps/escrow/internal/audit"
	"escrow/apps/escrow/internal/clock"
	"escrow/apps/escrow/internal/errs"
	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/metrics"
	"escrow/apps/escrow/internal/model"
	"escrow/apps/escrow/internal/oracle"
	"escrow/apps/escrow/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// HardMaxFeeBps bounds any configurable platform fee (10%).
const HardMaxFeeBps = 1000

const bpsDenominator = 10000

// StakeChecker tells whether an address may act as an LP.
type StakeChecker interface {
	IsActive(lp common.Address) bool
}

// ClaimAuthorizer validates permission slips for claim-variant orders.
type ClaimAuthorizer interface {
	RequireClaim(orderID common.Hash, claimant common.Address, sig []byte) error
}

// RateSource prices a fiat currency in model.RateDecimals precision.
type RateSource interface {
	GetAggregatedRate(ctx context.Context, currency string) (oracle.Quote, error)
}

// Params are the administrator-controlled settings. Windows are converted to
// absolute deadlines when a record enters the state they guard, so changing
// them never affects records already in flight.
type Params struct {
	PlatformFeeBps        uint64
	MaxPlatformFeeBps     uint64
	LockWindow            time.Duration
	PaymentWindow         time.Duration
	ClaimWindow           time.Duration
	SettlementWindow      time.Duration
	RequireClaimSignature bool
}

func (p Params) validate() error {
	if p.MaxPlatformFeeBps > HardMaxFeeBps {
		return fmt.Errorf("%w: max fee %d bps exceeds %d", errs.ErrInvalidArgument, p.MaxPlatformFeeBps, HardMaxFeeBps)
	}
	if p.PlatformFeeBps > p.MaxPlatformFeeBps {
		return fmt.Errorf("%w: fee %d bps exceeds cap %d", errs.ErrInvalidArgument, p.PlatformFeeBps, p.MaxPlatformFeeBps)
	}
	if p.LockWindow <= 0 || p.PaymentWindow <= 0 || p.ClaimWindow <= 0 || p.SettlementWindow <= 0 {
		return fmt.Errorf("%w: windows must be positive", errs.ErrInvalidArgument)
	}
	return nil
}

// CreateRequest describes a new order. Amount is gross; the fee is taken from it.
type CreateRequest struct {
	Variant      model.Variant
	Token        common.Address
	Amount       *big.Int
	FiatCurrency string
	// FiatAmount is optional (6 decimals); when nil it is priced from the rate source.
	FiatAmount *big.Int
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status  model.Status
	Variant model.Variant
	Party   common.Address
}

type record struct {
	order model.Order
	busy  bool // a transfer for this order is outstanding
	// settled is what custody holds for the order while busy; nil when the
	// order's first pull has not landed yet.
	settled *model.Order
}

// Ledger owns every order and drives its state machine.
type Ledger struct {
	mu     sync.RWMutex
	orders map[common.Hash]*record
	fees   map[common.Address]*big.Int
	nonce  uint64
	params Params

	port   token.Port
	assets *assets.AssetRegistry
	stakes StakeChecker
	slips  ClaimAuthorizer
	rates  RateSource
	access *access.Controller
	sink   audit.Sink
	clock  clock.Clock
	logger *zap.Logger
}

// Deps groups the ledger's collaborators. Rates may be nil when every order
// carries its own fiat amount.
type Deps struct {
	Port   token.Port
	Assets *assets.AssetRegistry
	Stakes StakeChecker
	Slips  ClaimAuthorizer
	Rates  RateSource
	Access *access.Controller
	Sink   audit.Sink
	Clock  clock.Clock
	Logger *zap.Logger
}

func NewLedger(params Params, deps Deps) (*Ledger, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if deps.Port == nil || deps.Assets == nil || deps.Stakes == nil || deps.Access == nil {
		return nil, fmt.Errorf("%w: port, assets, stakes and access are required", errs.ErrInvalidArgument)
	}
	if params.RequireClaimSignature && deps.Slips == nil {
		return nil, fmt.Errorf("%w: claim signatures required but no authorizer configured", errs.ErrInvalidArgument)
	}
	if deps.Clock == nil {
		deps.Clock = clock.System
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Ledger{
		orders: make(map[common.Hash]*record),
		fees:   make(map[common.Address]*big.Int),
		params: params,
		port:   deps.Port,
		assets: deps.Assets,
		stakes: deps.Stakes,
		slips:  deps.Slips,
		rates:  deps.Rates,
		access: deps.Access,
		sink:   deps.Sink,
		clock:  deps.Clock,
		logger: deps.Logger,
	}, nil
}

// CreateOrder records a new order. For the claim variant the gross amount is
// pulled from the initiator in the same call; the fee stays with the platform.
func (l *Ledger) CreateOrder(ctx context.Context, initiator common.Address, req CreateRequest) (model.Order, error) {
	if err := l.access.RequireNotPaused(); err != nil {
		return model.Order{}, err
	}
	if err := l.validateCreate(req); err != nil {
		return model.Order{}, l.reject("create", err)
	}

	params := l.Params()
	fee := new(big.Int).Mul(req.Amount, new(big.Int).SetUint64(params.PlatformFeeBps))
	fee.Quo(fee, big.NewInt(bpsDenominator))
	net := new(big.Int).Sub(req.Amount, fee)
	if net.Sign() <= 0 {
		return model.Order{}, l.reject("create", fmt.Errorf("%w: amount too small after fee", errs.ErrInvalidArgument))
	}

	currency := strings.ToUpper(strings.TrimSpace(req.FiatCurrency))
	fiatAmount, rate, err := l.price(ctx, req.Token, net, currency, req.FiatAmount)
	if err != nil {
		return model.Order{}, l.reject("create", err)
	}

	l.mu.Lock()
	now := l.clock()
	l.nonce++
	order := model.Order{
		ID:           orderID(initiator, req.Token, req.Amount, l.nonce, now),
		Variant:      req.Variant,
		Initiator:    initiator,
		Token:        req.Token,
		Amount:       net,
		Fee:          fee,
		FiatCurrency: currency,
		FiatAmount:   fiatAmount,
		ExchangeRate: rate,
		CreatedAt:    now,
		Status:       model.StatusPending,
		UpdatedAt:    now,
	}
	rec := &record{}
	switch req.Variant {
	case model.VariantClaim:
		order.Deadline = now.Add(params.ClaimWindow)
		rec.busy = true
	case model.VariantLock:
		order.Deadline = now.Add(params.LockWindow)
	}
	rec.order = order
	l.orders[order.ID] = rec
	l.mu.Unlock()

	if req.Variant == model.VariantClaim {
		if err := l.port.TransferFrom(ctx, req.Token, initiator, l.port.Custody(), req.Amount); err != nil {
			l.mu.Lock()
			delete(l.orders, order.ID)
			l.mu.Unlock()
			return model.Order{}, l.transferFailed("create", order.ID, err)
		}
		l.mu.Lock()
		l.accrueLocked(req.Token, fee)
		rec.busy = false
		l.mu.Unlock()
	}

	metrics.OrderTransitions.WithLabelValues(string(order.Variant), string(order.Status)).Inc()
	l.logger.Info("Created order",
		zap.String("order_id", order.ID.Hex()),
		zap.String("variant", string(order.Variant)),
		zap.String("initiator", initiator.Hex()),
		zap.String("amount", net.String()),
		zap.String("fee", fee.String()),
		zap.Time("deadline", order.Deadline))
	audit.Emit(ctx, l.sink, l.logger, events.ForOrder(events.OrderCreated, initiator.Hex(), order, now))
	return order.Clone(), nil
}

func (l *Ledger) validateCreate(req CreateRequest) error {
	if !req.Variant.Valid() {
		return fmt.Errorf("%w: unknown variant %q", errs.ErrInvalidArgument, req.Variant)
	}
	if !l.assets.IsSupported(req.Token) {
		return fmt.Errorf("%w: unsupported token %s", errs.ErrInvalidArgument, req.Token.Hex())
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidArgument)
	}
	if strings.TrimSpace(req.FiatCurrency) == "" {
		return fmt.Errorf("%w: fiat currency is required", errs.ErrInvalidArgument)
	}
	if req.FiatAmount != nil && req.FiatAmount.Sign() <= 0 {
		return fmt.Errorf("%w: fiat amount must be positive", errs.ErrInvalidArgument)
	}
	return nil
}

// price returns the fiat amount for net, consulting the rate source only when
// the caller did not supply one.
func (l *Ledger) price(ctx context.Context, tokenAddr common.Address, net *big.Int, currency string, fiat *big.Int) (*big.Int, *big.Int, error) {
	if fiat != nil {
		return new(big.Int).Set(fiat), nil, nil
	}
	if l.rates == nil {
		return nil, nil, fmt.Errorf("%w: fiat amount required when no rate source is configured", errs.ErrInvalidArgument)
	}
	quote, err := l.rates.GetAggregatedRate(ctx, currency)
	if err != nil {
		return nil, nil, err
	}
	asset, _ := l.assets.GetByAddress(tokenAddr)
	fiatAmount := new(big.Int).Mul(net, quote.Value)
	fiatAmount.Quo(fiatAmount, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(asset.Decimals)), nil))
	return fiatAmount, new(big.Int).Set(quote.Value), nil
}

// Get returns a copy of the order.
func (l *Ledger) Get(id common.Hash) (model.Order, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: order %s", errs.ErrNotFound, id.Hex())
	}
	return rec.order.Clone(), nil
}

// List returns matching orders, oldest first.
func (l *Ledger) List(f Filter) []model.Order {
	l.mu.RLock()
	out := make([]model.Order, 0, len(l.orders))
	for _, rec := range l.orders {
		o := rec.order
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Variant != "" && o.Variant != f.Variant {
			continue
		}
		if f.Party != (common.Address{}) && !o.IsParty(f.Party) {
			continue
		}
		out = append(out, o.Clone())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.Hex() < out[j].ID.Hex()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HeldBalance is what custody must hold for token on the ledger's behalf:
// the net amount of every funded open order plus fees not yet withdrawn.
func (l *Ledger) HeldBalance(tokenAddr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(big.Int)
	for _, rec := range l.orders {
		order := &rec.order
		if rec.busy {
			if rec.settled == nil {
				continue
			}
			order = rec.settled
		}
		if order.Token == tokenAddr && order.Funded() {
			total.Add(total, order.Amount)
		}
	}
	if fee, ok := l.fees[tokenAddr]; ok {
		total.Add(total, fee)
	}
	return total
}

// AccruedFees returns fees collected for token and not yet withdrawn.
func (l *Ledger) AccruedFees(tokenAddr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fee, ok := l.fees[tokenAddr]; ok {
		return new(big.Int).Set(fee)
	}
	return new(big.Int)
}

// WithdrawFees sends all accrued fees for token to to.
func (l *Ledger) WithdrawFees(ctx context.Context, caller common.Address, tokenAddr, to common.Address) (*big.Int, error) {
	if err := l.access.Require(caller, access.RoleAdmin); err != nil {
		return nil, err
	}
	l.mu.Lock()
	amount, ok := l.fees[tokenAddr]
	if !ok || amount.Sign() == 0 {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: no fees accrued for %s", errs.ErrInsufficientFunds, tokenAddr.Hex())
	}
	delete(l.fees, tokenAddr)
	l.mu.Unlock()

	if err := l.port.Transfer(ctx, tokenAddr, to, amount); err != nil {
		l.mu.Lock()
		l.accrueLocked(tokenAddr, amount)
		l.mu.Unlock()
		metrics.TransferFailures.WithLabelValues("ledger", "withdraw_fees").Inc()
		return nil, fmt.Errorf("%w: %w", errs.ErrTransferFailed, err)
	}

	l.logger.Info("Withdrew platform fees",
		zap.String("token", tokenAddr.Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()))
	audit.Emit(ctx, l.sink, l.logger, events.ForConfig(events.FeesWithdrawn, tokenAddr.Hex(), caller.Hex(),
		map[string]string{"to": to.Hex(), "amount": amount.String()}, l.clock()))
	return new(big.Int).Set(amount), nil
}

// Params returns the current settings.
func (l *Ledger) Params() Params {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.params
}

// SetParams replaces the settings for subsequent calls.
func (l *Ledger) SetParams(ctx context.Context, caller common.Address, p Params) error {
	if err := l.access.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if p.RequireClaimSignature && l.slips == nil {
		return fmt.Errorf("%w: no claim authorizer configured", errs.ErrInvalidArgument)
	}
	l.mu.Lock()
	l.params = p
	l.mu.Unlock()

	l.logger.Info("Updated escrow parameters",
		zap.Uint64("fee_bps", p.PlatformFeeBps),
		zap.Duration("lock_window", p.LockWindow),
		zap.Duration("payment_window", p.PaymentWindow),
		zap.Duration("claim_window", p.ClaimWindow),
		zap.Duration("settlement_window", p.SettlementWindow),
		zap.Bool("require_claim_signature", p.RequireClaimSignature))
	audit.Emit(ctx, l.sink, l.logger, events.ForConfig(events.ParamsUpdated, "escrow_params", caller.Hex(), map[string]string{
		"platform_fee_bps":        fmt.Sprintf("%d", p.PlatformFeeBps),
		"max_platform_fee_bps":    fmt.Sprintf("%d", p.MaxPlatformFeeBps),
		"lock_window":             p.LockWindow.String(),
		"payment_window":          p.PaymentWindow.String(),
		"claim_window":            p.ClaimWindow.String(),
		"settlement_window":       p.SettlementWindow.String(),
		"require_claim_signature": fmt.Sprintf("%t", p.RequireClaimSignature),
	}, l.clock()))
	return nil
}

// movement is the single value transfer a transition may perform.
type movement struct {
	pull   bool // TransferFrom(from → custody) instead of Transfer(custody → to)
	from   common.Address
	to     common.Address
	amount *big.Int
	fee    *big.Int // accrued to the platform together with a pull
}

// transition describes one edge of the state machine.
type transition struct {
	op    string
	event string
	// from is the single predecessor status accepted for each variant.
	from map[model.Variant]model.Status
	// authorize checks the caller against the stored order.
	authorize func(o *model.Order, caller common.Address) error
	// apply checks deadlines and mutates next; it returns the transfer to make, if any.
	apply func(next *model.Order, now time.Time, p Params) (*movement, error)
}

// run executes t against order id: load, status check, authorization,
// deadline check and mutation happen under the lock; the transfer happens
// after the new state is visible, with the record marked busy. A failed
// transfer restores the previous record.
func (l *Ledger) run(ctx context.Context, id common.Hash, caller common.Address, t transition) (model.Order, error) {
	if err := l.access.RequireNotPaused(); err != nil {
		return model.Order{}, err
	}

	l.mu.Lock()
	rec, ok := l.orders[id]
	if !ok {
		l.mu.Unlock()
		return model.Order{}, l.reject(t.op, fmt.Errorf("%w: order %s", errs.ErrNotFound, id.Hex()))
	}
	if rec.busy {
		l.mu.Unlock()
		return model.Order{}, l.reject(t.op, fmt.Errorf("%w: order %s has a transfer in progress", errs.ErrInvalidState, id.Hex()))
	}
	expected, ok := t.from[rec.order.Variant]
	if !ok || rec.order.Status != expected {
		status := rec.order.Status
		l.mu.Unlock()
		return model.Order{}, l.reject(t.op, fmt.Errorf("%w: cannot %s order %s in status %s", errs.ErrInvalidState, t.op, id.Hex(), status))
	}
	if err := t.authorize(&rec.order, caller); err != nil {
		l.mu.Unlock()
		return model.Order{}, l.reject(t.op, err)
	}

	now := l.clock()
	prev := rec.order.Clone()
	next := rec.order.Clone()
	move, err := t.apply(&next, now, l.params)
	if err != nil {
		l.mu.Unlock()
		return model.Order{}, l.reject(t.op, err)
	}
	next.UpdatedAt = now
	rec.order = next
	if move != nil {
		rec.busy = true
		rec.settled = &prev
	}
	l.mu.Unlock()

	if move != nil {
		var err error
		if move.pull {
			err = l.port.TransferFrom(ctx, next.Token, move.from, l.port.Custody(), move.amount)
		} else {
			err = l.port.Transfer(ctx, next.Token, move.to, move.amount)
		}

		l.mu.Lock()
		if err != nil {
			rec.order = prev
		} else {
			l.accrueLocked(next.Token, move.fee)
		}
		rec.busy = false
		rec.settled = nil
		l.mu.Unlock()

		if err != nil {
			return model.Order{}, l.transferFailed(t.op, id, err)
		}
	}

	metrics.OrderTransitions.WithLabelValues(string(next.Variant), string(next.Status)).Inc()
	l.logger.Info("Order transition",
		zap.String("order_id", id.Hex()),
		zap.String("operation", t.op),
		zap.String("from", string(prev.Status)),
		zap.String("to", string(next.Status)),
		zap.String("caller", caller.Hex()))
	audit.Emit(ctx, l.sink, l.logger, events.ForOrder(t.event, caller.Hex(), next, now))
	return next.Clone(), nil
}

func (l *Ledger) accrueLocked(tokenAddr common.Address, fee *big.Int) {
	if fee == nil || fee.Sign() == 0 {
		return
	}
	cur, ok := l.fees[tokenAddr]
	if !ok {
		cur = new(big.Int)
	}
	l.fees[tokenAddr] = new(big.Int).Add(cur, fee)
}

func (l *Ledger) reject(op string, err error) error {
	metrics.RejectedOperations.WithLabelValues("ledger", op).Inc()
	return err
}

func (l *Ledger) transferFailed(op string, id common.Hash, err error) error {
	metrics.TransferFailures.WithLabelValues("ledger", op).Inc()
	l.logger.Error("Order transfer failed, state restored",
		zap.String("order_id", id.Hex()),
		zap.String("operation", op),
		zap.Error(err))
	return fmt.Errorf("%w: %w", errs.ErrTransferFailed, err)
}

// orderID hashes the creation inputs with a ledger-wide nonce.
func orderID(initiator, tokenAddr common.Address, amount *big.Int, nonce uint64, at time.Time) common.Hash {
	var n, ts [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	return crypto.Keccak256Hash(
		initiator.Bytes(),
		tokenAddr.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		n[:],
		ts[:],
	)
}

func requireInitiator(o *model.Order, caller common.Address) error {
	if caller != o.Initiator {
		return fmt.Errorf("%w: only the initiator may do this", errs.ErrUnauthorized)
	}
	return nil
}

func requireCounterparty(o *model.Order, caller common.Address) error {
	if !o.HasCounterparty() || caller != o.Counterparty {
		return fmt.Errorf("%w: only the counterparty may do this", errs.ErrUnauthorized)
	}
	return nil
}

// notAfter fails once now is past deadline; the deadline instant itself is allowed.
func notAfter(now, deadline time.Time, what string) error {
	if now.After(deadline) {
		return fmt.Errorf("%w: %s window closed at %s", errs.ErrDeadlineViolation, what, deadline.Format(time.RFC3339))
	}
	return nil
}

// after fails until now is strictly past deadline.
func after(now, deadline time.Time, what string) error {
	if !now.After(deadline) {
		return fmt.Errorf("%w: %s window open until %s", errs.ErrDeadlineViolation, what, deadline.Format(time.RFC3339))
	}
	return nil
}
