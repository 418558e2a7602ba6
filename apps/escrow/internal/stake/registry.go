package stake

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"escrow/apps/escrow/internal/access"
	"escrow/apps/escrow/internal/audit"
	"escrow/apps/escrow/internal/clock"
	"escrow/apps/escrow/internal/errs"
	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/metrics"
	"escrow/apps/escrow/internal/model"
	"escrow/apps/escrow/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Config holds the registry's initial parameters.
type Config struct {
	Token               common.Address
	Treasury            common.Address
	MinStake            *big.Int
	SlashPenaltyPercent uint8
}

type entry struct {
	info model.LPInfo
	busy bool // a transfer for this LP is outstanding
}

// Registry tracks LP collateral. It is the only writer of LPInfo records.
type Registry struct {
	mu                  sync.RWMutex
	lps                 map[common.Address]*entry
	minStake            *big.Int
	slashPenaltyPercent uint8

	token    common.Address
	treasury common.Address
	port     token.Port
	access   *access.Controller
	sink     audit.Sink
	clock    clock.Clock
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, port token.Port, ac *access.Controller, sink audit.Sink, clk clock.Clock, logger *zap.Logger) (*Registry, error) {
	if cfg.MinStake == nil || cfg.MinStake.Sign() <= 0 {
		return nil, fmt.Errorf("%w: minimum stake must be positive", errs.ErrInvalidArgument)
	}
	if cfg.SlashPenaltyPercent > 100 {
		return nil, fmt.Errorf("%w: slash penalty percent %d exceeds 100", errs.ErrInvalidArgument, cfg.SlashPenaltyPercent)
	}
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		lps:                 make(map[common.Address]*entry),
		minStake:            new(big.Int).Set(cfg.MinStake),
		slashPenaltyPercent: cfg.SlashPenaltyPercent,
		token:               cfg.Token,
		treasury:            cfg.Treasury,
		port:                port,
		access:              ac,
		sink:                sink,
		clock:               clk,
		logger:              logger,
	}, nil
}

// Register enrolls caller as an LP with an initial stake of at least the minimum.
func (r *Registry) Register(ctx context.Context, caller common.Address, amount *big.Int) (model.LPInfo, error) {
	if err := r.access.RequireNotPaused(); err != nil {
		return model.LPInfo{}, err
	}
	if err := positive(amount); err != nil {
		return model.LPInfo{}, err
	}

	r.mu.Lock()
	if e, ok := r.lps[caller]; ok && e.info.IsRegistered {
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("register", fmt.Errorf("%w: %s already registered", errs.ErrInvalidState, caller.Hex()))
	}
	if amount.Cmp(r.minStake) < 0 {
		minimum := r.minStake.String()
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("register", fmt.Errorf("%w: initial stake %s below minimum %s", errs.ErrInsufficientStake, amount, minimum))
	}
	info := model.LPInfo{
		Address:         caller,
		IsRegistered:    true,
		IsActive:        true,
		StakedAmount:    new(big.Int).Set(amount),
		LastStakeChange: r.clock(),
	}
	r.lps[caller] = &entry{info: info, busy: true}
	r.mu.Unlock()

	if err := r.port.TransferFrom(ctx, r.token, caller, r.port.Custody(), amount); err != nil {
		r.rollback(caller, nil)
		return model.LPInfo{}, r.transferFailed("register", err)
	}
	committed := r.finish(caller)

	metrics.StakeChanges.WithLabelValues("register").Inc()
	r.logger.Info("Registered LP", zap.String("lp", caller.Hex()), zap.String("stake", amount.String()))
	audit.Emit(ctx, r.sink, r.logger, events.ForLP(events.LPRegistered, caller.Hex(), committed, r.clock()))
	return committed, nil
}

// Stake adds collateral. Reaching the minimum again reactivates an LP that
// was deactivated by a slash or an exit.
func (r *Registry) Stake(ctx context.Context, caller common.Address, amount *big.Int) (model.LPInfo, error) {
	if err := r.access.RequireNotPaused(); err != nil {
		return model.LPInfo{}, err
	}
	if err := positive(amount); err != nil {
		return model.LPInfo{}, err
	}

	r.mu.Lock()
	e, err := r.loadLocked(caller)
	if err != nil {
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("stake", err)
	}
	prev := e.info.Clone()
	e.info.StakedAmount = new(big.Int).Add(e.info.StakedAmount, amount)
	e.info.LastStakeChange = r.clock()
	reactivated := !e.info.IsActive && e.info.StakedAmount.Cmp(r.minStake) >= 0
	if reactivated {
		e.info.IsActive = true
	}
	e.busy = true
	r.mu.Unlock()

	if err := r.port.TransferFrom(ctx, r.token, caller, r.port.Custody(), amount); err != nil {
		r.rollback(caller, &prev)
		return model.LPInfo{}, r.transferFailed("stake", err)
	}
	committed := r.finish(caller)

	metrics.StakeChanges.WithLabelValues("stake").Inc()
	r.logger.Info("Added stake", zap.String("lp", caller.Hex()), zap.String("amount", amount.String()), zap.String("staked", committed.StakedAmount.String()))
	now := r.clock()
	audit.Emit(ctx, r.sink, r.logger, events.ForLP(events.StakeAdded, caller.Hex(), committed, now))
	if reactivated {
		audit.Emit(ctx, r.sink, r.logger, events.ForLP(events.LPStatusChanged, caller.Hex(), committed, now))
	}
	return committed, nil
}

// Unstake withdraws part of the stake. A withdrawal that would leave less than
// the minimum is rejected; leaving entirely goes through Exit.
func (r *Registry) Unstake(ctx context.Context, caller common.Address, amount *big.Int) (model.LPInfo, error) {
	if err := r.access.RequireNotPaused(); err != nil {
		return model.LPInfo{}, err
	}
	if err := positive(amount); err != nil {
		return model.LPInfo{}, err
	}

	r.mu.Lock()
	e, err := r.loadLocked(caller)
	if err != nil {
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("unstake", err)
	}
	if amount.Cmp(e.info.StakedAmount) > 0 {
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("unstake", fmt.Errorf("%w: unstake %s exceeds stake", errs.ErrInsufficientStake, amount))
	}
	remaining := new(big.Int).Sub(e.info.StakedAmount, amount)
	if remaining.Cmp(r.minStake) < 0 {
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("unstake", fmt.Errorf("%w: remaining stake %s below minimum", errs.ErrInsufficientStake, remaining))
	}
	prev := e.info.Clone()
	e.info.StakedAmount = remaining
	e.info.LastStakeChange = r.clock()
	e.busy = true
	r.mu.Unlock()

	if err := r.port.Transfer(ctx, r.token, caller, amount); err != nil {
		r.rollback(caller, &prev)
		return model.LPInfo{}, r.transferFailed("unstake", err)
	}
	committed := r.finish(caller)

	metrics.StakeChanges.WithLabelValues("unstake").Inc()
	r.logger.Info("Removed stake", zap.String("lp", caller.Hex()), zap.String("amount", amount.String()), zap.String("staked", committed.StakedAmount.String()))
	audit.Emit(ctx, r.sink, r.logger, events.ForLP(events.StakeRemoved, caller.Hex(), committed, r.clock()))
	return committed, nil
}

// Exit returns the whole stake and deactivates the LP. The record stays
// registered so history is kept and the LP may stake again later.
func (r *Registry) Exit(ctx context.Context, caller common.Address) (model.LPInfo, error) {
	if err := r.access.RequireNotPaused(); err != nil {
		return model.LPInfo{}, err
	}

	r.mu.Lock()
	e, err := r.loadLocked(caller)
	if err != nil {
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("exit", err)
	}
	if e.info.StakedAmount.Sign() == 0 {
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("exit", fmt.Errorf("%w: nothing staked", errs.ErrInsufficientStake))
	}
	prev := e.info.Clone()
	amount := new(big.Int).Set(e.info.StakedAmount)
	e.info.StakedAmount = new(big.Int)
	e.info.IsActive = false
	e.info.LastStakeChange = r.clock()
	e.busy = true
	r.mu.Unlock()

	if err := r.port.Transfer(ctx, r.token, caller, amount); err != nil {
		r.rollback(caller, &prev)
		return model.LPInfo{}, r.transferFailed("exit", err)
	}
	committed := r.finish(caller)

	metrics.StakeChanges.WithLabelValues("exit").Inc()
	r.logger.Info("LP exited", zap.String("lp", caller.Hex()), zap.String("returned", amount.String()))
	audit.Emit(ctx, r.sink, r.logger, events.ForLP(events.LPExited, caller.Hex(), committed, r.clock()))
	return committed, nil
}

// Slash takes penalty from lp's stake and sends it to the treasury. Dropping
// below the minimum deactivates the LP.
func (r *Registry) Slash(ctx context.Context, caller, lp common.Address, penalty *big.Int) (model.LPInfo, error) {
	if err := r.access.Require(caller, access.RoleSlasher); err != nil {
		return model.LPInfo{}, r.reject("slash", err)
	}
	if err := positive(penalty); err != nil {
		return model.LPInfo{}, err
	}
	return r.slash(ctx, caller, lp, func(staked *big.Int) (*big.Int, error) {
		return new(big.Int).Set(penalty), nil
	})
}

// SlashByPercent slashes the configured percentage of lp's current stake.
func (r *Registry) SlashByPercent(ctx context.Context, caller, lp common.Address) (model.LPInfo, error) {
	if err := r.access.Require(caller, access.RoleSlasher); err != nil {
		return model.LPInfo{}, r.reject("slash", err)
	}
	return r.slash(ctx, caller, lp, func(staked *big.Int) (*big.Int, error) {
		pct := big.NewInt(int64(r.slashPenaltyPercent))
		penalty := new(big.Int).Div(new(big.Int).Mul(staked, pct), big.NewInt(100))
		if penalty.Sign() == 0 {
			return nil, fmt.Errorf("%w: computed penalty is zero", errs.ErrInvalidArgument)
		}
		return penalty, nil
	})
}

func (r *Registry) slash(ctx context.Context, caller, lp common.Address, penaltyFor func(staked *big.Int) (*big.Int, error)) (model.LPInfo, error) {
	if err := r.access.RequireNotPaused(); err != nil {
		return model.LPInfo{}, err
	}
	r.mu.Lock()
	e, err := r.loadLocked(lp)
	if err != nil {
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("slash", err)
	}
	penalty, err := penaltyFor(e.info.StakedAmount)
	if err != nil {
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("slash", err)
	}
	if penalty.Cmp(e.info.StakedAmount) > 0 {
		staked := e.info.StakedAmount.String()
		r.mu.Unlock()
		return model.LPInfo{}, r.reject("slash", fmt.Errorf("%w: penalty %s exceeds stake %s", errs.ErrInsufficientStake, penalty, staked))
	}
	prev := e.info.Clone()
	e.info.StakedAmount = new(big.Int).Sub(e.info.StakedAmount, penalty)
	e.info.LastStakeChange = r.clock()
	deactivated := e.info.IsActive && e.info.StakedAmount.Cmp(r.minStake) < 0
	if deactivated {
		e.info.IsActive = false
	}
	e.busy = true
	r.mu.Unlock()

	if err := r.port.Transfer(ctx, r.token, r.treasury, penalty); err != nil {
		r.rollback(lp, &prev)
		return model.LPInfo{}, r.transferFailed("slash", err)
	}
	committed := r.finish(lp)

	metrics.StakeChanges.WithLabelValues("slash").Inc()
	r.logger.Warn("Slashed LP",
		zap.String("lp", lp.Hex()),
		zap.String("slasher", caller.Hex()),
		zap.String("penalty", penalty.String()),
		zap.String("remaining", committed.StakedAmount.String()),
		zap.Bool("deactivated", deactivated))
	now := r.clock()
	ev := events.ForLP(events.LPSlashed, caller.Hex(), committed, now)
	ev.Details = map[string]string{"penalty": penalty.String(), "treasury": r.treasury.Hex()}
	audit.Emit(ctx, r.sink, r.logger, ev)
	if deactivated {
		audit.Emit(ctx, r.sink, r.logger, events.ForLP(events.LPStatusChanged, caller.Hex(), committed, now))
	}
	return committed, nil
}

// IsActive is recomputed from the live record: registered, flagged active and
// staked at least the current minimum.
func (r *Registry) IsActive(lp common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.lps[lp]
	if !ok {
		return false
	}
	return e.info.IsRegistered && e.info.IsActive && e.info.StakedAmount.Cmp(r.minStake) >= 0
}

// Info returns a copy of lp's record.
func (r *Registry) Info(lp common.Address) (model.LPInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.lps[lp]
	if !ok {
		return model.LPInfo{}, fmt.Errorf("%w: lp %s", errs.ErrNotFound, lp.Hex())
	}
	return e.info.Clone(), nil
}

// TotalStaked sums every LP's stake; it equals the registry's custody share.
func (r *Registry) TotalStaked() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := new(big.Int)
	for _, e := range r.lps {
		total.Add(total, e.info.StakedAmount)
	}
	return total
}

func (r *Registry) MinStake() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return new(big.Int).Set(r.minStake)
}

func (r *Registry) SlashPenaltyPercent() uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slashPenaltyPercent
}

// SetMinStake changes the minimum for future checks. Existing records are not
// rewritten; IsActive simply evaluates against the new value.
func (r *Registry) SetMinStake(ctx context.Context, caller common.Address, minStake *big.Int) error {
	if err := r.access.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if err := positive(minStake); err != nil {
		return err
	}
	r.mu.Lock()
	r.minStake = new(big.Int).Set(minStake)
	r.refreshGaugeLocked()
	r.mu.Unlock()

	r.logger.Info("Updated minimum stake", zap.String("min_stake", minStake.String()))
	audit.Emit(ctx, r.sink, r.logger, events.ForConfig(events.StakeParamsSet, "min_stake", caller.Hex(),
		map[string]string{"min_stake": minStake.String()}, r.clock()))
	return nil
}

// SetSlashPenaltyPercent changes the percentage used by SlashByPercent.
func (r *Registry) SetSlashPenaltyPercent(ctx context.Context, caller common.Address, pct uint8) error {
	if err := r.access.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if pct > 100 {
		return fmt.Errorf("%w: slash penalty percent %d exceeds 100", errs.ErrInvalidArgument, pct)
	}
	r.mu.Lock()
	r.slashPenaltyPercent = pct
	r.mu.Unlock()

	r.logger.Info("Updated slash penalty", zap.Uint8("percent", pct))
	audit.Emit(ctx, r.sink, r.logger, events.ForConfig(events.StakeParamsSet, "slash_penalty_percent", caller.Hex(),
		map[string]string{"slash_penalty_percent": fmt.Sprintf("%d", pct)}, r.clock()))
	return nil
}

// loadLocked returns a registered, idle record. Caller holds r.mu.
func (r *Registry) loadLocked(lp common.Address) (*entry, error) {
	e, ok := r.lps[lp]
	if !ok || !e.info.IsRegistered {
		return nil, fmt.Errorf("%w: %s is not a registered LP", errs.ErrInvalidState, lp.Hex())
	}
	if e.busy {
		return nil, fmt.Errorf("%w: operation already in progress for %s", errs.ErrInvalidState, lp.Hex())
	}
	return e, nil
}

// finish clears the in-progress flag after a successful transfer.
func (r *Registry) finish(lp common.Address) model.LPInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lps[lp]
	e.busy = false
	r.refreshGaugeLocked()
	return e.info.Clone()
}

// rollback restores prev after a failed transfer; a nil prev removes the record.
func (r *Registry) rollback(lp common.Address, prev *model.LPInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev == nil {
		delete(r.lps, lp)
		return
	}
	r.lps[lp] = &entry{info: *prev}
}

func (r *Registry) refreshGaugeLocked() {
	active := 0
	for _, e := range r.lps {
		if e.info.IsRegistered && e.info.IsActive && e.info.StakedAmount.Cmp(r.minStake) >= 0 {
			active++
		}
	}
	metrics.ActiveLPs.Set(float64(active))
}

func (r *Registry) reject(op string, err error) error {
	metrics.RejectedOperations.WithLabelValues("stake", op).Inc()
	return err
}

func (r *Registry) transferFailed(op string, err error) error {
	metrics.TransferFailures.WithLabelValues("stake", op).Inc()
	r.logger.Error("Stake transfer failed, state restored", zap.String("operation", op), zap.Error(err))
	return fmt.Errorf("%w: %w", errs.ErrTransferFailed, err)
}

func positive(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidArgument)
	}
	return nil
}
