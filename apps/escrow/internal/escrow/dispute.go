package escrow

import (
	"context"
	"fmt"
	"time"

	"escrow/apps/escrow/internal/access"
	"escrow/apps/escrow/internal/errs"
	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var errNotParty = fmt.Errorf("%w: only the initiator or counterparty may dispute", errs.ErrUnauthorized)

// RaiseDispute escalates a mid-flow order to the arbiter. Only the two named
// parties may raise it, and never from pending.
func (l *Ledger) RaiseDispute(ctx context.Context, id common.Hash, caller common.Address, reason string) (model.Order, error) {
	return l.run(ctx, id, caller, transition{
		op:    "dispute",
		event: events.DisputeRaised,
		from: map[model.Variant]model.Status{
			model.VariantLock:  model.StatusAttested,
			model.VariantClaim: model.StatusProcessing,
		},
		authorize: func(o *model.Order, caller common.Address) error {
			if !o.IsParty(caller) {
				return errNotParty
			}
			return nil
		},
		apply: func(next *model.Order, _ time.Time, _ Params) (*movement, error) {
			next.DisputedBy = caller
			next.DisputeReason = reason
			next.Status = model.StatusDisputed
			return nil, nil
		},
	})
}

// ResolveDispute is the arbiter's one-shot decision. With refund set the
// escrowed amount goes back to whoever funded it (the counterparty's
// collateral for lock orders, the initiator's deposit for claim orders);
// otherwise the order completes as if settled normally.
func (l *Ledger) ResolveDispute(ctx context.Context, id common.Hash, caller common.Address, refund bool) (model.Order, error) {
	order, err := l.run(ctx, id, caller, transition{
		op:    "resolve",
		event: events.DisputeResolved,
		from: map[model.Variant]model.Status{
			model.VariantLock:  model.StatusDisputed,
			model.VariantClaim: model.StatusDisputed,
		},
		authorize: func(_ *model.Order, caller common.Address) error {
			return l.access.Require(caller, access.RoleArbiter)
		},
		apply: func(next *model.Order, _ time.Time, _ Params) (*movement, error) {
			next.ResolvedBy = caller
			status, payee := resolution(next, refund)
			next.Status = status
			return &movement{to: payee, amount: next.Amount}, nil
		},
	})
	if err != nil {
		return model.Order{}, err
	}

	l.logger.Warn("Dispute resolved",
		zap.String("order_id", id.Hex()),
		zap.String("arbiter", caller.Hex()),
		zap.Bool("refund", refund),
		zap.String("outcome", string(order.Status)),
		zap.String("amount", order.Amount.String()))
	return order, nil
}

func resolution(o *model.Order, refund bool) (model.Status, common.Address) {
	switch {
	case o.Variant == model.VariantLock && refund:
		return model.StatusCancelled, o.Counterparty
	case o.Variant == model.VariantLock:
		return model.StatusCompleted, o.Initiator
	case refund:
		return model.StatusRefunded, o.Initiator
	default:
		return model.StatusCompleted, o.Counterparty
	}
}
