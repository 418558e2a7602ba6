package escrow

import (
	"context"
	"time"

	"escrow/apps/escrow/internal/access"
	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// Claim assigns caller as counterparty of a pending claim-variant order. When
// signatures are required, sig must be a slip for exactly (id, caller).
func (l *Ledger) Claim(ctx context.Context, id common.Hash, caller common.Address, sig []byte) (model.Order, error) {
	return l.run(ctx, id, caller, transition{
		op:    "claim",
		event: events.OrderClaimed,
		from:  map[model.Variant]model.Status{model.VariantClaim: model.StatusPending},
		authorize: func(o *model.Order, caller common.Address) error {
			if err := l.requireEligibleLP(o, caller); err != nil {
				return err
			}
			if l.params.RequireClaimSignature {
				return l.slips.RequireClaim(o.ID, caller, sig)
			}
			return nil
		},
		apply: func(next *model.Order, now time.Time, p Params) (*movement, error) {
			if err := notAfter(now, next.Deadline, "claim"); err != nil {
				return nil, err
			}
			claimedAt := now
			next.Counterparty = caller
			next.ClaimedAt = &claimedAt
			next.Deadline = now.Add(p.SettlementWindow)
			next.Status = model.StatusProcessing
			return nil, nil
		},
	})
}

// ConfirmSettlement completes a processing order once the arbiter or oracle
// has seen the fiat arrive, paying the counterparty.
func (l *Ledger) ConfirmSettlement(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error) {
	return l.run(ctx, id, caller, transition{
		op:    "confirm",
		event: events.SettlementConfirmed,
		from:  map[model.Variant]model.Status{model.VariantClaim: model.StatusProcessing},
		authorize: func(_ *model.Order, caller common.Address) error {
			return l.access.Require(caller, access.RoleArbiter, access.RoleOracle)
		},
		apply: func(next *model.Order, _ time.Time, _ Params) (*movement, error) {
			next.Status = model.StatusCompleted
			return &movement{to: next.Counterparty, amount: next.Amount}, nil
		},
	})
}

// Refund returns the escrowed amount to the initiator of a claim-variant
// order that nobody claimed before its deadline.
func (l *Ledger) Refund(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error) {
	return l.run(ctx, id, caller, transition{
		op:        "refund",
		event:     events.OrderRefunded,
		from:      map[model.Variant]model.Status{model.VariantClaim: model.StatusPending},
		authorize: requireInitiator,
		apply: func(next *model.Order, now time.Time, _ Params) (*movement, error) {
			if err := after(now, next.Deadline, "claim"); err != nil {
				return nil, err
			}
			next.Status = model.StatusRefunded
			return &movement{to: next.Initiator, amount: next.Amount}, nil
		},
	})
}
