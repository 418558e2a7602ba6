package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"escrow/apps/escrow/internal/errs"
	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// Lock assigns caller as counterparty of a pending lock-variant order and
// pulls the collateral (net amount plus platform fee) into custody.
func (l *Ledger) Lock(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error) {
	return l.run(ctx, id, caller, transition{
		op:    "lock",
		event: events.OrderLocked,
		from:  map[model.Variant]model.Status{model.VariantLock: model.StatusPending},
		authorize: func(o *model.Order, caller common.Address) error {
			return l.requireEligibleLP(o, caller)
		},
		apply: func(next *model.Order, now time.Time, p Params) (*movement, error) {
			if err := notAfter(now, next.Deadline, "lock"); err != nil {
				return nil, err
			}
			lockedAt := now
			next.Counterparty = caller
			next.LockedAt = &lockedAt
			next.Deadline = now.Add(p.PaymentWindow)
			next.Status = model.StatusLocked
			return &movement{
				pull:   true,
				from:   caller,
				amount: new(big.Int).Add(next.Amount, next.Fee),
				fee:    next.Fee,
			}, nil
		},
	})
}

// AttestPayment records the initiator's claim that fiat was sent.
func (l *Ledger) AttestPayment(ctx context.Context, id common.Hash, caller common.Address, proof common.Hash, bankReference string) (model.Order, error) {
	return l.run(ctx, id, caller, transition{
		op:        "attest",
		event:     events.PaymentAttested,
		from:      map[model.Variant]model.Status{model.VariantLock: model.StatusLocked},
		authorize: requireInitiator,
		apply: func(next *model.Order, now time.Time, _ Params) (*movement, error) {
			if err := notAfter(now, next.Deadline, "payment"); err != nil {
				return nil, err
			}
			if proof == (common.Hash{}) {
				return nil, fmt.Errorf("%w: payment proof is required", errs.ErrInvalidArgument)
			}
			next.PaymentProof = proof
			next.BankReference = bankReference
			next.Status = model.StatusAttested
			return nil, nil
		},
	})
}

// Release completes an attested order, paying the initiator.
func (l *Ledger) Release(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error) {
	return l.run(ctx, id, caller, transition{
		op:        "release",
		event:     events.OrderReleased,
		from:      map[model.Variant]model.Status{model.VariantLock: model.StatusAttested},
		authorize: requireCounterparty,
		apply: func(next *model.Order, _ time.Time, _ Params) (*movement, error) {
			next.Status = model.StatusCompleted
			return &movement{to: next.Initiator, amount: next.Amount}, nil
		},
	})
}

// CancelExpired lets the initiator cancel a lock-variant order nobody locked
// before its deadline. Nothing is held, so nothing moves.
func (l *Ledger) CancelExpired(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error) {
	return l.run(ctx, id, caller, transition{
		op:        "cancel",
		event:     events.OrderCancelled,
		from:      map[model.Variant]model.Status{model.VariantLock: model.StatusPending},
		authorize: requireInitiator,
		apply: func(next *model.Order, now time.Time, _ Params) (*movement, error) {
			if err := after(now, next.Deadline, "lock"); err != nil {
				return nil, err
			}
			next.Status = model.StatusCancelled
			return nil, nil
		},
	})
}

// ReclaimCollateral returns the locked amount to the counterparty when the
// initiator never attested within the payment window.
func (l *Ledger) ReclaimCollateral(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error) {
	return l.run(ctx, id, caller, transition{
		op:        "reclaim",
		event:     events.OrderCancelled,
		from:      map[model.Variant]model.Status{model.VariantLock: model.StatusLocked},
		authorize: requireCounterparty,
		apply: func(next *model.Order, now time.Time, _ Params) (*movement, error) {
			if err := after(now, next.Deadline, "payment"); err != nil {
				return nil, err
			}
			next.Status = model.StatusCancelled
			return &movement{to: next.Counterparty, amount: next.Amount}, nil
		},
	})
}

// requireEligibleLP admits an active LP other than the initiator.
func (l *Ledger) requireEligibleLP(o *model.Order, caller common.Address) error {
	if caller == o.Initiator {
		return fmt.Errorf("%w: initiator cannot take its own order", errs.ErrUnauthorized)
	}
	if !l.stakes.IsActive(caller) {
		return fmt.Errorf("%w: %s is not an active LP", errs.ErrUnauthorized, caller.Hex())
	}
	return nil
}
