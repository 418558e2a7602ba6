package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"escrow/apps/escrow/internal/errs"
	"github.com/ethereum/go-ethereum/common"
)

// Port moves fungible tokens. Any error aborts the enclosing operation.
type Port interface {
	// TransferFrom pulls amount of token from owner to to.
	TransferFrom(ctx context.Context, token, owner, to common.Address, amount *big.Int) error
	// Transfer sends amount of token out of custody to to.
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error
	// Custody is the address holding escrowed funds.
	Custody() common.Address
}

// Movement describes a single transfer, passed to hooks.
type Movement struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// MemoryLedger is an in-process Port keeping balances in memory. Hooks run
// after the balance change and outside the ledger lock, so a hook may call
// back into the engine the same way a token contract callback could.
type MemoryLedger struct {
	mu       sync.Mutex
	custody  common.Address
	balances map[common.Address]map[common.Address]*big.Int
	hook     func(Movement) error
	failNext error
}

// NewMemoryLedger creates an empty ledger whose custody account is custody.
func NewMemoryLedger(custody common.Address) *MemoryLedger {
	return &MemoryLedger{
		custody:  custody,
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (l *MemoryLedger) Custody() common.Address {
	return l.custody
}

// Mint credits amount of token to to.
func (l *MemoryLedger) Mint(token, to common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(token, to, amount)
}

// BalanceOf returns a copy of the holder's balance.
func (l *MemoryLedger) BalanceOf(token, holder common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[token][holder]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// SetHook installs fn to run after every successful movement. A non-nil
// return makes the movement fail and reverts it.
func (l *MemoryLedger) SetHook(fn func(Movement) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = fn
}

// FailNext makes the next movement fail with err without touching balances.
func (l *MemoryLedger) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

func (l *MemoryLedger) TransferFrom(ctx context.Context, token, owner, to common.Address, amount *big.Int) error {
	return l.move(ctx, Movement{Token: token, From: owner, To: to, Amount: amount})
}

func (l *MemoryLedger) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return l.move(ctx, Movement{Token: token, From: l.custody, To: to, Amount: amount})
}

func (l *MemoryLedger) move(ctx context.Context, m Movement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Amount == nil || m.Amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", errs.ErrInvalidArgument)
	}

	l.mu.Lock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		l.mu.Unlock()
		return err
	}
	if l.balanceLocked(m.Token, m.From).Cmp(m.Amount) < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s holds less than %s", errs.ErrInsufficientFunds, m.From.Hex(), m.Amount)
	}
	l.debit(m.Token, m.From, m.Amount)
	l.credit(m.Token, m.To, m.Amount)
	hook := l.hook
	l.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(m); err != nil {
		l.mu.Lock()
		l.debit(m.Token, m.To, m.Amount)
		l.credit(m.Token, m.From, m.Amount)
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *MemoryLedger) balanceLocked(token, holder common.Address) *big.Int {
	if bal, ok := l.balances[token][holder]; ok {
		return bal
	}
	return new(big.Int)
}

func (l *MemoryLedger) credit(token, holder common.Address, amount *big.Int) {
	if l.balances[token] == nil {
		l.balances[token] = make(map[common.Address]*big.Int)
	}
	bal := l.balanceLocked(token, holder)
	l.balances[token][holder] = new(big.Int).Add(bal, amount)
}

func (l *MemoryLedger) debit(token, holder common.Address, amount *big.Int) {
	bal := l.balanceLocked(token, holder)
	if l.balances[token] == nil {
		l.balances[token] = make(map[common.Address]*big.Int)
	}
	l.balances[token][holder] = new(big.Int).Sub(bal, amount)
}
