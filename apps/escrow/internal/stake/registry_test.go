package stake

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"escrow/apps/escrow/internal/access"
	"escrow/apps/escrow/internal/audit"
	"escrow/apps/escrow/internal/clock"
	"escrow/apps/escrow/internal/errs"
	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/token"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	slasher    = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	lp         = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	outsider   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	treasury   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	custody    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	stakeToken = common.HexToAddress("0x00000000000000000000000000000000000005a1")
)

type setup struct {
	registry *Registry
	tokens   *token.MemoryLedger
	access   *access.Controller
	log      *audit.Log
	clock    *clock.Manual
}

func newSetup(t *testing.T, minStake int64) *setup {
	t.Helper()
	logger := zap.NewNop()
	ac := access.NewController(admin, logger)
	if err := ac.Grant(admin, access.RoleSlasher, slasher); err != nil {
		t.Fatalf("Failed to grant slasher: %v", err)
	}
	tokens := token.NewMemoryLedger(custody)
	tokens.Mint(stakeToken, lp, big.NewInt(1000))
	log := audit.NewLog()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	registry, err := NewRegistry(Config{
		Token:               stakeToken,
		Treasury:            treasury,
		MinStake:            big.NewInt(minStake),
		SlashPenaltyPercent: 10,
	}, tokens, ac, log, clk.Now, logger)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return &setup{registry: registry, tokens: tokens, access: ac, log: log, clock: clk}
}

func (s *setup) assertCustody(t *testing.T) {
	t.Helper()
	held := s.tokens.BalanceOf(stakeToken, custody)
	if held.Cmp(s.registry.TotalStaked()) != 0 {
		t.Fatalf("Custody holds %s but registry accounts for %s", held, s.registry.TotalStaked())
	}
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing minimum", cfg: Config{SlashPenaltyPercent: 10}},
		{name: "zero minimum", cfg: Config{MinStake: big.NewInt(0)}},
		{name: "penalty above 100", cfg: Config{MinStake: big.NewInt(1), SlashPenaltyPercent: 101}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.cfg, token.NewMemoryLedger(custody), access.NewController(admin, zap.NewNop()), nil, nil, zap.NewNop())
			if !errors.Is(err, errs.ErrInvalidArgument) {
				t.Errorf("Expected invalid argument, got %v", err)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	s := newSetup(t, 100)
	ctx := context.Background()

	if _, err := s.registry.Register(ctx, lp, big.NewInt(99)); !errors.Is(err, errs.ErrInsufficientStake) {
		t.Fatalf("Expected insufficient stake below minimum, got %v", err)
	}
	if s.registry.IsActive(lp) {
		t.Fatalf("Rejected registration must not create an active LP")
	}

	info, err := s.registry.Register(ctx, lp, big.NewInt(100))
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	if !info.IsRegistered || !info.IsActive || info.StakedAmount.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("Unexpected LP record: %+v", info)
	}
	if !s.registry.IsActive(lp) {
		t.Errorf("Expected LP to be active")
	}
	if got := s.tokens.BalanceOf(stakeToken, lp); got.Cmp(big.NewInt(900)) != 0 {
		t.Errorf("Expected LP balance 900, got %s", got)
	}
	s.assertCustody(t)

	if _, err := s.registry.Register(ctx, lp, big.NewInt(100)); !errors.Is(err, errs.ErrInvalidState) {
		t.Errorf("Expected duplicate registration to fail with invalid state, got %v", err)
	}
}

func TestRegisterTransferFailureLeavesNoRecord(t *testing.T) {
	s := newSetup(t, 100)

	if _, err := s.registry.Register(context.Background(), outsider, big.NewInt(100)); !errors.Is(err, errs.ErrTransferFailed) {
		t.Fatalf("Expected transfer failure for unfunded LP, got %v", err)
	}
	if _, err := s.registry.Info(outsider); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Expected no record after failed registration, got %v", err)
	}
	s.assertCustody(t)
}

func TestStakeAndUnstake(t *testing.T) {
	s := newSetup(t, 100)
	ctx := context.Background()

	if _, err := s.registry.Stake(ctx, lp, big.NewInt(10)); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("Expected staking before registration to fail, got %v", err)
	}
	if _, err := s.registry.Register(ctx, lp, big.NewInt(100)); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	if _, err := s.registry.Stake(ctx, lp, big.NewInt(50)); err != nil {
		t.Fatalf("Failed to stake: %v", err)
	}

	tests := []struct {
		name   string
		amount int64
		target error
	}{
		{name: "zero", amount: 0, target: errs.ErrInvalidArgument},
		{name: "more than staked", amount: 151, target: errs.ErrInsufficientStake},
		{name: "below minimum", amount: 51, target: errs.ErrInsufficientStake},
		{name: "down to minimum", amount: 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.registry.Unstake(ctx, lp, big.NewInt(tt.amount))
			if tt.target == nil {
				if err != nil {
					t.Fatalf("Expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}

	info, _ := s.registry.Info(lp)
	if info.StakedAmount.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("Expected 100 staked, got %s", info.StakedAmount)
	}
	if got := s.tokens.BalanceOf(stakeToken, lp); got.Cmp(big.NewInt(900)) != 0 {
		t.Errorf("Expected LP balance 900, got %s", got)
	}
	s.assertCustody(t)
}

func TestSlashBelowMinimumDeactivates(t *testing.T) {
	s := newSetup(t, 100)
	ctx := context.Background()
	if _, err := s.registry.Register(ctx, lp, big.NewInt(100)); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if _, err := s.registry.Slash(ctx, outsider, lp, big.NewInt(1)); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("Expected non-slasher to be rejected, got %v", err)
	}

	info, err := s.registry.Slash(ctx, slasher, lp, big.NewInt(1))
	if err != nil {
		t.Fatalf("Failed to slash: %v", err)
	}
	if info.IsActive || s.registry.IsActive(lp) {
		t.Errorf("Expected LP to be inactive after dropping below minimum")
	}
	if got := s.tokens.BalanceOf(stakeToken, treasury); got.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("Expected treasury to receive 1, got %s", got)
	}
	s.assertCustody(t)

	var statusEvents int
	for _, ev := range s.log.ForRecord(lp.Hex()) {
		if ev.EventType == events.LPStatusChanged {
			statusEvents++
		}
	}
	if statusEvents != 1 {
		t.Errorf("Expected one status change event, got %d", statusEvents)
	}

	reactivated, err := s.registry.Stake(ctx, lp, big.NewInt(1))
	if err != nil {
		t.Fatalf("Failed to top up: %v", err)
	}
	if !reactivated.IsActive || !s.registry.IsActive(lp) {
		t.Errorf("Expected LP to be active again at the minimum")
	}
}

func TestSlashMoreThanStake(t *testing.T) {
	s := newSetup(t, 100)
	ctx := context.Background()
	if _, err := s.registry.Register(ctx, lp, big.NewInt(150)); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if _, err := s.registry.Slash(ctx, slasher, lp, big.NewInt(151)); !errors.Is(err, errs.ErrInsufficientStake) {
		t.Fatalf("Expected insufficient stake, got %v", err)
	}
	info, _ := s.registry.Info(lp)
	if info.StakedAmount.Cmp(big.NewInt(150)) != 0 || !info.IsActive {
		t.Errorf("Rejected slash changed the record: %+v", info)
	}
	s.assertCustody(t)
}

func TestSlashByPercent(t *testing.T) {
	s := newSetup(t, 100)
	ctx := context.Background()
	if _, err := s.registry.Register(ctx, lp, big.NewInt(500)); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	info, err := s.registry.SlashByPercent(ctx, slasher, lp)
	if err != nil {
		t.Fatalf("Failed to slash: %v", err)
	}
	if info.StakedAmount.Cmp(big.NewInt(450)) != 0 {
		t.Errorf("Expected 450 left after 10%% slash, got %s", info.StakedAmount)
	}
	if !info.IsActive {
		t.Errorf("LP above minimum must stay active")
	}

	if err := s.registry.SetSlashPenaltyPercent(ctx, admin, 101); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("Expected percent above 100 to be rejected, got %v", err)
	}
	s.assertCustody(t)
}

func TestRaisingMinimumDeactivatesWithoutRewrite(t *testing.T) {
	s := newSetup(t, 100)
	ctx := context.Background()
	if _, err := s.registry.Register(ctx, lp, big.NewInt(100)); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if err := s.registry.SetMinStake(ctx, outsider, big.NewInt(200)); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("Expected non-admin to be rejected, got %v", err)
	}
	if err := s.registry.SetMinStake(ctx, admin, big.NewInt(200)); err != nil {
		t.Fatalf("Failed to raise minimum: %v", err)
	}
	if s.registry.IsActive(lp) {
		t.Errorf("Expected LP below the new minimum to be inactive")
	}
	info, _ := s.registry.Info(lp)
	if !info.IsActive {
		t.Errorf("Stored flag should not be rewritten by a minimum change")
	}

	if err := s.registry.SetMinStake(ctx, admin, big.NewInt(100)); err != nil {
		t.Fatalf("Failed to lower minimum: %v", err)
	}
	if !s.registry.IsActive(lp) {
		t.Errorf("Expected LP to be active again under the old minimum")
	}
}

func TestExit(t *testing.T) {
	s := newSetup(t, 100)
	ctx := context.Background()
	if _, err := s.registry.Register(ctx, lp, big.NewInt(300)); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	info, err := s.registry.Exit(ctx, lp)
	if err != nil {
		t.Fatalf("Failed to exit: %v", err)
	}
	if info.IsActive || !info.IsRegistered || info.StakedAmount.Sign() != 0 {
		t.Errorf("Unexpected record after exit: %+v", info)
	}
	if got := s.tokens.BalanceOf(stakeToken, lp); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected full balance back, got %s", got)
	}
	s.assertCustody(t)

	if _, err := s.registry.Exit(ctx, lp); !errors.Is(err, errs.ErrInsufficientStake) {
		t.Errorf("Expected second exit to fail, got %v", err)
	}
}

func TestUnstakeTransferFailureRestoresRecord(t *testing.T) {
	s := newSetup(t, 100)
	ctx := context.Background()
	if _, err := s.registry.Register(ctx, lp, big.NewInt(200)); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	s.tokens.FailNext(errors.New("rpc unavailable"))
	if _, err := s.registry.Unstake(ctx, lp, big.NewInt(50)); !errors.Is(err, errs.ErrTransferFailed) {
		t.Fatalf("Expected transfer failure, got %v", err)
	}
	info, _ := s.registry.Info(lp)
	if info.StakedAmount.Cmp(big.NewInt(200)) != 0 {
		t.Errorf("Expected stake restored to 200, got %s", info.StakedAmount)
	}
	s.assertCustody(t)

	if _, err := s.registry.Unstake(ctx, lp, big.NewInt(50)); err != nil {
		t.Errorf("Expected retry to succeed, got %v", err)
	}
}

func TestPausedRegistry(t *testing.T) {
	s := newSetup(t, 100)
	ctx := context.Background()
	if _, err := s.registry.Register(ctx, lp, big.NewInt(200)); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	if err := s.access.Pause(admin); err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}

	calls := map[string]func() error{
		"stake":   func() error { _, err := s.registry.Stake(ctx, lp, big.NewInt(1)); return err },
		"unstake": func() error { _, err := s.registry.Unstake(ctx, lp, big.NewInt(1)); return err },
		"exit":    func() error { _, err := s.registry.Exit(ctx, lp); return err },
		"slash":   func() error { _, err := s.registry.Slash(ctx, slasher, lp, big.NewInt(1)); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			if err := call(); !errors.Is(err, errs.ErrPaused) {
				t.Errorf("Expected paused, got %v", err)
			}
		})
	}
}
