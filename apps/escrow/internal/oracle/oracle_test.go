package oracle

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
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	updater  = common.HexToAddress("0x00000000000000000000000000000000000000a5")
	updater2 = common.HexToAddress("0x00000000000000000000000000000000000000a6")
	outsider = common.HexToAddress("0x00000000000000000000000000000000000000d1")

	epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type stubFeed struct {
	price FeedPrice
	err   error
	calls int
}

func (f *stubFeed) LatestPrice(_ context.Context, _ string) (FeedPrice, error) {
	f.calls++
	return f.price, f.err
}

func newTestOracle(t *testing.T, cfg Config, feed PriceFeed) (*Oracle, *access.Controller, *clock.Manual, *audit.Log) {
	t.Helper()
	logger := zap.NewNop()
	ac := access.NewController(admin, logger)
	for _, addr := range []common.Address{updater, updater2} {
		if err := ac.Grant(admin, access.RoleRateUpdater, addr); err != nil {
			t.Fatalf("Failed to grant updater: %v", err)
		}
	}
	clk := clock.NewManual(epoch)
	log := audit.NewLog()
	return NewOracle(cfg, feed, ac, log, clk.Now, logger), ac, clk, log
}

func TestUpdateRateValidation(t *testing.T) {
	o, _, _, _ := newTestOracle(t, Config{}, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		caller     common.Address
		currency   string
		value      *big.Int
		confidence uint8
		target     error
	}{
		{name: "not an updater", caller: outsider, currency: "EUR", value: big.NewInt(1), confidence: 90, target: errs.ErrUnauthorized},
		{name: "empty currency", caller: updater, currency: " ", value: big.NewInt(1), confidence: 90, target: errs.ErrInvalidArgument},
		{name: "zero value", caller: updater, currency: "EUR", value: big.NewInt(0), confidence: 90, target: errs.ErrInvalidArgument},
		{name: "confidence above 100", caller: updater, currency: "EUR", value: big.NewInt(1), confidence: 101, target: errs.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.UpdateRate(ctx, tt.caller, tt.currency, tt.value, tt.confidence)
			if !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}

	if _, err := o.GetAggregatedRate(ctx, "EUR"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Expected no rate after rejected updates, got %v", err)
	}
}

func TestUpdateRateDeviationGate(t *testing.T) {
	o, _, _, log := newTestOracle(t, Config{MaxDeviationPercent: 10}, nil)
	ctx := context.Background()

	if _, err := o.UpdateRate(ctx, updater, "eur", big.NewInt(1_000_000), 95); err != nil {
		t.Fatalf("Failed to store first rate: %v", err)
	}

	tests := []struct {
		name   string
		value  int64
		target error
	}{
		{name: "exactly ten percent up", value: 1_100_000},
		{name: "eighteen percent up", value: 1_300_000, target: errs.ErrRateDeviationExceeded},
		{name: "ten percent down from last accepted", value: 990_000},
		{name: "just past ten percent down", value: 890_999, target: errs.ErrRateDeviationExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.UpdateRate(ctx, updater2, "EUR", big.NewInt(tt.value), 90)
			if tt.target == nil && err != nil {
				t.Fatalf("Expected update to be accepted, got %v", err)
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Fatalf("Expected %v, got %v", tt.target, err)
			}
		})
	}

	quote, err := o.GetAggregatedRate(ctx, "EUR")
	if err != nil {
		t.Fatalf("Failed to get rate: %v", err)
	}
	if quote.Value.Cmp(big.NewInt(990_000)) != 0 {
		t.Errorf("Expected last accepted 990000, got %s", quote.Value)
	}
	if quote.Confidence != 90 || quote.Source != updater2.Hex() {
		t.Errorf("Unexpected quote metadata: %+v", quote)
	}
	if n := len(o.Rates("eur")); n != 2 {
		t.Errorf("Expected one stored rate per source, got %d", n)
	}
	if n := len(log.ForRecord("EUR")); n != 3 {
		t.Errorf("Expected 3 accepted rate events, got %d", n)
	}
}

func TestSubmittedRateStaleness(t *testing.T) {
	o, _, clk, _ := newTestOracle(t, Config{MaxStaleness: time.Hour}, nil)
	ctx := context.Background()

	if _, err := o.UpdateRate(ctx, updater, "GBP", big.NewInt(790_000), 100); err != nil {
		t.Fatalf("Failed to store rate: %v", err)
	}

	clk.Advance(time.Hour)
	if _, err := o.GetAggregatedRate(ctx, "GBP"); err != nil {
		t.Fatalf("Expected rate at the staleness boundary, got %v", err)
	}

	clk.Advance(time.Second)
	if _, err := o.GetAggregatedRate(ctx, "GBP"); !errors.Is(err, errs.ErrStaleRate) {
		t.Fatalf("Expected stale rate, got %v", err)
	}
}

func TestFeedRateIsRescaled(t *testing.T) {
	feed := &stubFeed{price: FeedPrice{Value: big.NewInt(108_512_345), Decimals: 8, UpdatedAt: epoch.Add(-time.Minute)}}
	o, _, _, _ := newTestOracle(t, Config{MaxStaleness: time.Hour, Pairs: map[string]string{"eur": "EUR/USD"}}, feed)

	quote, err := o.GetAggregatedRate(context.Background(), "EUR")
	if err != nil {
		t.Fatalf("Failed to read feed rate: %v", err)
	}
	if quote.Value.Cmp(big.NewInt(1_085_123)) != 0 {
		t.Errorf("Expected 1085123 at 6 decimals, got %s", quote.Value)
	}
	if quote.Confidence != FullConfidence || quote.Source != "EUR/USD" {
		t.Errorf("Unexpected quote metadata: %+v", quote)
	}
	if feed.calls != 1 {
		t.Errorf("Expected one feed read, got %d", feed.calls)
	}
}

func TestFeedErrors(t *testing.T) {
	tests := []struct {
		name   string
		feed   *stubFeed
		target error
	}{
		{
			name:   "stale answer",
			feed:   &stubFeed{price: FeedPrice{Value: big.NewInt(1), Decimals: 6, UpdatedAt: epoch.Add(-2 * time.Hour)}},
			target: errs.ErrStaleRate,
		},
		{
			name:   "negative answer",
			feed:   &stubFeed{price: FeedPrice{Value: big.NewInt(-5), Decimals: 6, UpdatedAt: epoch}},
			target: errs.ErrInvalidArgument,
		},
		{
			name:   "rpc failure",
			feed:   &stubFeed{err: context.DeadlineExceeded},
			target: context.DeadlineExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _, _, _ := newTestOracle(t, Config{MaxStaleness: time.Hour, Pairs: map[string]string{"EUR": "EUR/USD"}}, tt.feed)
			if _, err := o.GetAggregatedRate(context.Background(), "EUR"); !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestCurrencyWithoutPairFallsBackToUpdates(t *testing.T) {
	feed := &stubFeed{price: FeedPrice{Value: big.NewInt(1), Decimals: 6, UpdatedAt: epoch}}
	o, _, _, _ := newTestOracle(t, Config{Pairs: map[string]string{"EUR": "EUR/USD"}}, feed)
	ctx := context.Background()

	if _, err := o.UpdateRate(ctx, updater, "JPY", big.NewInt(6_700), 80); err != nil {
		t.Fatalf("Failed to store rate: %v", err)
	}
	quote, err := o.GetAggregatedRate(ctx, "jpy")
	if err != nil {
		t.Fatalf("Failed to get rate: %v", err)
	}
	if quote.Value.Cmp(big.NewInt(6_700)) != 0 || feed.calls != 0 {
		t.Errorf("Expected submitted rate without touching the feed, got %s after %d calls", quote.Value, feed.calls)
	}
}

func TestAdminSetters(t *testing.T) {
	o, ac, _, _ := newTestOracle(t, Config{}, nil)
	ctx := context.Background()

	if err := o.SetMaxStaleness(ctx, updater, time.Minute); !errors.Is(err, errs.ErrUnauthorized) {
		t.Errorf("Expected non-admin to be rejected, got %v", err)
	}
	if err := o.SetMaxStaleness(ctx, admin, -time.Second); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Errorf("Expected negative window to be rejected, got %v", err)
	}
	if err := o.SetMaxDeviationPercent(ctx, admin, 5); err != nil {
		t.Errorf("Failed to set deviation: %v", err)
	}

	if err := ac.Pause(admin); err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	if _, err := o.UpdateRate(ctx, updater, "EUR", big.NewInt(1), 1); !errors.Is(err, errs.ErrPaused) {
		t.Errorf("Expected updates to be paused, got %v", err)
	}
}

func TestRescale(t *testing.T) {
	tests := []struct {
		name     string
		value    int64
		from, to uint8
		expected int64
	}{
		{name: "down", value: 123_456_789, from: 8, to: 6, expected: 1_234_567},
		{name: "up", value: 42, from: 2, to: 6, expected: 420_000},
		{name: "same", value: 7, from: 6, to: 6, expected: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Rescale(big.NewInt(tt.value), tt.from, tt.to)
			if got.Cmp(big.NewInt(tt.expected)) != 0 {
				t.Errorf("Expected %d, got %s", tt.expected, got)
			}
		})
	}
}

func TestOracleWithoutLogger(t *testing.T) {
	ac := access.NewController(admin, nil)
	if err := ac.Grant(admin, access.RoleRateUpdater, updater); err != nil {
		t.Fatalf("Failed to grant updater: %v", err)
	}
	o := NewOracle(Config{MaxStaleness: time.Hour, MaxDeviationPercent: 10}, nil, ac, nil, nil, nil)
	ctx := context.Background()

	if _, err := o.UpdateRate(ctx, updater, "EUR", big.NewInt(1_085_000), 90); err != nil {
		t.Fatalf("Failed to update rate: %v", err)
	}
	if _, err := o.UpdateRate(ctx, updater, "EUR", big.NewInt(2_000_000), 90); !errors.Is(err, errs.ErrRateDeviationExceeded) {
		t.Errorf("Expected deviation rejection, got %v", err)
	}
}
