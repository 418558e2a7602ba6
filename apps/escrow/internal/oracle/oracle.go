package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"escrow/apps/escrow/internal/access"
	"escrow/apps/escrow/internal/audit"
	"escrow/apps/escrow/internal/clock"
	"escrow/apps/escrow/internal/errs"
	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/metrics"
	"escrow/apps/escrow/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// FullConfidence is reported for rates read from the external feed.
const FullConfidence = 100

// FeedPrice is a raw answer from an upstream price feed.
type FeedPrice struct {
	Value     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// PriceFeed is an upstream source of fixed-point prices.
type PriceFeed interface {
	LatestPrice(ctx context.Context, pair string) (FeedPrice, error)
}

// Quote is an aggregated rate in RateDecimals precision.
type Quote struct {
	Currency   string
	Value      *big.Int
	Confidence uint8
	UpdatedAt  time.Time
	Source     string
}

type Config struct {
	MaxStaleness        time.Duration
	MaxDeviationPercent uint64
	// Pairs maps a currency to the feed pair read for it. Currencies without
	// a pair fall back to updater-submitted rates.
	Pairs map[string]string
}

type rateKey struct {
	currency string
	source   common.Address
}

type Oracle struct {
	mu                  sync.RWMutex
	rates               map[rateKey]model.Rate
	accepted            map[string]model.Rate
	feed                PriceFeed
	pairs               map[string]string
	maxStaleness        time.Duration
	maxDeviationPercent uint64

	access *access.Controller
	sink   audit.Sink
	clock  clock.Clock
	logger *zap.Logger
}

// NewOracle creates an oracle. feed may be nil for the updater-only setup.
func NewOracle(cfg Config, feed PriceFeed, ac *access.Controller, sink audit.Sink, clk clock.Clock, logger *zap.Logger) *Oracle {
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pairs := make(map[string]string, len(cfg.Pairs))
	for currency, pair := range cfg.Pairs {
		pairs[normalize(currency)] = pair
	}
	return &Oracle{
		rates:               make(map[rateKey]model.Rate),
		accepted:            make(map[string]model.Rate),
		feed:                feed,
		pairs:               pairs,
		maxStaleness:        cfg.MaxStaleness,
		maxDeviationPercent: cfg.MaxDeviationPercent,
		access:              ac,
		sink:                sink,
		clock:               clk,
		logger:              logger,
	}
}

// UpdateRate stores a rate submitted by an authorized updater. An update that
// moves more than the allowed percentage away from the last accepted value for
// the currency is rejected.
func (o *Oracle) UpdateRate(ctx context.Context, caller common.Address, currency string, value *big.Int, confidence uint8) (model.Rate, error) {
	if err := o.access.RequireNotPaused(); err != nil {
		return model.Rate{}, err
	}
	if err := o.access.Require(caller, access.RoleRateUpdater); err != nil {
		return model.Rate{}, err
	}
	currency = normalize(currency)
	if currency == "" {
		return model.Rate{}, fmt.Errorf("%w: currency is required", errs.ErrInvalidArgument)
	}
	if value == nil || value.Sign() <= 0 {
		return model.Rate{}, fmt.Errorf("%w: rate must be positive", errs.ErrInvalidArgument)
	}
	if confidence > 100 {
		return model.Rate{}, fmt.Errorf("%w: confidence %d outside [0,100]", errs.ErrInvalidArgument, confidence)
	}

	o.mu.Lock()
	if prev, ok := o.accepted[currency]; ok && o.maxDeviationPercent > 0 {
		if exceedsDeviation(prev.Value, value, o.maxDeviationPercent) {
			o.mu.Unlock()
			metrics.RateUpdates.WithLabelValues(currency, "rejected").Inc()
			o.logger.Warn("Rejected rate update",
				zap.String("currency", currency),
				zap.String("source", caller.Hex()),
				zap.String("previous", prev.Value.String()),
				zap.String("proposed", value.String()))
			return model.Rate{}, fmt.Errorf("%w: %s moved from %s to %s", errs.ErrRateDeviationExceeded, currency, prev.Value, value)
		}
	}
	rate := model.Rate{
		Currency:   currency,
		Source:     caller,
		Value:      new(big.Int).Set(value),
		Timestamp:  o.clock(),
		Confidence: confidence,
	}
	o.rates[rateKey{currency: currency, source: caller}] = rate
	o.accepted[currency] = rate
	o.mu.Unlock()

	metrics.RateUpdates.WithLabelValues(currency, "accepted").Inc()
	o.logger.Info("Updated rate",
		zap.String("currency", currency),
		zap.String("source", caller.Hex()),
		zap.String("value", value.String()),
		zap.Uint8("confidence", confidence))
	audit.Emit(ctx, o.sink, o.logger, events.ForRate(caller.Hex(), rate, rate.Timestamp))
	return rate.Clone(), nil
}

// GetAggregatedRate returns the current rate for currency. With a feed pair
// configured it reads the feed; otherwise it returns the last accepted update.
func (o *Oracle) GetAggregatedRate(ctx context.Context, currency string) (Quote, error) {
	currency = normalize(currency)

	o.mu.RLock()
	feed := o.feed
	pair, hasPair := o.pairs[currency]
	maxStaleness := o.maxStaleness
	accepted, hasAccepted := o.accepted[currency]
	o.mu.RUnlock()

	now := o.clock()
	if feed != nil && hasPair {
		price, err := feed.LatestPrice(ctx, pair)
		if err != nil {
			return Quote{}, fmt.Errorf("failed to read price feed %s: %w", pair, err)
		}
		if price.Value == nil || price.Value.Sign() <= 0 {
			return Quote{}, fmt.Errorf("%w: feed %s returned non-positive price", errs.ErrInvalidArgument, pair)
		}
		if stale(now, price.UpdatedAt, maxStaleness) {
			return Quote{}, fmt.Errorf("%w: feed %s last updated %s", errs.ErrStaleRate, pair, price.UpdatedAt.Format(time.RFC3339))
		}
		return Quote{
			Currency:   currency,
			Value:      Rescale(price.Value, price.Decimals, model.RateDecimals),
			Confidence: FullConfidence,
			UpdatedAt:  price.UpdatedAt,
			Source:     pair,
		}, nil
	}

	if !hasAccepted {
		return Quote{}, fmt.Errorf("%w: no rate for %s", errs.ErrNotFound, currency)
	}
	if stale(now, accepted.Timestamp, maxStaleness) {
		return Quote{}, fmt.Errorf("%w: %s last updated %s", errs.ErrStaleRate, currency, accepted.Timestamp.Format(time.RFC3339))
	}
	return Quote{
		Currency:   currency,
		Value:      new(big.Int).Set(accepted.Value),
		Confidence: accepted.Confidence,
		UpdatedAt:  accepted.Timestamp,
		Source:     accepted.Source.Hex(),
	}, nil
}

// Rates lists every stored per-source rate for currency, ordered by source.
func (o *Oracle) Rates(currency string) []model.Rate {
	currency = normalize(currency)
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []model.Rate
	for key, rate := range o.rates {
		if key.currency == currency {
			out = append(out, rate.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Source.Hex() < out[j].Source.Hex()
	})
	return out
}

// SetFeed replaces the upstream feed and the currency→pair mapping.
func (o *Oracle) SetFeed(ctx context.Context, caller common.Address, feed PriceFeed, pairs map[string]string) error {
	if err := o.access.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	normalized := make(map[string]string, len(pairs))
	details := make(map[string]string, len(pairs))
	for currency, pair := range pairs {
		normalized[normalize(currency)] = pair
		details[normalize(currency)] = pair
	}
	o.mu.Lock()
	o.feed = feed
	o.pairs = normalized
	o.mu.Unlock()

	o.logger.Info("Updated price feed", zap.Int("pairs", len(normalized)))
	audit.Emit(ctx, o.sink, o.logger, events.ForConfig(events.OracleParamsSet, "feed", caller.Hex(), details, o.clock()))
	return nil
}

func (o *Oracle) SetMaxStaleness(ctx context.Context, caller common.Address, d time.Duration) error {
	if err := o.access.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("%w: negative staleness window", errs.ErrInvalidArgument)
	}
	o.mu.Lock()
	o.maxStaleness = d
	o.mu.Unlock()

	audit.Emit(ctx, o.sink, o.logger, events.ForConfig(events.OracleParamsSet, "max_staleness", caller.Hex(),
		map[string]string{"max_staleness": d.String()}, o.clock()))
	return nil
}

// SetMaxDeviationPercent changes the deviation gate; zero disables it.
func (o *Oracle) SetMaxDeviationPercent(ctx context.Context, caller common.Address, pct uint64) error {
	if err := o.access.Require(caller, access.RoleAdmin); err != nil {
		return err
	}
	o.mu.Lock()
	o.maxDeviationPercent = pct
	o.mu.Unlock()

	audit.Emit(ctx, o.sink, o.logger, events.ForConfig(events.OracleParamsSet, "max_deviation_percent", caller.Hex(),
		map[string]string{"max_deviation_percent": fmt.Sprintf("%d", pct)}, o.clock()))
	return nil
}

// Rescale converts value from one fixed-point precision to another, truncating.
func Rescale(value *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(value)
	switch {
	case from > to:
		out.Quo(out, pow10(from-to))
	case from < to:
		out.Mul(out, pow10(to-from))
	}
	return out
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// exceedsDeviation reports |next-prev|/prev > pct/100 without division.
func exceedsDeviation(prev, next *big.Int, pct uint64) bool {
	diff := new(big.Int).Sub(next, prev)
	diff.Abs(diff)
	lhs := diff.Mul(diff, big.NewInt(100))
	rhs := new(big.Int).Mul(prev, new(big.Int).SetUint64(pct))
	return lhs.Cmp(rhs) > 0
}

// stale reports whether updatedAt is older than the window; a zero window
// disables the check.
func stale(now, updatedAt time.Time, window time.Duration) bool {
	return window > 0 && now.Sub(updatedAt) > window
}

func normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
