package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// AggregatorV3ABI covers the read methods of a Chainlink price aggregator.
const AggregatorV3ABI = `[
	{
		"inputs": [],
		"name": "latestRoundData",
		"outputs": [
			{"internalType": "uint80", "name": "roundId", "type": "uint80"},
			{"internalType": "int256", "name": "answer", "type": "int256"},
			{"internalType": "uint256", "name": "startedAt", "type": "uint256"},
			{"internalType": "uint256", "name": "updatedAt", "type": "uint256"},
			{"internalType": "uint80", "name": "answeredInRound", "type": "uint80"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"internalType": "uint8", "name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ChainlinkFeed reads prices from on-chain aggregator contracts.
type ChainlinkFeed struct {
	caller        ethereum.ContractCaller
	aggregatorABI abi.ABI
	aggregators   map[string]common.Address
	logger        *zap.Logger
}

// NewChainlinkFeed creates a feed; aggregators maps a pair id to its contract.
// An *ethclient.Client satisfies caller.
func NewChainlinkFeed(caller ethereum.ContractCaller, aggregators map[string]common.Address, logger *zap.Logger) (*ChainlinkFeed, error) {
	parsedABI, err := abi.JSON(strings.NewReader(AggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse aggregator ABI: %w", err)
	}

	return &ChainlinkFeed{
		caller:        caller,
		aggregatorABI: parsedABI,
		aggregators:   aggregators,
		logger:        logger,
	}, nil
}

// LatestPrice implements PriceFeed.
func (f *ChainlinkFeed) LatestPrice(ctx context.Context, pair string) (FeedPrice, error) {
	aggregator, ok := f.aggregators[pair]
	if !ok {
		return FeedPrice{}, fmt.Errorf("no aggregator configured for %s", pair)
	}

	decimals, err := f.getDecimals(ctx, aggregator)
	if err != nil {
		return FeedPrice{}, err
	}

	data, err := f.aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return FeedPrice{}, fmt.Errorf("failed to pack latestRoundData call: %w", err)
	}

	result, err := f.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &aggregator,
		Data: data,
	}, nil)
	if err != nil {
		return FeedPrice{}, fmt.Errorf("failed to call latestRoundData: %w", err)
	}

	values, err := f.aggregatorABI.Unpack("latestRoundData", result)
	if err != nil {
		return FeedPrice{}, fmt.Errorf("failed to unpack latestRoundData result: %w", err)
	}
	if len(values) != 5 {
		return FeedPrice{}, fmt.Errorf("unexpected latestRoundData result length %d", len(values))
	}

	answer, ok := values[1].(*big.Int)
	if !ok {
		return FeedPrice{}, fmt.Errorf("unexpected answer type %T", values[1])
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return FeedPrice{}, fmt.Errorf("unexpected updatedAt type %T", values[3])
	}

	f.logger.Debug("Read price feed",
		zap.String("pair", pair),
		zap.String("aggregator", aggregator.Hex()),
		zap.String("answer", answer.String()),
		zap.Uint8("decimals", decimals))

	return FeedPrice{
		Value:     answer,
		Decimals:  decimals,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

// getDecimals retrieves the aggregator's answer precision
func (f *ChainlinkFeed) getDecimals(ctx context.Context, aggregator common.Address) (uint8, error) {
	data, err := f.aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("failed to pack decimals call: %w", err)
	}

	result, err := f.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &aggregator,
		Data: data,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to call decimals: %w", err)
	}

	var decimals uint8
	err = f.aggregatorABI.UnpackIntoInterface(&decimals, "decimals", result)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack decimals result: %w", err)
	}

	return decimals, nil
}
