package assets

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Asset represents a token the escrow accepts
type Asset struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
}

// AssetRegistry holds all supported assets
type AssetRegistry struct {
	assets    map[string]*Asset
	byAddress map[common.Address]*Asset
}

// DefaultAssets are the mainnet stablecoins settled by the escrow
func DefaultAssets() []*Asset {
	return []*Asset{
		{
			Symbol:   "USDT",
			Name:     "Tether USD",
			Address:  common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"),
			Decimals: 6,
		},
		{
			Symbol:   "USDC",
			Name:     "USD Coin",
			Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			Decimals: 6,
		},
		{
			Symbol:   "DAI",
			Name:     "Dai Stablecoin",
			Address:  common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"),
			Decimals: 18,
		},
	}
}

// NewAssetRegistry creates a registry holding the given assets
func NewAssetRegistry(supported []*Asset) *AssetRegistry {
	registry := &AssetRegistry{
		assets:    make(map[string]*Asset),
		byAddress: make(map[common.Address]*Asset),
	}

	for _, asset := range supported {
		registry.assets[strings.ToUpper(asset.Symbol)] = asset
		registry.byAddress[asset.Address] = asset
	}

	return registry
}

// GetBySymbol returns an asset by its symbol (case-insensitive)
func (r *AssetRegistry) GetBySymbol(symbol string) (*Asset, bool) {
	asset, exists := r.assets[strings.ToUpper(symbol)]
	return asset, exists
}

// GetByAddress returns an asset by its contract address
func (r *AssetRegistry) GetByAddress(address common.Address) (*Asset, bool) {
	asset, exists := r.byAddress[address]
	return asset, exists
}

// GetAllAsArray returns all assets as an array
func (r *AssetRegistry) GetAllAsArray() []*Asset {
	assets := make([]*Asset, 0, len(r.assets))
	for _, asset := range r.assets {
		assets = append(assets, asset)
	}
	return assets
}

// IsSupported checks if a token address is supported
func (r *AssetRegistry) IsSupported(address common.Address) bool {
	_, exists := r.byAddress[address]
	return exists
}

// Global asset registry instance
var GlobalRegistry = NewAssetRegistry(DefaultAssets())
