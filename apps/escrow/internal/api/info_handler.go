package api

import (
	"math/big"
	"net/http"

	"escrow/apps/escrow/internal/assets"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// CustodyView exposes the ledger's live custody totals.
type CustodyView interface {
	HeldBalance(token common.Address) *big.Int
	AccruedFees(token common.Address) *big.Int
}

type PauseView interface {
	Paused() bool
}

// InfoHandler handles custody information API endpoints
type InfoHandler struct {
	responder
	custody  CustodyView
	pause    PauseView
	registry *assets.AssetRegistry
}

// NewInfoHandler creates a new InfoHandler
func NewInfoHandler(custody CustodyView, pause PauseView, registry *assets.AssetRegistry, logger *zap.Logger) *InfoHandler {
	return &InfoHandler{
		responder: responder{logger: logger},
		custody:   custody,
		pause:     pause,
		registry:  registry,
	}
}

// GetInfo handles GET /api/info
func (h *InfoHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	response := InfoResponse{
		Paused: h.pause.Paused(),
		Tokens: make(map[string]TokenCustody),
	}

	for _, asset := range h.registry.GetAllAsArray() {
		response.Tokens[asset.Symbol] = TokenCustody{
			Symbol:      asset.Symbol,
			Address:     asset.Address.Hex(),
			Decimals:    int(asset.Decimals),
			Held:        h.custody.HeldBalance(asset.Address).String(),
			AccruedFees: h.custody.AccruedFees(asset.Address).String(),
		}
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}
