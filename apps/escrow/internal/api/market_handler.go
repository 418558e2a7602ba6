package api

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type LPReader interface {
	GetLP(address string) (*events.LPPayload, error)
}

type RateReader interface {
	GetLatestRate(currency string) (*events.RatePayload, error)
}

// StakeService is the stake registry's mutating surface.
type StakeService interface {
	Register(ctx context.Context, caller common.Address, amount *big.Int) (model.LPInfo, error)
	Stake(ctx context.Context, caller common.Address, amount *big.Int) (model.LPInfo, error)
	Unstake(ctx context.Context, caller common.Address, amount *big.Int) (model.LPInfo, error)
	Exit(ctx context.Context, caller common.Address) (model.LPInfo, error)
	Slash(ctx context.Context, caller, lp common.Address, penalty *big.Int) (model.LPInfo, error)
	SlashByPercent(ctx context.Context, caller, lp common.Address) (model.LPInfo, error)
}

type RateUpdater interface {
	UpdateRate(ctx context.Context, caller common.Address, currency string, value *big.Int, confidence uint8) (model.Rate, error)
}

// MarketHandler serves liquidity provider and exchange rate endpoints
type MarketHandler struct {
	responder
	lps     LPReader
	rates   RateReader
	stakes  StakeService
	updater RateUpdater
}

func NewMarketHandler(lps LPReader, rates RateReader, stakes StakeService, updater RateUpdater, logger *zap.Logger) *MarketHandler {
	return &MarketHandler{
		responder: responder{logger: logger},
		lps:       lps,
		rates:     rates,
		stakes:    stakes,
		updater:   updater,
	}
}

// GetLP handles GET /api/lps/{lp_address}
func (h *MarketHandler) GetLP(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["lp_address"]
	if !common.IsHexAddress(address) {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_address", "LP address must be an address")
		return
	}

	lp, err := h.lps.GetLP(address)
	if err != nil {
		h.logger.Error("Failed to get LP", zap.String("lp", address), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve LP")
		return
	}
	if lp == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "lp_not_found", "LP not found")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toLPResponse(*lp))
}

// RegisterLP handles POST /api/lps/register
func (h *MarketHandler) RegisterLP(w http.ResponseWriter, r *http.Request) {
	h.stakeCall(w, r, "register", true, h.stakes.Register)
}

// AddStake handles POST /api/lps/stake
func (h *MarketHandler) AddStake(w http.ResponseWriter, r *http.Request) {
	h.stakeCall(w, r, "stake", true, h.stakes.Stake)
}

// Unstake handles POST /api/lps/unstake
func (h *MarketHandler) Unstake(w http.ResponseWriter, r *http.Request) {
	h.stakeCall(w, r, "unstake", true, h.stakes.Unstake)
}

// ExitLP handles POST /api/lps/exit
func (h *MarketHandler) ExitLP(w http.ResponseWriter, r *http.Request) {
	h.stakeCall(w, r, "exit", false, func(ctx context.Context, caller common.Address, _ *big.Int) (model.LPInfo, error) {
		return h.stakes.Exit(ctx, caller)
	})
}

func (h *MarketHandler) stakeCall(w http.ResponseWriter, r *http.Request, op string, needsAmount bool,
	fn func(ctx context.Context, caller common.Address, amount *big.Int) (model.LPInfo, error)) {
	var req StakeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	caller, ok := h.callerFromBody(w, req.Caller)
	if !ok {
		return
	}

	var amount *big.Int
	if needsAmount {
		if amount, ok = parseAmount(req.Amount); !ok {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_amount", "Amount must be a positive integer in base units")
			return
		}
	}

	info, err := fn(r.Context(), caller, amount)
	if err != nil {
		h.writeEngineError(w, op, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toLPResponse(*events.NewLPPayload(info)))
}

// SlashLP handles POST /api/lps/{lp_address}/slash
func (h *MarketHandler) SlashLP(w http.ResponseWriter, r *http.Request) {
	lp, ok := parseAddress(mux.Vars(r)["lp_address"])
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_address", "LP address must be an address")
		return
	}

	var req SlashRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	caller, ok := h.callerFromBody(w, req.Caller)
	if !ok {
		return
	}

	var info model.LPInfo
	var err error
	if req.Amount == "" {
		info, err = h.stakes.SlashByPercent(r.Context(), caller, lp)
	} else {
		penalty, ok := parseAmount(req.Amount)
		if !ok {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_amount", "Amount must be a positive integer in base units")
			return
		}
		info, err = h.stakes.Slash(r.Context(), caller, lp, penalty)
	}
	if err != nil {
		h.writeEngineError(w, "slash", err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toLPResponse(*events.NewLPPayload(info)))
}

// GetRate handles GET /api/rates/{currency}
func (h *MarketHandler) GetRate(w http.ResponseWriter, r *http.Request) {
	currency, ok := h.currencyFromPath(w, r)
	if !ok {
		return
	}

	rate, err := h.rates.GetLatestRate(currency)
	if err != nil {
		h.logger.Error("Failed to get rate", zap.String("currency", currency), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve rate")
		return
	}
	if rate == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "rate_not_found", "No rate recorded for currency")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toRateResponse(*rate))
}

// UpdateRate handles POST /api/rates/{currency}
func (h *MarketHandler) UpdateRate(w http.ResponseWriter, r *http.Request) {
	currency, ok := h.currencyFromPath(w, r)
	if !ok {
		return
	}

	var req RateUpdateRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	caller, ok := h.callerFromBody(w, req.Caller)
	if !ok {
		return
	}
	value, ok := parseAmount(req.Value)
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_value", "Rate must be a positive integer with 6 decimals")
		return
	}

	rate, err := h.updater.UpdateRate(r.Context(), caller, currency, value, req.Confidence)
	if err != nil {
		h.writeEngineError(w, "update_rate", err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toRateResponse(*events.NewRatePayload(rate)))
}

func (h *MarketHandler) currencyFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	currency := strings.ToUpper(strings.TrimSpace(mux.Vars(r)["currency"]))
	if len(currency) != 3 {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_currency", "Currency must be a 3-letter code")
		return "", false
	}
	return currency, true
}

func toLPResponse(lp events.LPPayload) LPResponse {
	return LPResponse{
		Address:         lp.Address,
		IsRegistered:    lp.IsRegistered,
		IsActive:        lp.IsActive,
		StakedAmount:    lp.StakedAmount,
		LastStakeChange: lp.LastStakeChange,
	}
}

func toRateResponse(rate events.RatePayload) RateResponse {
	return RateResponse{
		Currency:   rate.Currency,
		Source:     rate.Source,
		Value:      rate.Value,
		Confidence: rate.Confidence,
		UpdatedAt:  rate.UpdatedAt,
	}
}
