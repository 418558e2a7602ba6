package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"escrow/apps/escrow/internal/assets"
	"escrow/apps/escrow/internal/escrow"
	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/model"
	"escrow/apps/escrow/internal/repository"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// OrderReader is the read side of the order projection.
type OrderReader interface {
	GetOrderByID(orderID string) (*events.OrderPayload, error)
	ListOrders(filter repository.OrderFilter) ([]events.OrderPayload, error)
}

// EscrowService is the ledger's mutating surface.
type EscrowService interface {
	CreateOrder(ctx context.Context, initiator common.Address, req escrow.CreateRequest) (model.Order, error)
	Lock(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error)
	AttestPayment(ctx context.Context, id common.Hash, caller common.Address, proof common.Hash, bankReference string) (model.Order, error)
	Release(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error)
	CancelExpired(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error)
	ReclaimCollateral(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error)
	Claim(ctx context.Context, id common.Hash, caller common.Address, sig []byte) (model.Order, error)
	ConfirmSettlement(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error)
	Refund(ctx context.Context, id common.Hash, caller common.Address) (model.Order, error)
	RaiseDispute(ctx context.Context, id common.Hash, caller common.Address, reason string) (model.Order, error)
	ResolveDispute(ctx context.Context, id common.Hash, caller common.Address, refund bool) (model.Order, error)
}

// OrderHandler handles order-related API endpoints
type OrderHandler struct {
	responder
	orders   OrderReader
	ledger   EscrowService
	registry *assets.AssetRegistry
}

// NewOrderHandler creates a new OrderHandler
func NewOrderHandler(orders OrderReader, ledger EscrowService, registry *assets.AssetRegistry, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		responder: responder{logger: logger},
		orders:    orders,
		ledger:    ledger,
		registry:  registry,
	}
}

// GetOrder handles GET /api/orders/{order_id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	if _, ok := parseHash(orderID); !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_order_id", "Order ID must be a 32-byte hex string")
		return
	}

	order, err := h.orders.GetOrderByID(orderID)
	if err != nil {
		h.logger.Error("Failed to get order", zap.String("order_id", orderID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve order")
		return
	}

	if order == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "order_not_found", "Order not found")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toOrderResponse(*order))
}

// ListOrders handles GET /api/orders?status=&party=&limit=
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repository.OrderFilter{}

	if status := strings.ToLower(query.Get("status")); status != "" {
		if !knownStatus(model.Status(status)) {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_status", "Unknown order status")
			return
		}
		filter.Status = status
	}

	if party := query.Get("party"); party != "" {
		if !common.IsHexAddress(party) {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_party", "Party must be an address")
			return
		}
		filter.Party = party
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_limit", "Limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	orders, err := h.orders.ListOrders(filter)
	if err != nil {
		h.logger.Error("Failed to list orders", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to list orders")
		return
	}

	response := OrderListResponse{Orders: make([]OrderResponse, 0, len(orders)), Count: len(orders)}
	for _, order := range orders {
		response.Orders = append(response.Orders, toOrderResponse(order))
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// CreateOrder handles POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	caller, ok := h.callerFromBody(w, req.Caller)
	if !ok {
		return
	}

	variant := model.Variant(strings.ToLower(req.Variant))
	if !variant.Valid() {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_variant", "Variant must be lock or claim")
		return
	}

	tokenAddr, ok := h.resolveToken(req.Token)
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "unsupported_asset", "Token must be a supported symbol or address")
		return
	}

	amount, ok := parseAmount(req.Amount)
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_amount", "Amount must be a positive integer in base units")
		return
	}

	createReq := escrow.CreateRequest{
		Variant:      variant,
		Token:        tokenAddr,
		Amount:       amount,
		FiatCurrency: req.FiatCurrency,
	}
	if req.FiatAmount != "" {
		fiat, ok := parseAmount(req.FiatAmount)
		if !ok {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_fiat_amount", "Fiat amount must be a positive integer")
			return
		}
		createReq.FiatAmount = fiat
	}

	order, err := h.ledger.CreateOrder(r.Context(), caller, createReq)
	if err != nil {
		h.writeEngineError(w, "create", err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, toOrderResponse(*events.NewOrderPayload(order)))
}

// Transition handlers for POST /api/orders/{order_id}/<action>.

func (h *OrderHandler) LockOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "lock", func(ctx context.Context, id common.Hash, caller common.Address, _ OrderActionRequest) (model.Order, error) {
		return h.ledger.Lock(ctx, id, caller)
	})
}

func (h *OrderHandler) AttestPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "attest", func(ctx context.Context, id common.Hash, caller common.Address, req OrderActionRequest) (model.Order, error) {
		proof, ok := parseHash(req.PaymentProof)
		if !ok {
			return model.Order{}, errBadProof
		}
		return h.ledger.AttestPayment(ctx, id, caller, proof, req.BankReference)
	})
}

func (h *OrderHandler) ReleaseOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "release", func(ctx context.Context, id common.Hash, caller common.Address, _ OrderActionRequest) (model.Order, error) {
		return h.ledger.Release(ctx, id, caller)
	})
}

func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", func(ctx context.Context, id common.Hash, caller common.Address, _ OrderActionRequest) (model.Order, error) {
		return h.ledger.CancelExpired(ctx, id, caller)
	})
}

func (h *OrderHandler) ReclaimCollateral(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reclaim", func(ctx context.Context, id common.Hash, caller common.Address, _ OrderActionRequest) (model.Order, error) {
		return h.ledger.ReclaimCollateral(ctx, id, caller)
	})
}

func (h *OrderHandler) ClaimOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "claim", func(ctx context.Context, id common.Hash, caller common.Address, req OrderActionRequest) (model.Order, error) {
		var sig []byte
		if req.Signature != "" {
			decoded, err := hexutil.Decode(req.Signature)
			if err != nil {
				return model.Order{}, errBadSignatureEncoding
			}
			sig = decoded
		}
		return h.ledger.Claim(ctx, id, caller, sig)
	})
}

func (h *OrderHandler) ConfirmSettlement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "confirm", func(ctx context.Context, id common.Hash, caller common.Address, _ OrderActionRequest) (model.Order, error) {
		return h.ledger.ConfirmSettlement(ctx, id, caller)
	})
}

func (h *OrderHandler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "refund", func(ctx context.Context, id common.Hash, caller common.Address, _ OrderActionRequest) (model.Order, error) {
		return h.ledger.Refund(ctx, id, caller)
	})
}

func (h *OrderHandler) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "dispute", func(ctx context.Context, id common.Hash, caller common.Address, req OrderActionRequest) (model.Order, error) {
		return h.ledger.RaiseDispute(ctx, id, caller, req.Reason)
	})
}

func (h *OrderHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resolve", func(ctx context.Context, id common.Hash, caller common.Address, req OrderActionRequest) (model.Order, error) {
		return h.ledger.ResolveDispute(ctx, id, caller, req.Refund)
	})
}

// transition decodes the path and body shared by every order action, runs
// fn and writes the resulting order.
func (h *OrderHandler) transition(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, id common.Hash, caller common.Address, req OrderActionRequest) (model.Order, error)) {
	id, ok := h.orderIDFromPath(w, r)
	if !ok {
		return
	}

	var req OrderActionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	caller, ok := h.callerFromBody(w, req.Caller)
	if !ok {
		return
	}

	order, err := fn(r.Context(), id, caller, req)
	if err != nil {
		h.writeEngineError(w, op, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toOrderResponse(*events.NewOrderPayload(order)))
}

func (h *OrderHandler) resolveToken(raw string) (common.Address, bool) {
	if asset, ok := h.registry.GetBySymbol(raw); ok {
		return asset.Address, true
	}
	if addr, ok := parseAddress(raw); ok && h.registry.IsSupported(addr) {
		return addr, true
	}
	return common.Address{}, false
}

func toOrderResponse(order events.OrderPayload) OrderResponse {
	return OrderResponse{
		OrderID:       order.OrderID,
		Variant:       order.Variant,
		Status:        order.Status,
		Initiator:     order.Initiator,
		Counterparty:  order.Counterparty,
		Token:         order.Token,
		Amount:        order.Amount,
		Fee:           order.Fee,
		FiatCurrency:  order.FiatCurrency,
		FiatAmount:    order.FiatAmount,
		ExchangeRate:  order.ExchangeRate,
		CreatedAt:     order.CreatedAt,
		LockedAt:      order.LockedAt,
		ClaimedAt:     order.ClaimedAt,
		Deadline:      order.Deadline,
		PaymentProof:  order.PaymentProof,
		BankReference: order.BankReference,
	}
}

func knownStatus(s model.Status) bool {
	switch s {
	case model.StatusPending, model.StatusLocked, model.StatusAttested, model.StatusProcessing,
		model.StatusDisputed, model.StatusCompleted, model.StatusRefunded, model.StatusCancelled:
		return true
	}
	return false
}
