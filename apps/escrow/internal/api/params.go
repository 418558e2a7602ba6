package api

import (
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
)

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// parseAmount reads a positive base-unit integer.
func parseAmount(raw string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() <= 0 {
		return nil, false
	}
	return v, true
}

func parseHash(raw string) (common.Hash, bool) {
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

// orderIDFromPath reads {order_id}, writing a 400 when it is malformed.
func (h responder) orderIDFromPath(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	id, ok := parseHash(mux.Vars(r)["order_id"])
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_order_id", "Order ID must be a 32-byte hex string")
	}
	return id, ok
}

// callerFromBody validates the acting address carried in a request body.
func (h responder) callerFromBody(w http.ResponseWriter, raw string) (common.Address, bool) {
	caller, ok := parseAddress(raw)
	if !ok {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_caller", "Caller must be an address")
	}
	return caller, ok
}
