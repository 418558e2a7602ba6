package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrow/apps/escrow/internal/assets"
	"escrow/apps/escrow/internal/events"
	"escrow/apps/escrow/internal/repository"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const testOrderID = "0x8f3c5a1e2b7d4f6a9c0e1d2b3a4f5e6d7c8b9a0f1e2d3c4b5a69788796a5b4c3"

type fakeOrders struct {
	orders     map[string]events.OrderPayload
	lastFilter repository.OrderFilter
	err        error
}

func (f *fakeOrders) GetOrderByID(orderID string) (*events.OrderPayload, error) {
	if f.err != nil {
		return nil, f.err
	}
	order, ok := f.orders[strings.ToLower(orderID)]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

func (f *fakeOrders) ListOrders(filter repository.OrderFilter) ([]events.OrderPayload, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []events.OrderPayload
	for _, o := range f.orders {
		if filter.Status == "" || o.Status == filter.Status {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeMarket struct {
	lps   map[string]events.LPPayload
	rates map[string]events.RatePayload
}

func (f *fakeMarket) GetLP(address string) (*events.LPPayload, error) {
	lp, ok := f.lps[strings.ToLower(address)]
	if !ok {
		return nil, nil
	}
	return &lp, nil
}

func (f *fakeMarket) GetLatestRate(currency string) (*events.RatePayload, error) {
	rate, ok := f.rates[currency]
	if !ok {
		return nil, nil
	}
	return &rate, nil
}

type fakeCustody struct {
	held, fees map[common.Address]*big.Int
	paused     bool
}

func (f *fakeCustody) HeldBalance(token common.Address) *big.Int {
	if v, ok := f.held[token]; ok {
		return v
	}
	return new(big.Int)
}

func (f *fakeCustody) AccruedFees(token common.Address) *big.Int {
	if v, ok := f.fees[token]; ok {
		return v
	}
	return new(big.Int)
}

func (f *fakeCustody) Paused() bool { return f.paused }

func newTestServer(orders *fakeOrders, market *fakeMarket, custody *fakeCustody) http.Handler {
	logger := zap.NewNop()
	registry := assets.NewAssetRegistry(assets.DefaultAssets())
	s := NewServer(0,
		NewOrderHandler(orders, nil, registry, logger),
		NewMarketHandler(market, market, nil, nil, logger),
		NewInfoHandler(custody, custody, registry, logger),
		logger)
	return s.setupRoutes()
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetOrder(t *testing.T) {
	orders := &fakeOrders{orders: map[string]events.OrderPayload{
		testOrderID: {
			OrderID:      testOrderID,
			Variant:      "claim",
			Status:       "pending",
			Initiator:    "0x00000000000000000000000000000000000000b1",
			Token:        "0xdac17f958d2ee523a2206206994597c13d831ec7",
			Amount:       "99500000",
			Fee:          "500000",
			FiatCurrency: "EUR",
			CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Deadline:     time.Date(2026, 1, 2, 4, 4, 5, 0, time.UTC),
		},
	}}
	h := newTestServer(orders, &fakeMarket{}, &fakeCustody{})

	tests := []struct {
		name       string
		path       string
		statusCode int
		errorCode  string
	}{
		{name: "found", path: "/api/orders/" + testOrderID, statusCode: http.StatusOK},
		{name: "found with upper hex", path: "/api/orders/0x" + strings.ToUpper(testOrderID[2:]), statusCode: http.StatusOK},
		{name: "unknown", path: "/api/orders/0x" + strings.Repeat("11", 32), statusCode: http.StatusNotFound, errorCode: "order_not_found"},
		{name: "short id", path: "/api/orders/0x1234", statusCode: http.StatusBadRequest, errorCode: "invalid_order_id"},
		{name: "not hex", path: "/api/orders/order-1", statusCode: http.StatusBadRequest, errorCode: "invalid_order_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doGet(t, h, tt.path)
			if rec.Code != tt.statusCode {
				t.Fatalf("Expected status %d, got %d: %s", tt.statusCode, rec.Code, rec.Body.String())
			}
			if tt.errorCode != "" {
				var resp ErrorResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("Failed to decode error: %v", err)
				}
				if resp.Error != tt.errorCode {
					t.Errorf("Expected error %s, got %s", tt.errorCode, resp.Error)
				}
				return
			}
			var resp OrderResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode order: %v", err)
			}
			if resp.Amount != "99500000" || resp.Fee != "500000" || resp.Variant != "claim" {
				t.Errorf("Unexpected order body: %+v", resp)
			}
		})
	}
}

func TestGetOrderDatabaseError(t *testing.T) {
	h := newTestServer(&fakeOrders{err: errors.New("connection reset")}, &fakeMarket{}, &fakeCustody{})
	rec := doGet(t, h, "/api/orders/"+testOrderID)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
}

func TestListOrders(t *testing.T) {
	orders := &fakeOrders{orders: map[string]events.OrderPayload{
		"a": {OrderID: "a", Status: "pending"},
		"b": {OrderID: "b", Status: "completed"},
	}}
	h := newTestServer(orders, &fakeMarket{}, &fakeCustody{})

	rec := doGet(t, h, "/api/orders?status=PENDING&party=0x00000000000000000000000000000000000000b1&limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp OrderListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	if resp.Count != 1 || resp.Orders[0].OrderID != "a" {
		t.Errorf("Expected only the pending order, got %+v", resp)
	}
	if orders.lastFilter.Status != "pending" || orders.lastFilter.Limit != 5 ||
		orders.lastFilter.Party != "0x00000000000000000000000000000000000000b1" {
		t.Errorf("Unexpected filter passed through: %+v", orders.lastFilter)
	}

	bad := []struct {
		query     string
		errorCode string
	}{
		{query: "status=lost", errorCode: "invalid_status"},
		{query: "party=bob", errorCode: "invalid_party"},
		{query: "limit=0", errorCode: "invalid_limit"},
		{query: "limit=ten", errorCode: "invalid_limit"},
	}
	for _, tt := range bad {
		t.Run(tt.query, func(t *testing.T) {
			rec := doGet(t, h, "/api/orders?"+tt.query)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", rec.Code)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode error: %v", err)
			}
			if resp.Error != tt.errorCode {
				t.Errorf("Expected %s, got %s", tt.errorCode, resp.Error)
			}
		})
	}
}

func TestListOrdersEmptyIsArray(t *testing.T) {
	h := newTestServer(&fakeOrders{}, &fakeMarket{}, &fakeCustody{})
	rec := doGet(t, h, "/api/orders")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"orders":[]`) {
		t.Errorf("Expected an empty array, got %s", rec.Body.String())
	}
}

func TestMarketEndpoints(t *testing.T) {
	lpAddr := "0x00000000000000000000000000000000000000c1"
	market := &fakeMarket{
		lps: map[string]events.LPPayload{
			lpAddr: {Address: lpAddr, IsRegistered: true, IsActive: true, StakedAmount: "1000"},
		},
		rates: map[string]events.RatePayload{
			"EUR": {Currency: "EUR", Source: "chainlink", Value: "1085123", Confidence: 100},
		},
	}
	h := newTestServer(&fakeOrders{}, market, &fakeCustody{})

	tests := []struct {
		name       string
		path       string
		statusCode int
	}{
		{name: "lp found", path: "/api/lps/" + lpAddr, statusCode: http.StatusOK},
		{name: "lp unknown", path: "/api/lps/0x00000000000000000000000000000000000000c2", statusCode: http.StatusNotFound},
		{name: "lp malformed", path: "/api/lps/carol", statusCode: http.StatusBadRequest},
		{name: "rate lower case", path: "/api/rates/eur", statusCode: http.StatusOK},
		{name: "rate unknown", path: "/api/rates/JPY", statusCode: http.StatusNotFound},
		{name: "rate malformed", path: "/api/rates/EURO", statusCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doGet(t, h, tt.path)
			if rec.Code != tt.statusCode {
				t.Fatalf("Expected status %d, got %d: %s", tt.statusCode, rec.Code, rec.Body.String())
			}
		})
	}

	rec := doGet(t, h, "/api/rates/eur")
	var rate RateResponse
	if err := json.NewDecoder(rec.Body).Decode(&rate); err != nil {
		t.Fatalf("Failed to decode rate: %v", err)
	}
	if rate.Value != "1085123" || rate.Source != "chainlink" {
		t.Errorf("Unexpected rate: %+v", rate)
	}
}

func TestGetInfo(t *testing.T) {
	usdt, _ := assets.NewAssetRegistry(assets.DefaultAssets()).GetBySymbol("USDT")
	custody := &fakeCustody{
		held:   map[common.Address]*big.Int{usdt.Address: big.NewInt(100_000_000)},
		fees:   map[common.Address]*big.Int{usdt.Address: big.NewInt(500_000)},
		paused: true,
	}
	h := newTestServer(&fakeOrders{}, &fakeMarket{}, custody)

	rec := doGet(t, h, "/api/info")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp InfoResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode info: %v", err)
	}
	if !resp.Paused {
		t.Errorf("Expected paused to be reported")
	}
	got := resp.Tokens["USDT"]
	if got.Held != "100000000" || got.AccruedFees != "500000" || got.Decimals != 6 {
		t.Errorf("Unexpected USDT custody: %+v", got)
	}
	if dai := resp.Tokens["DAI"]; dai.Held != "0" {
		t.Errorf("Expected zero DAI held, got %s", dai.Held)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(&fakeOrders{}, &fakeMarket{}, &fakeCustody{})

	if rec := doGet(t, h, "/api/health"); rec.Code != http.StatusOK {
		t.Errorf("Expected healthy, got %d", rec.Code)
	}
	rec := doGet(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected metrics to be served, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected CORS header on matched routes")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/orders", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected DELETE to be rejected, got %d", rec.Code)
	}
}
