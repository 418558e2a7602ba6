package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the engine's operations, the read model and live custody
// totals over HTTP.
type Server struct {
	orderHandler  *OrderHandler
	marketHandler *MarketHandler
	infoHandler   *InfoHandler
	logger        *zap.Logger
	server        *http.Server
}

func NewServer(port int, orderHandler *OrderHandler, marketHandler *MarketHandler, infoHandler *InfoHandler, logger *zap.Logger) *Server {
	return &Server{
		orderHandler:  orderHandler,
		marketHandler: marketHandler,
		infoHandler:   infoHandler,
		logger:        logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.server.Handler = s.setupRoutes()

	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()

	// Orders: reads come from the projection, writes go to the ledger
	api.HandleFunc("/orders", s.orderHandler.ListOrders).Methods("GET")
	api.HandleFunc("/orders", s.orderHandler.CreateOrder).Methods("POST")
	api.HandleFunc("/orders/{order_id}", s.orderHandler.GetOrder).Methods("GET")
	api.HandleFunc("/orders/{order_id}/lock", s.orderHandler.LockOrder).Methods("POST")
	api.HandleFunc("/orders/{order_id}/attest", s.orderHandler.AttestPayment).Methods("POST")
	api.HandleFunc("/orders/{order_id}/release", s.orderHandler.ReleaseOrder).Methods("POST")
	api.HandleFunc("/orders/{order_id}/cancel", s.orderHandler.CancelOrder).Methods("POST")
	api.HandleFunc("/orders/{order_id}/reclaim", s.orderHandler.ReclaimCollateral).Methods("POST")
	api.HandleFunc("/orders/{order_id}/claim", s.orderHandler.ClaimOrder).Methods("POST")
	api.HandleFunc("/orders/{order_id}/confirm", s.orderHandler.ConfirmSettlement).Methods("POST")
	api.HandleFunc("/orders/{order_id}/refund", s.orderHandler.RefundOrder).Methods("POST")
	api.HandleFunc("/orders/{order_id}/dispute", s.orderHandler.RaiseDispute).Methods("POST")
	api.HandleFunc("/orders/{order_id}/resolve", s.orderHandler.ResolveDispute).Methods("POST")

	// Liquidity providers
	api.HandleFunc("/lps/register", s.marketHandler.RegisterLP).Methods("POST")
	api.HandleFunc("/lps/stake", s.marketHandler.AddStake).Methods("POST")
	api.HandleFunc("/lps/unstake", s.marketHandler.Unstake).Methods("POST")
	api.HandleFunc("/lps/exit", s.marketHandler.ExitLP).Methods("POST")
	api.HandleFunc("/lps/{lp_address}", s.marketHandler.GetLP).Methods("GET")
	api.HandleFunc("/lps/{lp_address}/slash", s.marketHandler.SlashLP).Methods("POST")

	// Rates
	api.HandleFunc("/rates/{currency}", s.marketHandler.GetRate).Methods("GET")
	api.HandleFunc("/rates/{currency}", s.marketHandler.UpdateRate).Methods("POST")

	// Live custody totals
	api.HandleFunc("/info", s.infoHandler.GetInfo).Methods("GET")

	api.HandleFunc("/health", s.healthCheck).Methods("GET")

	return router
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("HTTP request failed", fields...)
			return
		}
		s.logger.Debug("HTTP request", fields...)
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode health check response", zap.Error(err))
	}
}

// responder carries the JSON helpers shared by every handler.
type responder struct {
	logger *zap.Logger
}

// writeJSONResponse writes a JSON response with the specified status code
func (h responder) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeEngineError reports an error returned by the engine with the status
// its kind maps to.
func (h responder) writeEngineError(w http.ResponseWriter, op string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Operation failed", zap.String("operation", op), zap.Error(err))
	} else {
		h.logger.Info("Operation rejected", zap.String("operation", op), zap.Error(err))
	}
	h.writeErrorResponse(w, status, code, err.Error())
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func (h responder) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return false
	}
	return true
}

// writeErrorResponse writes an error response
func (h responder) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
