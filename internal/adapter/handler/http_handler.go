package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

const idempotencyKeyHeader = "Idempotency-Key"

type HTTPHandler struct {
	purchaseService *service.PurchaseService
	logger          *zap.Logger
	requestTimeout  time.Duration
}

type PurchaseHTTPRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type ErrorHTTPResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type CancelHTTPResponse struct {
	ID     int64                 `json:"id"`
	Status domain.PurchaseStatus `json:"status"`
}

func NewHTTPHandler(purchaseService *service.PurchaseService, logger *zap.Logger, requestTimeout time.Duration) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		purchaseService: purchaseService,
		logger:          logger,
		requestTimeout:  requestTimeout,
	}
}

// Routes returns the API mux wrapped in the request middleware.
func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("GET /api/purchases", h.ListPurchases)
	mux.HandleFunc("POST /api/purchases", h.Purchase)
	mux.HandleFunc("PUT /api/purchases/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/summary", h.Summary)

	var handler http.Handler = mux
	handler = WithTimeout(h.requestTimeout)(handler)
	handler = WithLogging(h.logger)(handler)
	handler = WithRequestID(handler)
	return handler
}

func (h *HTTPHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.purchaseService.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *HTTPHandler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.purchaseService.ListPurchases(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchases)
}

func (h *HTTPHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{
			Error:   "invalid_input",
			Message: "invalid request body",
		})
		return
	}

	var (
		purchase domain.Purchase
		err      error
	)
	if key := r.Header.Get(idempotencyKeyHeader); key != "" {
		purchase, err = h.purchaseService.CreatePurchaseOnce(r.Context(), key, req.ProductID, req.Quantity)
	} else {
		purchase, err = h.purchaseService.CreatePurchase(r.Context(), req.ProductID, req.Quantity)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, purchase)
}

func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{
			Error:   "invalid_input",
			Message: "purchase id must be an integer",
		})
		return
	}

	if err := h.purchaseService.CancelPurchase(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CancelHTTPResponse{ID: id, Status: domain.PurchaseStatusCancelled})
}

func (h *HTTPHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.purchaseService.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httpStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError && code == "internal" {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		message = "internal error"
	}
	writeJSON(w, status, ErrorHTTPResponse{Error: code, Message: message})
}

func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, domain.ErrPurchaseNotFoundOrAlreadyCancelled):
		return http.StatusNotFound, "purchase_not_found"
	case errors.Is(err, domain.ErrReconciliationFailure):
		return http.StatusInternalServerError, "reconciliation_pending"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
