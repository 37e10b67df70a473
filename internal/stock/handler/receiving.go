package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// ReceivingHandler exposes the receipt endpoint
type ReceivingHandler struct {
	service *service.ReceivingService
	logger  *logger.Logger
}

// NewReceivingHandler creates a new receiving handler
func NewReceivingHandler(svc *service.ReceivingService, log *logger.Logger) *ReceivingHandler {
	return &ReceivingHandler{
		service: svc,
		logger:  log.WithComponent("receiving-handler"),
	}
}

// RegisterRoutes registers receiving routes on the router
func (h *ReceivingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/receiving", h.Receive)
	r.Get("/receiving/items/{itemID}/history", h.History)
}

// Receive handles POST /receiving
func (h *ReceivingHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var input service.ReceiveInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&input); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.service.ReceiveStock(r.Context(), &input)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// History handles GET /receiving/items/{itemID}/history
func (h *ReceivingHandler) History(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	transactions, err := h.service.ReceiptHistory(r.Context(), itemID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, transactions)
}
