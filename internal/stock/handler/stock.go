package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// StockHandler exposes the stock read models and the reconciliation check
type StockHandler struct {
	service        *service.StockService
	reconciliation *service.ReconciliationService
	audit          *service.AuditService
	logger         *logger.Logger
}

// NewStockHandler creates a new stock handler
func NewStockHandler(svc *service.StockService, recon *service.ReconciliationService, audit *service.AuditService, log *logger.Logger) *StockHandler {
	return &StockHandler{
		service:        svc,
		reconciliation: recon,
		audit:          audit,
		logger:         log.WithComponent("stock-handler"),
	}
}

// RegisterRoutes registers stock routes on the router
func (h *StockHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stock/cards", h.GetCardByScope)
	r.Get("/stock/cards/{cardID}", h.GetCard)
	r.Get("/stock/cards/{cardID}/transactions", h.ListTransactions)
	r.Get("/stock/warehouses/{warehouseID}/cards", h.ListByWarehouse)
	r.Get("/stock/warehouse-counts", h.WarehouseCounts)
	r.Get("/stock/low-stock", h.ListLowStock)
	r.Get("/stock/expiring", h.ListExpiring)
	r.Get("/stock/reconciliation", h.RunReconciliation)
	r.Get("/audit/{entityType}/{entityID}", h.ListAudit)
}

// GetCard handles GET /stock/cards/{cardID}
func (h *StockHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetCard(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, view)
}

// GetCardByScope handles GET /stock/cards?warehouse_id=&drug_id=
func (h *StockHandler) GetCardByScope(w http.ResponseWriter, r *http.Request) {
	warehouseID := r.URL.Query().Get("warehouse_id")
	drugID := r.URL.Query().Get("drug_id")
	if warehouseID == "" || drugID == "" {
		httputil.Error(w, errors.BadRequest("warehouse_id and drug_id are required"))
		return
	}

	view, err := h.service.GetCardByScope(r.Context(), warehouseID, drugID)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, view)
}

// ListTransactions handles GET /stock/cards/{cardID}/transactions
func (h *StockHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)

	transactions, total, err := h.service.ListTransactions(r.Context(), chi.URLParam(r, "cardID"), page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, transactions, &httputil.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages(total, perPage),
	})
}

// ListByWarehouse handles GET /stock/warehouses/{warehouseID}/cards
func (h *StockHandler) ListByWarehouse(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)

	cards, total, err := h.service.ListByWarehouse(r.Context(), chi.URLParam(r, "warehouseID"), page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, cards, &httputil.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages(total, perPage),
	})
}

// WarehouseCounts handles GET /stock/warehouse-counts
func (h *StockHandler) WarehouseCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.WarehouseCounts(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, counts)
}

// ListLowStock handles GET /stock/low-stock
func (h *StockHandler) ListLowStock(w http.ResponseWriter, r *http.Request) {
	cards, err := h.service.ListLowStock(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, cards)
}

// ListExpiring handles GET /stock/expiring?within_days=
func (h *StockHandler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	withinDays, _ := strconv.Atoi(r.URL.Query().Get("within_days"))

	batches, err := h.service.ListExpiring(r.Context(), withinDays)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, batches)
}

// RunReconciliation handles GET /stock/reconciliation
func (h *StockHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	discrepancies, err := h.reconciliation.Run(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if discrepancies == nil {
		discrepancies = []*service.Discrepancy{}
	}
	httputil.JSON(w, http.StatusOK, discrepancies)
}

// ListAudit handles GET /audit/{entityType}/{entityID}
func (h *StockHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)

	entries, total, err := h.audit.ListByEntity(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"), page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, entries, &httputil.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages(total, perPage),
	})
}
