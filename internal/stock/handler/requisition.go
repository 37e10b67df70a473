package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// RequisitionHandler exposes the requisition lifecycle endpoints
type RequisitionHandler struct {
	service *service.RequisitionService
	logger  *logger.Logger
}

// NewRequisitionHandler creates a new requisition handler
func NewRequisitionHandler(svc *service.RequisitionService, log *logger.Logger) *RequisitionHandler {
	return &RequisitionHandler{
		service: svc,
		logger:  log.WithComponent("requisition-handler"),
	}
}

// RegisterRoutes registers requisition routes on the router
func (h *RequisitionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/requisitions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{requisitionID}", h.Get)
		r.Post("/{requisitionID}/submit", h.Submit)
		r.Post("/{requisitionID}/review", h.StartReview)
		r.Post("/{requisitionID}/approve", h.Approve)
		r.Post("/{requisitionID}/reject", h.Reject)
		r.Post("/{requisitionID}/cancel", h.Cancel)
	})
}

// transitionRequest is the shared body for simple status transitions
type transitionRequest struct {
	Comments *string `json:"comments,omitempty"`
}

// Create handles POST /requisitions
func (h *RequisitionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input service.CreateRequisitionInput
	if err := httputil.DecodeJSON(r, &input); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&input); err != nil {
		httputil.Error(w, err)
		return
	}

	detail, err := h.service.Create(r.Context(), &input)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, detail)
}

// List handles GET /requisitions?status=
func (h *RequisitionHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)
	status := r.URL.Query().Get("status")

	reqs, total, err := h.service.List(r.Context(), status, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, reqs, &httputil.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages(total, perPage),
	})
}

// Get handles GET /requisitions/{requisitionID}
func (h *RequisitionHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Get(r.Context(), chi.URLParam(r, "requisitionID"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, detail)
}

// Submit handles POST /requisitions/{requisitionID}/submit
func (h *RequisitionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.service.Submit)
}

// StartReview handles POST /requisitions/{requisitionID}/review
func (h *RequisitionHandler) StartReview(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.service.StartReview)
}

// Reject handles POST /requisitions/{requisitionID}/reject
func (h *RequisitionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.service.Reject)
}

// Cancel handles POST /requisitions/{requisitionID}/cancel
func (h *RequisitionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, h.service.Cancel)
}

// Approve handles POST /requisitions/{requisitionID}/approve
func (h *RequisitionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var input service.ApproveInput
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &input); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := httputil.Validate(&input); err != nil {
			httputil.Error(w, err)
			return
		}
	}

	req, err := h.service.Approve(r.Context(), chi.URLParam(r, "requisitionID"), &input)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, req)
}

func (h *RequisitionHandler) simpleTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string, comments *string) (*repository.Requisition, error)) {
	var body transitionRequest
	if r.ContentLength > 0 {
		if err := httputil.DecodeJSON(r, &body); err != nil {
			httputil.Error(w, err)
			return
		}
	}

	req, err := fn(r.Context(), chi.URLParam(r, "requisitionID"), body.Comments)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, req)
}
