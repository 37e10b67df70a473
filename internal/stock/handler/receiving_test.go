package handler_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/handler"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// newRouter wires the receiving routes with an unbacked service. Requests in
// these tests must fail validation before any dependency is touched.
func newRouter() chi.Router {
	log := logger.New("test", "test")
	h := handler.NewReceivingHandler(&service.ReceivingService{}, log)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestReceiveRejectsInvalidJSON(t *testing.T) {
	r := newRouter()

	req := httptest.NewRequest(http.MethodPost, "/receiving", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "BAD_REQUEST")
}

func TestReceiveRejectsMissingFields(t *testing.T) {
	r := newRouter()

	req := httptest.NewRequest(http.MethodPost, "/receiving", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "VALIDATION_ERROR")
	assert.Contains(t, body, "requisition_item_id")
	assert.Contains(t, body, "quantity_received")
	assert.Contains(t, body, "batch_number")
}

func TestReceiveRejectsNonPositiveQuantity(t *testing.T) {
	r := newRouter()

	body := `{
		"requisition_item_id": "e58ed763-928c-4155-bee9-fdbaaadc15f3",
		"quantity_received": -5,
		"batch_number": "LOT-1",
		"expiry_date": "2027-01-01T00:00:00Z"
	}`
	req := httptest.NewRequest(http.MethodPost, "/receiving", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "quantity_received")
}
