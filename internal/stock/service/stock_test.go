package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
)

func newReconciliation(s *testutil.IntegrationSuite) *service.ReconciliationService {
	cardRepo := repository.NewStockCardRepository(s.DB)
	batchRepo := repository.NewBatchRepository(s.DB)
	return service.NewReconciliationService(cardRepo, batchRepo, s.Logger)
}

func TestStockCardViewOrdersBatchesByExpiry(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 100)

	early := receiveInput(items[0].ID, 30)
	early.BatchNumber = "LOT-EARLY"
	early.ExpiryDate = time.Now().UTC().AddDate(0, 2, 0).Truncate(24 * time.Hour)
	_, err := f.receiving.ReceiveStock(ctx, early)
	require.NoError(t, err)

	late := receiveInput(items[0].ID, 70)
	late.BatchNumber = "LOT-LATE"
	late.ExpiryDate = time.Now().UTC().AddDate(2, 0, 0).Truncate(24 * time.Hour)
	_, err = f.receiving.ReceiveStock(ctx, late)
	require.NoError(t, err)

	view, err := f.stock.GetCardByScope(ctx, testWarehouse, testDrug)
	require.NoError(t, err)

	assert.Equal(t, 100, view.CurrentStock)
	require.Len(t, view.Batches, 2)
	assert.Equal(t, "LOT-EARLY", view.Batches[0].BatchNumber)
	assert.Equal(t, "LOT-LATE", view.Batches[1].BatchNumber)
}

func TestStockLowStockListing(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 15)

	// 15 units against a reorder point of 20 trips the alert
	result, err := f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 15))
	require.NoError(t, err)
	assert.True(t, result.StockCard.LowStockAlert())

	low, err := f.stock.ListLowStock(ctx)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, result.StockCard.ID, low[0].ID)
}

func TestReconciliationDetectsDrift(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)
	recon := newReconciliation(s)

	_, items := seedApprovedRequisition(t, s, f, 50)
	result, err := f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 50))
	require.NoError(t, err)

	// a clean receipt reconciles
	discrepancies, err := recon.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, discrepancies)

	// simulate a batch row drifting away from the card
	_, err = s.RawDB.ExecContext(context.Background(),
		`UPDATE stock_batches SET current_qty = current_qty - 5 WHERE stock_card_id = $1`, result.StockCard.ID)
	require.NoError(t, err)

	discrepancies, err = recon.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)
	assert.Equal(t, result.StockCard.ID, discrepancies[0].StockCardID)
	assert.Equal(t, 50, discrepancies[0].CardStock)
	assert.Equal(t, 45, discrepancies[0].BatchStock)
	assert.Equal(t, 5, discrepancies[0].Difference)
}

func TestAuditTrailWrittenAfterReceipt(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 50)
	_, err := f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 50))
	require.NoError(t, err)

	auditRepo := repository.NewAuditTrailRepository(s.DB)
	entries, total, err := auditRepo.ListByEntity(ctx, "requisition_item", items[0].ID, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "RECEIVE_STOCK", entries[0].Action)
	assert.NotNil(t, entries[0].NewValues)
}
