package service_test

import (
	"context"
	"flag"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
)

const (
	testHospital   = "aaaaaaaa-0000-0000-0000-000000000001"
	testWarehouse  = "bbbbbbbb-0000-0000-0000-000000000001"
	testDepartment = "dddddddd-0000-0000-0000-000000000001"
	testDrug       = "cccccccc-0000-0000-0000-000000000001"
)

var (
	suite     *testutil.IntegrationSuite
	suiteOnce sync.Once
	suiteErr  error
)

func TestMain(m *testing.M) {
	flag.Parse()
	code := m.Run()
	testutil.TerminateContainer(context.Background())
	os.Exit(code)
}

func getSuite(t *testing.T) *testutil.IntegrationSuite {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test, skipped in short mode")
	}
	suiteOnce.Do(func() {
		suite, suiteErr = testutil.NewIntegrationSuite(context.Background())
	})
	if suiteErr != nil {
		t.Fatalf("failed to set up integration suite: %v", suiteErr)
	}
	return suite
}

type fixture struct {
	receiving   *service.ReceivingService
	requisition *service.RequisitionService
	stock       *service.StockService
	reqRepo     *repository.RequisitionRepository
	cardRepo    *repository.StockCardRepository
	batchRepo   *repository.BatchRepository
	txRepo      *repository.TransactionRepository
}

func newFixture(t *testing.T, s *testutil.IntegrationSuite) *fixture {
	t.Helper()

	cardRepo := repository.NewStockCardRepository(s.DB)
	batchRepo := repository.NewBatchRepository(s.DB)
	txRepo := repository.NewTransactionRepository(s.DB)
	reqRepo := repository.NewRequisitionRepository(s.DB)
	auditRepo := repository.NewAuditTrailRepository(s.DB)

	audit := service.NewAuditService(auditRepo, s.Logger)
	defaults := repository.CardDefaults{MinStock: 10, MaxStock: 500, ReorderPoint: 20}

	return &fixture{
		receiving:   service.NewReceivingService(s.DB, cardRepo, batchRepo, txRepo, reqRepo, audit, nil, defaults, s.Logger),
		requisition: service.NewRequisitionService(s.DB, reqRepo, audit, s.Logger),
		stock:       service.NewStockService(cardRepo, batchRepo, txRepo, s.Logger),
		reqRepo:     reqRepo,
		cardRepo:    cardRepo,
		batchRepo:   batchRepo,
		txRepo:      txRepo,
	}
}

// seedApprovedRequisition persists an APPROVED requisition with one item per
// approved quantity given
func seedApprovedRequisition(t *testing.T, s *testutil.IntegrationSuite, f *fixture, approvedQtys ...int) (*repository.Requisition, []*repository.RequisitionItem) {
	t.Helper()
	ctx := context.Background()

	req := &repository.Requisition{
		HospitalID:             testHospital,
		RequisitionType:        repository.ReqTypeRegular,
		Priority:               repository.PriorityNormal,
		DepartmentID:           testDepartment,
		FulfillmentWarehouseID: testWarehouse,
		Status:                 repository.ReqStatusApproved,
	}

	items := make([]*repository.RequisitionItem, 0, len(approvedQtys))
	for _, qty := range approvedQtys {
		items = append(items, &repository.RequisitionItem{
			DrugID:       testDrug,
			RequestedQty: qty,
			ApprovedQty:  qty,
			UnitCost:     decimal.RequireFromString("2.00"),
		})
	}

	err := s.DB.Transaction(ctx, func(tx *sqlx.Tx) error {
		number, err := f.reqRepo.NextRequisitionNumber(ctx, tx, testHospital, repository.ReqTypeRegular)
		if err != nil {
			return err
		}
		req.RequisitionNumber = number
		return f.reqRepo.Create(ctx, tx, req, items)
	})
	require.NoError(t, err)

	return req, items
}

func receiveInput(itemID string, qty int) *service.ReceiveInput {
	return &service.ReceiveInput{
		RequisitionItemID: itemID,
		QuantityReceived:  qty,
		BatchNumber:       "LOT-2026-001",
		ExpiryDate:        time.Now().UTC().AddDate(1, 0, 0).Truncate(24 * time.Hour),
	}
}

func TestReceiveStockExactFulfillment(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	req, items := seedApprovedRequisition(t, s, f, 100)

	result, err := f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 100))
	require.NoError(t, err)

	assert.Equal(t, repository.TxTypeReceive, result.Transaction.TransactionType)
	assert.Equal(t, 0, result.Transaction.StockBefore)
	assert.Equal(t, 100, result.Transaction.StockAfter)
	assert.True(t, result.Transaction.TotalCost.Equal(decimal.RequireFromString("200.00")))

	assert.Equal(t, 100, result.StockCard.CurrentStock)
	assert.Equal(t, 100, result.Batch.CurrentQty)
	assert.Equal(t, repository.ItemStatusCompleted, result.Item.Status)
	assert.Equal(t, repository.ReqStatusCompleted, result.Requisition.Status)
	assert.NotNil(t, result.Requisition.FulfilledDate)
	assert.Nil(t, result.Emergency)

	// completion leaves a workflow record
	workflow, err := f.reqRepo.ListWorkflow(ctx, req.ID)
	require.NoError(t, err)
	require.NotEmpty(t, workflow)
	last := workflow[len(workflow)-1]
	assert.Equal(t, repository.WorkflowActionComplete, last.Action)
	assert.Equal(t, repository.ReqStatusCompleted, last.ToStatus)
}

func TestReceiveStockPartialCreatesEmergency(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 100)

	input := receiveInput(items[0].ID, 30)
	input.CreateEmergencyRequisition = true

	result, err := f.receiving.ReceiveStock(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, repository.ItemStatusPartiallyFilled, result.Item.Status)
	assert.Equal(t, repository.ReqStatusPartiallyFilled, result.Requisition.Status)
	assert.Equal(t, 70, result.Item.RemainingQty())

	require.NotNil(t, result.Emergency)
	assert.True(t, strings.HasPrefix(result.Emergency.RequisitionNumber, "EMR-"),
		"emergency number should carry the EMR prefix, got %s", result.Emergency.RequisitionNumber)
	assert.Equal(t, repository.ReqTypeEmergency, result.Emergency.RequisitionType)
	assert.Equal(t, repository.PriorityHigh, result.Emergency.Priority)
	assert.Equal(t, repository.ReqStatusSubmitted, result.Emergency.Status)

	emergencyItems, err := f.reqRepo.ListItems(ctx, result.Emergency.ID)
	require.NoError(t, err)
	require.Len(t, emergencyItems, 1)
	assert.Equal(t, 70, emergencyItems[0].RequestedQty)
	assert.Equal(t, testDrug, emergencyItems[0].DrugID)
}

func TestReceiveStockPartialThenComplete(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 100)

	first, err := f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 40))
	require.NoError(t, err)
	assert.Equal(t, repository.ReqStatusPartiallyFilled, first.Requisition.Status)

	second, err := f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 60))
	require.NoError(t, err)

	assert.Equal(t, 40, second.Transaction.StockBefore)
	assert.Equal(t, 100, second.Transaction.StockAfter)
	assert.Equal(t, repository.ItemStatusCompleted, second.Item.Status)
	assert.Equal(t, repository.ReqStatusCompleted, second.Requisition.Status)

	// both receipts land on the same lot
	assert.Equal(t, first.Batch.ID, second.Batch.ID)
	assert.Equal(t, 100, second.Batch.CurrentQty)
	assert.Equal(t, 40, second.Batch.InitialQty)
}

func TestReceiveStockOverDelivery(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 100)

	input := receiveInput(items[0].ID, 150)
	input.CreateEmergencyRequisition = true

	result, err := f.receiving.ReceiveStock(ctx, input)
	require.NoError(t, err)

	// the full delivered quantity is booked in, the item just completes
	assert.Equal(t, 150, result.StockCard.CurrentStock)
	assert.Equal(t, 150, result.Item.FulfilledQty)
	assert.Equal(t, repository.ItemStatusCompleted, result.Item.Status)
	assert.Equal(t, 0, result.Item.RemainingQty())
	assert.Nil(t, result.Emergency, "no shortfall, no emergency requisition")
}

func TestReceiveStockRejectsClosedRequisition(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 50)

	_, err := f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 50))
	require.NoError(t, err)

	// the requisition completed above; further receipts must be refused
	_, err = f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 10))
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)
}

func TestReceiveStockUnknownItem(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, err := f.receiving.ReceiveStock(ctx, receiveInput("eeeeeeee-0000-0000-0000-000000000099", 10))
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)

	// the failed receipt must leave nothing behind
	var cardCount, txnCount int
	require.NoError(t, s.DB.GetContext(ctx, &cardCount, `SELECT COUNT(*) FROM stock_cards`))
	require.NoError(t, s.DB.GetContext(ctx, &txnCount, `SELECT COUNT(*) FROM stock_transactions`))
	assert.Zero(t, cardCount)
	assert.Zero(t, txnCount)
}

func TestReceiveStockValidatesInput(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 50)

	_, err := f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 0))
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)

	input := receiveInput(items[0].ID, 10)
	input.BatchNumber = ""
	_, err = f.receiving.ReceiveStock(ctx, input)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
}

func TestReceiveStockHospitalScope(t *testing.T) {
	s := getSuite(t)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 50)

	// a caller from another hospital cannot see the item
	otherCtx := testutil.ActorContext("aaaaaaaa-0000-0000-0000-000000000099")
	_, err := f.receiving.ReceiveStock(otherCtx, receiveInput(items[0].ID, 10))
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestReceiveStockConcurrentReceipts(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	// two items for the same drug so both receipts contend on one card
	req, items := seedApprovedRequisition(t, s, f, 60, 40)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, item := range items {
		wg.Add(1)
		go func(i int, itemID string, qty int) {
			defer wg.Done()
			_, errs[i] = f.receiving.ReceiveStock(ctx, receiveInput(itemID, qty))
		}(i, item.ID, items[i].ApprovedQty)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	card, err := f.cardRepo.GetByScope(ctx, testHospital, testWarehouse, testDrug)
	require.NoError(t, err)
	assert.Equal(t, 100, card.CurrentStock, "no receipt may be lost under concurrency")

	updated, err := f.reqRepo.GetByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ReqStatusCompleted, updated.Status)

	// the ledger carries a contiguous before/after chain
	txns, total, err := f.txRepo.ListByCard(ctx, card.ID, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	seen := map[int]bool{}
	for _, txn := range txns {
		seen[txn.StockBefore] = true
	}
	assert.True(t, seen[0] && seen[40] || seen[0] && seen[60],
		"transactions must serialize, got %+v", seen)
}

func TestReceiveStockConcurrentFirstReceiptsShareOneCard(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	// separate requisitions so the receipts do not serialize on a requisition
	// row lock, racing on the lazy creation of the drug's card instead
	_, itemsA := seedApprovedRequisition(t, s, f, 30)
	_, itemsB := seedApprovedRequisition(t, s, f, 50)

	inputs := []*service.ReceiveInput{
		receiveInput(itemsA[0].ID, 30),
		receiveInput(itemsB[0].ID, 50),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(inputs))
	for i, input := range inputs {
		wg.Add(1)
		go func(i int, input *service.ReceiveInput) {
			defer wg.Done()
			_, errs[i] = f.receiving.ReceiveStock(ctx, input)
		}(i, input)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	cards, err := f.cardRepo.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, cards, 1, "both first receipts must land on one card")
	assert.Equal(t, 80, cards[0].CurrentStock)
}
