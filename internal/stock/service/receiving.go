package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// receiptRetryAttempts bounds how often a receipt transaction is replayed
// after a serialization failure or deadlock before surfacing a conflict.
const receiptRetryAttempts = 3

// ReceiveInput is the contract for one receipt event against an open
// requisition item.
type ReceiveInput struct {
	RequisitionItemID          string     `json:"requisition_item_id" validate:"required,uuid"`
	QuantityReceived           int        `json:"quantity_received" validate:"required,gt=0"`
	BatchNumber                string     `json:"batch_number" validate:"required,max=100"`
	ExpiryDate                 time.Time  `json:"expiry_date" validate:"required"`
	ManufacturingDate          *time.Time `json:"manufacturing_date,omitempty"`
	SupplierID                 *string    `json:"supplier_id,omitempty"`
	Notes                      *string    `json:"notes,omitempty"`
	CreateEmergencyRequisition bool       `json:"create_emergency_requisition,omitempty"`
}

// ReceiveResult is the state produced by one committed receipt.
type ReceiveResult struct {
	Transaction *repository.StockTransaction `json:"transaction"`
	StockCard   *repository.StockCard        `json:"stock_card"`
	Batch       *repository.StockBatch       `json:"batch"`
	Item        *repository.RequisitionItem  `json:"item"`
	Requisition *repository.Requisition      `json:"requisition"`
	Emergency   *repository.Requisition      `json:"emergency_requisition,omitempty"`

	emergencyItem *repository.RequisitionItem
}

// ReceivingService runs the receipt transaction: stock card, batch, ledger,
// requisition item, requisition, workflow and optional emergency requisition
// all commit or roll back as one unit. Audit entries and events follow the
// commit and are best-effort.
type ReceivingService struct {
	db        *database.DB
	cardRepo  *repository.StockCardRepository
	batchRepo *repository.BatchRepository
	txRepo    *repository.TransactionRepository
	reqRepo   *repository.RequisitionRepository
	audit     *AuditService
	publisher *events.StockEventPublisher
	defaults  repository.CardDefaults
	logger    *logger.Logger
}

// NewReceivingService creates a new receiving service
func NewReceivingService(
	db *database.DB,
	cardRepo *repository.StockCardRepository,
	batchRepo *repository.BatchRepository,
	txRepo *repository.TransactionRepository,
	reqRepo *repository.RequisitionRepository,
	audit *AuditService,
	publisher *events.StockEventPublisher,
	defaults repository.CardDefaults,
	log *logger.Logger,
) *ReceivingService {
	return &ReceivingService{
		db:        db,
		cardRepo:  cardRepo,
		batchRepo: batchRepo,
		txRepo:    txRepo,
		reqRepo:   reqRepo,
		audit:     audit,
		publisher: publisher,
		defaults:  defaults,
		logger:    log.WithComponent("receiving"),
	}
}

// ReceiveStock reconciles an incoming shipment against an open requisition
// item. On success it returns the created RECEIVE transaction together with
// the updated read model. Any failure inside the transaction leaves no
// partial state.
func (s *ReceivingService) ReceiveStock(ctx context.Context, input *ReceiveInput) (*ReceiveResult, error) {
	if input.QuantityReceived <= 0 {
		return nil, errors.Validation(map[string]string{
			"quantity_received": "must be greater than zero",
		})
	}
	if input.BatchNumber == "" {
		return nil, errors.Validation(map[string]string{
			"batch_number": "this field is required",
		})
	}
	if input.ExpiryDate.IsZero() {
		return nil, errors.Validation(map[string]string{
			"expiry_date": "this field is required",
		})
	}

	hospitalID := actor.HospitalID(ctx)
	if hospitalID == "" {
		return nil, errors.Forbidden("missing hospital scope")
	}
	performedBy := actor.UserID(ctx)

	var result *ReceiveResult
	var itemBefore repository.RequisitionItem

	err := s.db.TransactionWithRetry(ctx, receiptRetryAttempts, func(tx *sqlx.Tx) error {
		res, before, err := s.receiveTx(ctx, tx, input, hospitalID, performedBy)
		if err != nil {
			return err
		}
		result = res
		itemBefore = before
		return nil
	})
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return nil, appErr
		}
		if database.IsRetryable(err) {
			return nil, errors.Conflict("concurrent stock update, please retry")
		}
		return nil, err
	}

	s.afterCommit(ctx, result, &itemBefore)

	return result, nil
}

// receiveTx is the transactional body of a receipt. Lock order is fixed:
// requisition item, requisition, stock card. The batch row is locked by its
// upsert.
func (s *ReceivingService) receiveTx(ctx context.Context, tx *sqlx.Tx, input *ReceiveInput, hospitalID, performedBy string) (*ReceiveResult, repository.RequisitionItem, error) {
	var before repository.RequisitionItem

	item, err := s.reqRepo.GetItemForUpdate(ctx, tx, input.RequisitionItemID)
	if err != nil {
		return nil, before, err
	}
	before = *item

	req, err := s.reqRepo.GetForUpdate(ctx, tx, item.RequisitionID)
	if err != nil {
		return nil, before, err
	}
	if req.HospitalID != hospitalID {
		return nil, before, errors.NotFound("requisition item")
	}
	if req.Status != repository.ReqStatusApproved && req.Status != repository.ReqStatusPartiallyFilled {
		return nil, before, errors.Conflict(fmt.Sprintf("requisition %s is not open for receiving (status %s)", req.RequisitionNumber, req.Status))
	}

	card, err := s.cardRepo.GetOrCreateForUpdate(ctx, tx, hospitalID, req.FulfillmentWarehouseID, item.DrugID, s.defaults)
	if err != nil {
		return nil, before, err
	}

	stockBefore := card.CurrentStock
	release := input.QuantityReceived
	if outstanding := item.RemainingQty(); release > outstanding {
		release = outstanding
	}

	if err := s.cardRepo.ApplyDelta(ctx, tx, card, input.QuantityReceived, item.UnitCost, release); err != nil {
		return nil, before, err
	}

	batch := &repository.StockBatch{
		StockCardID:       card.ID,
		BatchNumber:       input.BatchNumber,
		ExpiryDate:        input.ExpiryDate,
		ManufacturingDate: input.ManufacturingDate,
		SupplierID:        input.SupplierID,
	}
	if err := s.batchRepo.Upsert(ctx, tx, batch, input.QuantityReceived); err != nil {
		return nil, before, err
	}

	txn := &repository.StockTransaction{
		HospitalID:        hospitalID,
		TransactionType:   repository.TxTypeReceive,
		WarehouseID:       card.WarehouseID,
		DrugID:            card.DrugID,
		StockCardID:       card.ID,
		BatchID:           &batch.ID,
		Quantity:          input.QuantityReceived,
		StockBefore:       stockBefore,
		StockAfter:        card.CurrentStock,
		UnitCost:          item.UnitCost,
		PerformedBy:       performedBy,
		ReferenceDocument: &req.RequisitionNumber,
		ReferenceID:       &item.ID,
		Notes:             input.Notes,
	}
	if err := s.txRepo.Record(ctx, tx, txn); err != nil {
		return nil, before, err
	}

	item.FulfilledQty += input.QuantityReceived
	if item.FulfilledQty >= item.ApprovedQty {
		item.Status = repository.ItemStatusCompleted
	} else {
		item.Status = repository.ItemStatusPartiallyFilled
	}
	if err := s.reqRepo.UpdateItemFulfillment(ctx, tx, item); err != nil {
		return nil, before, err
	}

	if err := s.advanceRequisition(ctx, tx, req, performedBy); err != nil {
		return nil, before, err
	}

	result := &ReceiveResult{
		Transaction: txn,
		StockCard:   card,
		Batch:       batch,
		Item:        item,
		Requisition: req,
	}

	if remaining := item.RemainingQty(); remaining > 0 && input.CreateEmergencyRequisition {
		emergency, emergencyItem, err := s.createEmergencyRequisition(ctx, tx, req, item, remaining, performedBy)
		if err != nil {
			return nil, before, err
		}
		result.Emergency = emergency
		result.emergencyItem = emergencyItem
	}

	return result, before, nil
}

// advanceRequisition recomputes the requisition status from its items after
// a fulfillment advance, appending the matching workflow record.
func (s *ReceivingService) advanceRequisition(ctx context.Context, tx *sqlx.Tx, req *repository.Requisition, performedBy string) error {
	items, err := s.reqRepo.ListItemsTx(ctx, tx, req.ID)
	if err != nil {
		return err
	}

	allCompleted := true
	anyFulfilled := false
	for _, it := range items {
		if it.FulfilledQty < it.ApprovedQty {
			allCompleted = false
		}
		if it.FulfilledQty > 0 {
			anyFulfilled = true
		}
	}

	switch {
	case allCompleted:
		fromStatus := req.Status
		if err := s.reqRepo.UpdateStatus(ctx, tx, req, repository.ReqStatusCompleted); err != nil {
			return err
		}
		return s.reqRepo.AppendWorkflow(ctx, tx, &repository.WorkflowRecord{
			RequisitionID: req.ID,
			Action:        repository.WorkflowActionComplete,
			FromStatus:    &fromStatus,
			ToStatus:      repository.ReqStatusCompleted,
			UserID:        performedBy,
		})

	case anyFulfilled && req.Status != repository.ReqStatusPartiallyFilled:
		fromStatus := req.Status
		if err := s.reqRepo.UpdateStatus(ctx, tx, req, repository.ReqStatusPartiallyFilled); err != nil {
			return err
		}
		return s.reqRepo.AppendWorkflow(ctx, tx, &repository.WorkflowRecord{
			RequisitionID: req.ID,
			Action:        repository.WorkflowActionFulfill,
			FromStatus:    &fromStatus,
			ToStatus:      repository.ReqStatusPartiallyFilled,
			UserID:        performedBy,
		})
	}

	return nil
}

// createEmergencyRequisition spawns a new HIGH priority requisition covering
// the shortfall. Deliberately not deduplicated: a retried receipt with the
// flag set creates another one, and dedup is the caller's responsibility.
func (s *ReceivingService) createEmergencyRequisition(ctx context.Context, tx *sqlx.Tx, origin *repository.Requisition, item *repository.RequisitionItem, remaining int, performedBy string) (*repository.Requisition, *repository.RequisitionItem, error) {
	number, err := s.reqRepo.NextRequisitionNumber(ctx, tx, origin.HospitalID, repository.ReqTypeEmergency)
	if err != nil {
		return nil, nil, err
	}

	notes := fmt.Sprintf("Automatic replenishment for shortfall on requisition %s", origin.RequisitionNumber)
	emergency := &repository.Requisition{
		HospitalID:             origin.HospitalID,
		RequisitionNumber:      number,
		RequisitionType:        repository.ReqTypeEmergency,
		Priority:               repository.PriorityHigh,
		DepartmentID:           origin.DepartmentID,
		FulfillmentWarehouseID: origin.FulfillmentWarehouseID,
		Status:                 repository.ReqStatusSubmitted,
		Notes:                  &notes,
		RequestedBy:            &performedBy,
	}

	itemNotes := fmt.Sprintf("Shortfall of %d from requisition %s", remaining, origin.RequisitionNumber)
	emergencyItem := &repository.RequisitionItem{
		DrugID:       item.DrugID,
		RequestedQty: remaining,
		ApprovedQty:  remaining,
		UnitCost:     item.UnitCost,
		Notes:        &itemNotes,
	}

	if err := s.reqRepo.Create(ctx, tx, emergency, []*repository.RequisitionItem{emergencyItem}); err != nil {
		return nil, nil, err
	}

	err = s.reqRepo.AppendWorkflow(ctx, tx, &repository.WorkflowRecord{
		RequisitionID: emergency.ID,
		Action:        repository.WorkflowActionCreate,
		ToStatus:      repository.ReqStatusSubmitted,
		Comments:      &notes,
		UserID:        performedBy,
	})
	if err != nil {
		return nil, nil, err
	}

	return emergency, emergencyItem, nil
}

// afterCommit records audit entries and publishes events for a committed
// receipt. Nothing here can fail the receipt anymore.
func (s *ReceivingService) afterCommit(ctx context.Context, result *ReceiveResult, itemBefore *repository.RequisitionItem) {
	s.audit.Record(ctx, "RECEIVE_STOCK", "requisition_item", result.Item.ID,
		fmt.Sprintf("Received %d units into %s (batch %s)", result.Transaction.Quantity, result.StockCard.CardNumber, result.Batch.BatchNumber),
		itemBefore, result.Item)

	if result.Emergency != nil {
		s.audit.Record(ctx, "CREATE_EMERGENCY_REQUISITION", "requisition", result.Emergency.ID,
			fmt.Sprintf("Emergency requisition %s created for shortfall on %s", result.Emergency.RequisitionNumber, result.Requisition.RequisitionNumber),
			nil, result.Emergency)
	}

	s.publisher.PublishStockReceived(ctx, result.Transaction)
	s.publisher.PublishRequisitionFulfilled(ctx, result.Item)

	if result.Requisition.Status == repository.ReqStatusCompleted {
		s.publisher.PublishRequisitionCompleted(ctx, result.Requisition.ID, result.Transaction.PerformedBy)
	}
	if result.Emergency != nil {
		s.publisher.PublishEmergencyCreated(ctx, result.Emergency, result.Requisition.ID, result.emergencyItem)
	}
	if result.StockCard.LowStockAlert() {
		s.publisher.PublishLowStock(ctx, result.StockCard)
	}
}

// ReceiptHistory returns the RECEIVE transactions recorded against a
// requisition item, oldest first.
func (s *ReceivingService) ReceiptHistory(ctx context.Context, requisitionItemID string) ([]*repository.StockTransaction, error) {
	item, err := s.reqRepo.GetItem(ctx, requisitionItemID)
	if err != nil {
		return nil, err
	}
	req, err := s.reqRepo.GetByID(ctx, item.RequisitionID)
	if err != nil {
		return nil, err
	}
	if req.HospitalID != actor.HospitalID(ctx) {
		return nil, errors.NotFound("requisition item")
	}
	return s.txRepo.ListByReference(ctx, requisitionItemID)
}
