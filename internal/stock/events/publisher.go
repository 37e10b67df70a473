package events

import (
	"context"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

// StockEventPublisher publishes stock and requisition events
type StockEventPublisher struct {
	publisher *messaging.Publisher
	logger    *logger.Logger
}

// NewStockEventPublisher creates a new stock event publisher
func NewStockEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*StockEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeStockEvents, "stock-service", log)
	if err != nil {
		return nil, err
	}

	return &StockEventPublisher{
		publisher: publisher,
		logger:    log,
	}, nil
}

// PublishStockReceived publishes a stock received event
func (p *StockEventPublisher) PublishStockReceived(ctx context.Context, t *repository.StockTransaction) {
	if p == nil {
		return
	}
	batchID := ""
	if t.BatchID != nil {
		batchID = *t.BatchID
	}

	data := messaging.StockReceivedEvent{
		TransactionID: t.ID,
		StockCardID:   t.StockCardID,
		WarehouseID:   t.WarehouseID,
		DrugID:        t.DrugID,
		BatchID:       batchID,
		Quantity:      t.Quantity,
		StockAfter:    t.StockAfter,
		PerformedBy:   t.PerformedBy,
	}

	if err := p.publisher.Publish(ctx, messaging.EventStockReceived, data); err != nil {
		p.logger.Error().Err(err).Str("transaction_id", t.ID).Msg("failed to publish stock received event")
	}
}

// PublishLowStock publishes a low stock event
func (p *StockEventPublisher) PublishLowStock(ctx context.Context, card *repository.StockCard) {
	if p == nil {
		return
	}
	data := messaging.LowStockEvent{
		StockCardID:  card.ID,
		WarehouseID:  card.WarehouseID,
		DrugID:       card.DrugID,
		CurrentStock: card.CurrentStock,
		ReorderPoint: card.ReorderPoint,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLowStock, data); err != nil {
		p.logger.Error().Err(err).Str("stock_card_id", card.ID).Msg("failed to publish low stock event")
	}
}

// PublishRequisitionFulfilled publishes a fulfillment progress event
func (p *StockEventPublisher) PublishRequisitionFulfilled(ctx context.Context, item *repository.RequisitionItem) {
	if p == nil {
		return
	}
	data := messaging.RequisitionFulfilledEvent{
		RequisitionID: item.RequisitionID,
		ItemID:        item.ID,
		FulfilledQty:  item.FulfilledQty,
		Status:        item.Status,
	}

	if err := p.publisher.Publish(ctx, messaging.EventRequisitionFulfilled, data); err != nil {
		p.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to publish requisition fulfilled event")
	}
}

// PublishRequisitionCompleted publishes a requisition completed event
func (p *StockEventPublisher) PublishRequisitionCompleted(ctx context.Context, requisitionID, completedBy string) {
	if p == nil {
		return
	}
	data := messaging.RequisitionCompletedEvent{
		RequisitionID: requisitionID,
		CompletedBy:   completedBy,
	}

	if err := p.publisher.Publish(ctx, messaging.EventRequisitionCompleted, data); err != nil {
		p.logger.Error().Err(err).Str("requisition_id", requisitionID).Msg("failed to publish requisition completed event")
	}
}

// PublishEmergencyCreated publishes an emergency requisition created event
func (p *StockEventPublisher) PublishEmergencyCreated(ctx context.Context, emergency *repository.Requisition, originID string, item *repository.RequisitionItem) {
	if p == nil {
		return
	}
	data := messaging.EmergencyCreatedEvent{
		RequisitionID:       emergency.ID,
		OriginRequisitionID: originID,
		DrugID:              item.DrugID,
		RequestedQty:        item.RequestedQty,
	}

	if err := p.publisher.Publish(ctx, messaging.EventEmergencyCreated, data); err != nil {
		p.logger.Error().Err(err).Str("requisition_id", emergency.ID).Msg("failed to publish emergency created event")
	}
}
