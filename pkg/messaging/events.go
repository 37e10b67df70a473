package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Stock events
	EventStockReceived = "stock.received"
	EventLowStock      = "stock.low"

	// Requisition events
	EventRequisitionFulfilled = "requisition.fulfilled"
	EventRequisitionCompleted = "requisition.completed"
	EventEmergencyCreated     = "requisition.emergency.created"
)

// Exchange names
const (
	ExchangeStockEvents = "stock.events"
)

// Event is the base event structure published to RabbitMQ
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event envelope with the given payload
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// StockReceivedEvent is published after a receipt transaction commits
type StockReceivedEvent struct {
	TransactionID string `json:"transaction_id"`
	StockCardID   string `json:"stock_card_id"`
	WarehouseID   string `json:"warehouse_id"`
	DrugID        string `json:"drug_id"`
	BatchID       string `json:"batch_id"`
	Quantity      int    `json:"quantity"`
	StockAfter    int    `json:"stock_after"`
	PerformedBy   string `json:"performed_by"`
}

// LowStockEvent is published when a receipt leaves a card at or below its reorder point
type LowStockEvent struct {
	StockCardID  string `json:"stock_card_id"`
	WarehouseID  string `json:"warehouse_id"`
	DrugID       string `json:"drug_id"`
	CurrentStock int    `json:"current_stock"`
	ReorderPoint int    `json:"reorder_point"`
}

// RequisitionFulfilledEvent is published when a receipt advances a requisition
type RequisitionFulfilledEvent struct {
	RequisitionID string `json:"requisition_id"`
	ItemID        string `json:"item_id"`
	FulfilledQty  int    `json:"fulfilled_qty"`
	Status        string `json:"status"`
}

// RequisitionCompletedEvent is published when every item on a requisition is fulfilled
type RequisitionCompletedEvent struct {
	RequisitionID string `json:"requisition_id"`
	CompletedBy   string `json:"completed_by"`
}

// EmergencyCreatedEvent is published when a shortfall spawns an emergency requisition
type EmergencyCreatedEvent struct {
	RequisitionID       string `json:"requisition_id"`
	OriginRequisitionID string `json:"origin_requisition_id"`
	DrugID              string `json:"drug_id"`
	RequestedQty        int    `json:"requested_qty"`
}
