package service

import (
	"context"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// StockCardView is a card together with its lots in first-expired-first-out
// order and the derived alert fields.
type StockCardView struct {
	*repository.StockCard
	AvailableStock int                     `json:"available_stock"`
	LowStockAlert  bool                    `json:"low_stock_alert"`
	Batches        []*repository.StockBatch `json:"batches"`
}

// StockService serves the stock read models: cards, lots, movement history
// and warehouse aggregates. All writes go through ReceivingService.
type StockService struct {
	cardRepo  *repository.StockCardRepository
	batchRepo *repository.BatchRepository
	txRepo    *repository.TransactionRepository
	logger    *logger.Logger
}

// NewStockService creates a new stock read service
func NewStockService(cardRepo *repository.StockCardRepository, batchRepo *repository.BatchRepository, txRepo *repository.TransactionRepository, log *logger.Logger) *StockService {
	return &StockService{
		cardRepo:  cardRepo,
		batchRepo: batchRepo,
		txRepo:    txRepo,
		logger:    log.WithComponent("stock"),
	}
}

// GetCard returns the card view by ID, lots included
func (s *StockService) GetCard(ctx context.Context, id string) (*StockCardView, error) {
	card, err := s.cardRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, card)
}

// GetCardByScope returns the card view for a (warehouse, drug) pair within
// the caller's hospital
func (s *StockService) GetCardByScope(ctx context.Context, warehouseID, drugID string) (*StockCardView, error) {
	hospitalID := actor.HospitalID(ctx)
	if hospitalID == "" {
		return nil, errors.Forbidden("missing hospital scope")
	}
	card, err := s.cardRepo.GetByScope(ctx, hospitalID, warehouseID, drugID)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, card)
}

func (s *StockService) buildView(ctx context.Context, card *repository.StockCard) (*StockCardView, error) {
	if card.HospitalID != actor.HospitalID(ctx) {
		return nil, errors.NotFound("stock card")
	}
	batches, err := s.batchRepo.ListByCard(ctx, card.ID)
	if err != nil {
		return nil, err
	}
	return &StockCardView{
		StockCard:      card,
		AvailableStock: card.AvailableStock(),
		LowStockAlert:  card.LowStockAlert(),
		Batches:        batches,
	}, nil
}

// ListByWarehouse lists the cards of one warehouse
func (s *StockService) ListByWarehouse(ctx context.Context, warehouseID string, page, perPage int) ([]*repository.StockCard, int64, error) {
	hospitalID := actor.HospitalID(ctx)
	if hospitalID == "" {
		return nil, 0, errors.Forbidden("missing hospital scope")
	}
	return s.cardRepo.ListByWarehouse(ctx, hospitalID, warehouseID, page, perPage)
}

// ListLowStock lists every card at or below its reorder point
func (s *StockService) ListLowStock(ctx context.Context) ([]*repository.StockCard, error) {
	hospitalID := actor.HospitalID(ctx)
	if hospitalID == "" {
		return nil, errors.Forbidden("missing hospital scope")
	}
	return s.cardRepo.ListLowStock(ctx, hospitalID)
}

// ListExpiring lists non-depleted batches expiring within the given days
func (s *StockService) ListExpiring(ctx context.Context, withinDays int) ([]*repository.StockBatch, error) {
	hospitalID := actor.HospitalID(ctx)
	if hospitalID == "" {
		return nil, errors.Forbidden("missing hospital scope")
	}
	if withinDays <= 0 {
		withinDays = 90
	}
	return s.batchRepo.GetExpiring(ctx, hospitalID, withinDays)
}

// ListTransactions returns the movement history of a card, newest first
func (s *StockService) ListTransactions(ctx context.Context, stockCardID string, page, perPage int) ([]*repository.StockTransaction, int64, error) {
	card, err := s.cardRepo.GetByID(ctx, stockCardID)
	if err != nil {
		return nil, 0, err
	}
	if card.HospitalID != actor.HospitalID(ctx) {
		return nil, 0, errors.NotFound("stock card")
	}
	return s.txRepo.ListByCard(ctx, stockCardID, page, perPage)
}

// WarehouseCounts returns per-warehouse card and stock aggregates
func (s *StockService) WarehouseCounts(ctx context.Context) ([]*repository.WarehouseStockCount, error) {
	hospitalID := actor.HospitalID(ctx)
	if hospitalID == "" {
		return nil, errors.Forbidden("missing hospital scope")
	}
	return s.cardRepo.GetWarehouseCounts(ctx, hospitalID)
}
