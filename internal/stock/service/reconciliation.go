package service

import (
	"context"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// Discrepancy is one card whose total disagrees with the sum of its lots.
// Discrepancies are reported, never auto-corrected; a pharmacist has to
// post an adjustment.
type Discrepancy struct {
	StockCardID  string `json:"stock_card_id"`
	CardNumber   string `json:"card_number"`
	HospitalID   string `json:"hospital_id"`
	WarehouseID  string `json:"warehouse_id"`
	DrugID       string `json:"drug_id"`
	CardStock    int    `json:"card_stock"`
	BatchStock   int    `json:"batch_stock"`
	Difference   int    `json:"difference"`
}

// ReconciliationService cross-checks every stock card against the sum of its
// batch quantities.
type ReconciliationService struct {
	cardRepo  *repository.StockCardRepository
	batchRepo *repository.BatchRepository
	logger    *logger.Logger
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(cardRepo *repository.StockCardRepository, batchRepo *repository.BatchRepository, log *logger.Logger) *ReconciliationService {
	return &ReconciliationService{
		cardRepo:  cardRepo,
		batchRepo: batchRepo,
		logger:    log.WithComponent("reconciliation"),
	}
}

// Run performs one full pass and returns every discrepancy found
func (s *ReconciliationService) Run(ctx context.Context) ([]*Discrepancy, error) {
	cards, err := s.cardRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var discrepancies []*Discrepancy
	for _, card := range cards {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		batchTotal, err := s.batchRepo.SumByCard(ctx, card.ID)
		if err != nil {
			return nil, err
		}
		if batchTotal == card.CurrentStock {
			continue
		}

		d := &Discrepancy{
			StockCardID: card.ID,
			CardNumber:  card.CardNumber,
			HospitalID:  card.HospitalID,
			WarehouseID: card.WarehouseID,
			DrugID:      card.DrugID,
			CardStock:   card.CurrentStock,
			BatchStock:  batchTotal,
			Difference:  card.CurrentStock - batchTotal,
		}
		discrepancies = append(discrepancies, d)

		s.logger.Warn().
			Str("stock_card_id", card.ID).
			Str("card_number", card.CardNumber).
			Int("card_stock", card.CurrentStock).
			Int("batch_stock", batchTotal).
			Msg("stock card disagrees with batch totals")
	}

	return discrepancies, nil
}

// Start runs reconciliation on the given interval until the context is
// cancelled. Errors are logged and the loop keeps going.
func (s *ReconciliationService) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("reconciliation runner started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reconciliation runner stopped")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}
