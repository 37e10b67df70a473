package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// StockCard is the per-(hospital, warehouse, drug) aggregate ledger.
// Cards are created lazily on first receipt and never deleted.
type StockCard struct {
	ID            string          `db:"id" json:"id"`
	HospitalID    string          `db:"hospital_id" json:"hospital_id"`
	WarehouseID   string          `db:"warehouse_id" json:"warehouse_id"`
	DrugID        string          `db:"drug_id" json:"drug_id"`
	CardNumber    string          `db:"card_number" json:"card_number"`
	CardSeq       int             `db:"card_seq" json:"-"`
	CurrentStock  int             `db:"current_stock" json:"current_stock"`
	ReservedStock int             `db:"reserved_stock" json:"reserved_stock"`
	MinStock      int             `db:"min_stock" json:"min_stock"`
	MaxStock      int             `db:"max_stock" json:"max_stock"`
	ReorderPoint  int             `db:"reorder_point" json:"reorder_point"`
	AverageCost   decimal.Decimal `db:"average_cost" json:"average_cost"`
	TotalValue    decimal.Decimal `db:"total_value" json:"total_value"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// AvailableStock is current stock minus quantities reserved for approved requisitions.
func (c *StockCard) AvailableStock() int {
	return c.CurrentStock - c.ReservedStock
}

// LowStockAlert reports whether the card has fallen to its reorder point.
func (c *StockCard) LowStockAlert() bool {
	return c.CurrentStock <= c.ReorderPoint
}

// CardDefaults are the hospital-default thresholds applied when a card is
// created lazily on first receipt.
type CardDefaults struct {
	MinStock     int
	MaxStock     int
	ReorderPoint int
}

// WarehouseStockCount is a per-warehouse aggregate for location dashboards.
type WarehouseStockCount struct {
	WarehouseID string `db:"warehouse_id" json:"warehouse_id"`
	CardCount   int    `db:"card_count" json:"card_count"`
	TotalStock  int    `db:"total_stock" json:"total_stock"`
	LowStock    int    `db:"low_stock" json:"low_stock"`
}

// StockCardRepository handles stock card persistence
type StockCardRepository struct {
	db *database.DB
}

// NewStockCardRepository creates a new stock card repository
func NewStockCardRepository(db *database.DB) *StockCardRepository {
	return &StockCardRepository{db: db}
}

// GetOrCreateForUpdate returns the card for the given scope, locking its row
// for the remainder of the transaction. When no card exists it creates one
// with a sequential, hospital-scoped card number and the hospital-default
// thresholds. The advisory lock serializes card-number allocation per
// hospital; the row lock serializes every later update to the same card.
func (r *StockCardRepository) GetOrCreateForUpdate(ctx context.Context, tx *sqlx.Tx, hospitalID, warehouseID, drugID string, defaults CardDefaults) (*StockCard, error) {
	var card StockCard
	query := `
		SELECT * FROM stock_cards
		WHERE hospital_id = $1 AND warehouse_id = $2 AND drug_id = $3
		FOR UPDATE
	`
	err := tx.GetContext(ctx, &card, query, hospitalID, warehouseID, drugID)
	if err == nil {
		return &card, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "stock_cards:"+hospitalID); err != nil {
		return nil, fmt.Errorf("failed to acquire card number lock: %w", err)
	}

	// A concurrent first receipt may have created the card between the initial
	// read and the advisory lock. Its row is committed by the time the lock is
	// granted, so a second read sees and locks it.
	err = tx.GetContext(ctx, &card, query, hospitalID, warehouseID, drugID)
	if err == nil {
		return &card, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var seq int
	if err := tx.GetContext(ctx, &seq, `SELECT COALESCE(MAX(card_seq), 0) + 1 FROM stock_cards WHERE hospital_id = $1`, hospitalID); err != nil {
		return nil, err
	}

	card = StockCard{
		ID:           uuid.New().String(),
		HospitalID:   hospitalID,
		WarehouseID:  warehouseID,
		DrugID:       drugID,
		CardNumber:   fmt.Sprintf("SC-%06d", seq),
		CardSeq:      seq,
		MinStock:     defaults.MinStock,
		MaxStock:     defaults.MaxStock,
		ReorderPoint: defaults.ReorderPoint,
		AverageCost:  decimal.Zero,
		TotalValue:   decimal.Zero,
	}

	insert := `
		INSERT INTO stock_cards (
			id, hospital_id, warehouse_id, drug_id, card_number, card_seq,
			current_stock, reserved_stock, min_stock, max_stock, reorder_point,
			average_cost, total_value
		) VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowxContext(ctx, insert,
		card.ID, card.HospitalID, card.WarehouseID, card.DrugID, card.CardNumber,
		card.CardSeq, card.MinStock, card.MaxStock, card.ReorderPoint,
		card.AverageCost, card.TotalValue,
	).Scan(&card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &card, nil
}

// ApplyDelta applies a signed stock movement to a card whose row is already
// locked by the current transaction. It recomputes the weighted average cost
// and total valuation at the given unit cost and releases up to
// reservedRelease units of reserved stock. The card struct is updated in
// place so callers see the post-movement state.
func (r *StockCardRepository) ApplyDelta(ctx context.Context, tx *sqlx.Tx, card *StockCard, delta int, unitCost decimal.Decimal, reservedRelease int) error {
	newStock := card.CurrentStock + delta
	if newStock < 0 {
		return errors.Conflict(fmt.Sprintf("stock card %s would go negative (%d%+d)", card.CardNumber, card.CurrentStock, delta))
	}

	release := reservedRelease
	if release > card.ReservedStock {
		release = card.ReservedStock
	}
	if release < 0 {
		release = 0
	}

	newTotal := card.TotalValue.Add(unitCost.Mul(decimal.NewFromInt(int64(delta))))
	if newTotal.IsNegative() {
		newTotal = decimal.Zero
	}

	newAvg := card.AverageCost
	if newStock > 0 {
		newAvg = newTotal.DivRound(decimal.NewFromInt(int64(newStock)), 4)
	}

	query := `
		UPDATE stock_cards
		SET current_stock = $2, reserved_stock = $3, average_cost = $4, total_value = $5
		WHERE id = $1
		RETURNING updated_at
	`
	if err := tx.QueryRowxContext(ctx, query, card.ID, newStock, card.ReservedStock-release, newAvg, newTotal).Scan(&card.UpdatedAt); err != nil {
		return err
	}

	card.CurrentStock = newStock
	card.ReservedStock -= release
	card.AverageCost = newAvg
	card.TotalValue = newTotal

	return nil
}

// GetByID gets a stock card by ID
func (r *StockCardRepository) GetByID(ctx context.Context, id string) (*StockCard, error) {
	var card StockCard
	if err := r.db.GetContext(ctx, &card, `SELECT * FROM stock_cards WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("stock card")
		}
		return nil, err
	}
	return &card, nil
}

// GetByScope gets the card for a (hospital, warehouse, drug) triple
func (r *StockCardRepository) GetByScope(ctx context.Context, hospitalID, warehouseID, drugID string) (*StockCard, error) {
	var card StockCard
	query := `SELECT * FROM stock_cards WHERE hospital_id = $1 AND warehouse_id = $2 AND drug_id = $3`
	if err := r.db.GetContext(ctx, &card, query, hospitalID, warehouseID, drugID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("stock card")
		}
		return nil, err
	}
	return &card, nil
}

// ListByWarehouse lists cards for a warehouse with pagination
func (r *StockCardRepository) ListByWarehouse(ctx context.Context, hospitalID, warehouseID string, page, perPage int) ([]*StockCard, int64, error) {
	var total int64
	countQuery := `SELECT COUNT(*) FROM stock_cards WHERE hospital_id = $1 AND warehouse_id = $2`
	if err := r.db.GetContext(ctx, &total, countQuery, hospitalID, warehouseID); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	var cards []*StockCard
	query := `
		SELECT * FROM stock_cards
		WHERE hospital_id = $1 AND warehouse_id = $2
		ORDER BY card_number
		LIMIT $3 OFFSET $4
	`
	if err := r.db.SelectContext(ctx, &cards, query, hospitalID, warehouseID, perPage, offset); err != nil {
		return nil, 0, err
	}
	return cards, total, nil
}

// ListLowStock lists cards at or below their reorder point
func (r *StockCardRepository) ListLowStock(ctx context.Context, hospitalID string) ([]*StockCard, error) {
	var cards []*StockCard
	query := `
		SELECT * FROM stock_cards
		WHERE hospital_id = $1 AND current_stock <= reorder_point
		ORDER BY card_number
	`
	if err := r.db.SelectContext(ctx, &cards, query, hospitalID); err != nil {
		return nil, err
	}
	return cards, nil
}

// ListAll lists every card across hospitals in stable order. Used by the
// reconciliation runner.
func (r *StockCardRepository) ListAll(ctx context.Context) ([]*StockCard, error) {
	var cards []*StockCard
	query := `SELECT * FROM stock_cards ORDER BY hospital_id, card_number`
	if err := r.db.SelectContext(ctx, &cards, query); err != nil {
		return nil, err
	}
	return cards, nil
}

// GetWarehouseCounts returns per-warehouse card and stock totals
func (r *StockCardRepository) GetWarehouseCounts(ctx context.Context, hospitalID string) ([]*WarehouseStockCount, error) {
	var counts []*WarehouseStockCount
	query := `
		SELECT warehouse_id,
		       COUNT(*) AS card_count,
		       COALESCE(SUM(current_stock), 0) AS total_stock,
		       COUNT(*) FILTER (WHERE current_stock <= reorder_point) AS low_stock
		FROM stock_cards
		WHERE hospital_id = $1
		GROUP BY warehouse_id
		ORDER BY warehouse_id
	`
	if err := r.db.SelectContext(ctx, &counts, query, hospitalID); err != nil {
		return nil, err
	}
	return counts, nil
}
