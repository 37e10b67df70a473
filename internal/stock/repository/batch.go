package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// StockBatch is a lot-level quantity keyed by (stock card, batch number,
// expiry date). Depleted batches are kept for traceability but excluded
// from allocation.
type StockBatch struct {
	ID                string     `db:"id" json:"id"`
	StockCardID       string     `db:"stock_card_id" json:"stock_card_id"`
	BatchNumber       string     `db:"batch_number" json:"batch_number"`
	ExpiryDate        time.Time  `db:"expiry_date" json:"expiry_date"`
	ManufacturingDate *time.Time `db:"manufacturing_date" json:"manufacturing_date,omitempty"`
	ReceivedDate      time.Time  `db:"received_date" json:"received_date"`
	SupplierID        *string    `db:"supplier_id" json:"supplier_id,omitempty"`
	InitialQty        int        `db:"initial_qty" json:"initial_qty"`
	CurrentQty        int        `db:"current_qty" json:"current_qty"`
	AvailableQty      int        `db:"available_qty" json:"available_qty"`
	ReservedQty       int        `db:"reserved_qty" json:"reserved_qty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// BatchRepository handles lot-level batch persistence
type BatchRepository struct {
	db *database.DB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *database.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Upsert adds quantity to the batch matching (stock_card_id, batch_number,
// expiry_date), creating it on first receipt of the lot. The conflict update
// takes the row lock, so concurrent receipts of the same lot serialize. The
// batch struct is refreshed from the resulting row.
func (r *BatchRepository) Upsert(ctx context.Context, tx *sqlx.Tx, batch *StockBatch, qty int) error {
	if qty <= 0 {
		return errors.BadRequest("batch quantity must be positive")
	}

	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}

	query := `
		INSERT INTO stock_batches (
			id, stock_card_id, batch_number, expiry_date, manufacturing_date,
			received_date, supplier_id, initial_qty, current_qty, available_qty, reserved_qty
		) VALUES ($1, $2, $3, $4, $5, NOW(), $6, $7, $7, $7, 0)
		ON CONFLICT (stock_card_id, batch_number, expiry_date) DO UPDATE SET
			current_qty = stock_batches.current_qty + EXCLUDED.current_qty,
			available_qty = stock_batches.available_qty + EXCLUDED.available_qty
		RETURNING id, manufacturing_date, received_date, supplier_id,
		          initial_qty, current_qty, available_qty, reserved_qty,
		          created_at, updated_at
	`
	return tx.QueryRowxContext(ctx, query,
		batch.ID, batch.StockCardID, batch.BatchNumber, batch.ExpiryDate,
		batch.ManufacturingDate, batch.SupplierID, qty,
	).Scan(
		&batch.ID, &batch.ManufacturingDate, &batch.ReceivedDate, &batch.SupplierID,
		&batch.InitialQty, &batch.CurrentQty, &batch.AvailableQty, &batch.ReservedQty,
		&batch.CreatedAt, &batch.UpdatedAt,
	)
}

// GetByID gets a batch by ID
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*StockBatch, error) {
	var batch StockBatch
	if err := r.db.GetContext(ctx, &batch, `SELECT * FROM stock_batches WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("batch")
		}
		return nil, err
	}
	return &batch, nil
}

// ListByCard lists every batch of a card in FEFO order, depleted lots included
func (r *BatchRepository) ListByCard(ctx context.Context, stockCardID string) ([]*StockBatch, error) {
	var batches []*StockBatch
	query := `
		SELECT * FROM stock_batches
		WHERE stock_card_id = $1
		ORDER BY expiry_date, batch_number
	`
	if err := r.db.SelectContext(ctx, &batches, query, stockCardID); err != nil {
		return nil, err
	}
	return batches, nil
}

// ListAllocatable lists allocation candidates in FEFO order. Depleted
// batches never appear here; any future dispense consumer must honor this
// ordering.
func (r *BatchRepository) ListAllocatable(ctx context.Context, stockCardID string) ([]*StockBatch, error) {
	var batches []*StockBatch
	query := `
		SELECT * FROM stock_batches
		WHERE stock_card_id = $1 AND current_qty > 0
		ORDER BY expiry_date, batch_number
	`
	if err := r.db.SelectContext(ctx, &batches, query, stockCardID); err != nil {
		return nil, err
	}
	return batches, nil
}

// GetExpiring lists non-depleted batches expiring within the given days
func (r *BatchRepository) GetExpiring(ctx context.Context, hospitalID string, withinDays int) ([]*StockBatch, error) {
	var batches []*StockBatch
	query := `
		SELECT b.* FROM stock_batches b
		JOIN stock_cards c ON c.id = b.stock_card_id
		WHERE c.hospital_id = $1 AND b.current_qty > 0
		AND b.expiry_date <= NOW() + INTERVAL '1 day' * $2
		ORDER BY b.expiry_date
	`
	if err := r.db.SelectContext(ctx, &batches, query, hospitalID, withinDays); err != nil {
		return nil, err
	}
	return batches, nil
}

// SumByCard returns the sum of batch quantities for a card. Used by the
// reconciliation pass that checks the card total against its lots.
func (r *BatchRepository) SumByCard(ctx context.Context, stockCardID string) (int, error) {
	var total sql.NullInt64
	query := `SELECT SUM(current_qty) FROM stock_batches WHERE stock_card_id = $1`
	if err := r.db.GetContext(ctx, &total, query, stockCardID); err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return int(total.Int64), nil
}
