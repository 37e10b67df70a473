package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// Transaction types. The type carries the sign of the movement; quantity is
// always stored positive.
const (
	TxTypeReceive        = "RECEIVE"
	TxTypeDispense       = "DISPENSE"
	TxTypeAdjustIncrease = "ADJUST_INCREASE"
	TxTypeAdjustDecrease = "ADJUST_DECREASE"
	TxTypeTransferIn     = "TRANSFER_IN"
	TxTypeTransferOut    = "TRANSFER_OUT"
)

// SignedQuantity returns the quantity with the sign implied by the
// transaction type, or an error for an unknown type.
func SignedQuantity(txType string, quantity int) (int, error) {
	switch txType {
	case TxTypeReceive, TxTypeAdjustIncrease, TxTypeTransferIn:
		return quantity, nil
	case TxTypeDispense, TxTypeAdjustDecrease, TxTypeTransferOut:
		return -quantity, nil
	default:
		return 0, errors.BadRequest(fmt.Sprintf("unknown transaction type %q", txType))
	}
}

// StockTransaction is one immutable row in the stock movement ledger.
// Rows are created once and never updated or deleted; this table is the
// system of record for reconciliation and audit.
type StockTransaction struct {
	ID                string          `db:"id" json:"id"`
	HospitalID        string          `db:"hospital_id" json:"hospital_id"`
	TransactionType   string          `db:"transaction_type" json:"transaction_type"`
	WarehouseID       string          `db:"warehouse_id" json:"warehouse_id"`
	DrugID            string          `db:"drug_id" json:"drug_id"`
	StockCardID       string          `db:"stock_card_id" json:"stock_card_id"`
	BatchID           *string         `db:"batch_id" json:"batch_id,omitempty"`
	Quantity          int             `db:"quantity" json:"quantity"`
	StockBefore       int             `db:"stock_before" json:"stock_before"`
	StockAfter        int             `db:"stock_after" json:"stock_after"`
	UnitCost          decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	TotalCost         decimal.Decimal `db:"total_cost" json:"total_cost"`
	PerformedBy       string          `db:"performed_by" json:"performed_by"`
	ReferenceDocument *string         `db:"reference_document" json:"reference_document,omitempty"`
	ReferenceID       *string         `db:"reference_id" json:"reference_id,omitempty"`
	Notes             *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// TransactionRepository appends to the stock movement ledger
type TransactionRepository struct {
	db *database.DB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *database.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Record appends one transaction row. It rejects rows whose before/after
// balance does not match the signed quantity for the transaction type.
func (r *TransactionRepository) Record(ctx context.Context, tx *sqlx.Tx, t *StockTransaction) error {
	if t.Quantity <= 0 {
		return errors.BadRequest("transaction quantity must be positive")
	}

	signed, err := SignedQuantity(t.TransactionType, t.Quantity)
	if err != nil {
		return err
	}
	if t.StockAfter-t.StockBefore != signed {
		return errors.Internal(fmt.Sprintf(
			"transaction balance mismatch: %d -> %d with signed quantity %d",
			t.StockBefore, t.StockAfter, signed,
		))
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.TotalCost = t.UnitCost.Mul(decimal.NewFromInt(int64(t.Quantity)))

	query := `
		INSERT INTO stock_transactions (
			id, hospital_id, transaction_type, warehouse_id, drug_id,
			stock_card_id, batch_id, quantity, stock_before, stock_after,
			unit_cost, total_cost, performed_by, reference_document, reference_id, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at
	`
	return tx.QueryRowxContext(ctx, query,
		t.ID, t.HospitalID, t.TransactionType, t.WarehouseID, t.DrugID,
		t.StockCardID, t.BatchID, t.Quantity, t.StockBefore, t.StockAfter,
		t.UnitCost, t.TotalCost, t.PerformedBy, t.ReferenceDocument, t.ReferenceID, t.Notes,
	).Scan(&t.CreatedAt)
}

// ListByCard lists transactions for a card, newest first
func (r *TransactionRepository) ListByCard(ctx context.Context, stockCardID string, page, perPage int) ([]*StockTransaction, int64, error) {
	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM stock_transactions WHERE stock_card_id = $1`, stockCardID); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	var txns []*StockTransaction
	query := `
		SELECT * FROM stock_transactions
		WHERE stock_card_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	if err := r.db.SelectContext(ctx, &txns, query, stockCardID, perPage, offset); err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// ListByReference lists transactions recorded against a reference entity
// (e.g. a requisition item)
func (r *TransactionRepository) ListByReference(ctx context.Context, referenceID string) ([]*StockTransaction, error) {
	var txns []*StockTransaction
	query := `
		SELECT * FROM stock_transactions
		WHERE reference_id = $1
		ORDER BY created_at
	`
	if err := r.db.SelectContext(ctx, &txns, query, referenceID); err != nil {
		return nil, err
	}
	return txns, nil
}
