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

// Requisition statuses. Requisitions only move forward through this
// lifecycle; COMPLETED, CANCELLED and REJECTED are terminal.
const (
	ReqStatusDraft           = "DRAFT"
	ReqStatusSubmitted       = "SUBMITTED"
	ReqStatusUnderReview     = "UNDER_REVIEW"
	ReqStatusApproved        = "APPROVED"
	ReqStatusPartiallyFilled = "PARTIALLY_FILLED"
	ReqStatusCompleted       = "COMPLETED"
	ReqStatusCancelled       = "CANCELLED"
	ReqStatusRejected        = "REJECTED"
)

// Requisition item statuses
const (
	ItemStatusPending         = "PENDING"
	ItemStatusPartiallyFilled = "PARTIALLY_FILLED"
	ItemStatusCompleted       = "COMPLETED"
)

// Requisition types and priorities
const (
	ReqTypeRegular   = "REGULAR"
	ReqTypeEmergency = "EMERGENCY"

	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
)

// Workflow actions
const (
	WorkflowActionCreate   = "CREATE"
	WorkflowActionSubmit   = "SUBMIT"
	WorkflowActionReview   = "REVIEW"
	WorkflowActionApprove  = "APPROVE"
	WorkflowActionFulfill  = "FULFILL"
	WorkflowActionComplete = "COMPLETE"
	WorkflowActionCancel   = "CANCEL"
	WorkflowActionReject   = "REJECT"
)

// statusRank orders the forward lifecycle. Terminal states carry the
// highest ranks so nothing can move out of them.
var statusRank = map[string]int{
	ReqStatusDraft:           1,
	ReqStatusSubmitted:       2,
	ReqStatusUnderReview:     3,
	ReqStatusApproved:        4,
	ReqStatusPartiallyFilled: 5,
	ReqStatusCompleted:       6,
	ReqStatusCancelled:       6,
	ReqStatusRejected:        6,
}

// IsTerminalStatus reports whether a requisition status is absorbing.
func IsTerminalStatus(status string) bool {
	return status == ReqStatusCompleted || status == ReqStatusCancelled || status == ReqStatusRejected
}

// CanTransition reports whether a requisition may move from one status to
// another. Backward moves and moves out of terminal states are never allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	if IsTerminalStatus(from) {
		return false
	}

	switch to {
	case ReqStatusSubmitted:
		return from == ReqStatusDraft
	case ReqStatusUnderReview:
		return from == ReqStatusSubmitted
	case ReqStatusApproved:
		return from == ReqStatusSubmitted || from == ReqStatusUnderReview
	case ReqStatusPartiallyFilled:
		return from == ReqStatusApproved
	case ReqStatusCompleted:
		return from == ReqStatusApproved || from == ReqStatusPartiallyFilled
	case ReqStatusCancelled:
		// Cancellation is allowed until fulfillment starts.
		return statusRank[from] <= statusRank[ReqStatusApproved]
	case ReqStatusRejected:
		return from == ReqStatusSubmitted || from == ReqStatusUnderReview
	default:
		return false
	}
}

// Requisition is an internal order for drugs from a requesting department,
// fulfilled by a source warehouse.
type Requisition struct {
	ID                     string     `db:"id" json:"id"`
	HospitalID             string     `db:"hospital_id" json:"hospital_id"`
	RequisitionNumber      string     `db:"requisition_number" json:"requisition_number"`
	RequisitionType        string     `db:"requisition_type" json:"requisition_type"`
	Priority               string     `db:"priority" json:"priority"`
	DepartmentID           string     `db:"department_id" json:"department_id"`
	FulfillmentWarehouseID string     `db:"fulfillment_warehouse_id" json:"fulfillment_warehouse_id"`
	Status                 string     `db:"status" json:"status"`
	Notes                  *string    `db:"notes" json:"notes,omitempty"`
	RequestedBy            *string    `db:"requested_by" json:"requested_by,omitempty"`
	FulfilledDate          *time.Time `db:"fulfilled_date" json:"fulfilled_date,omitempty"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updated_at"`
}

// RequisitionItem is one drug line on a requisition. FulfilledQty only ever
// grows.
type RequisitionItem struct {
	ID            string          `db:"id" json:"id"`
	RequisitionID string          `db:"requisition_id" json:"requisition_id"`
	DrugID        string          `db:"drug_id" json:"drug_id"`
	RequestedQty  int             `db:"requested_qty" json:"requested_qty"`
	ApprovedQty   int             `db:"approved_qty" json:"approved_qty"`
	FulfilledQty  int             `db:"fulfilled_qty" json:"fulfilled_qty"`
	UnitCost      decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	Status        string          `db:"status" json:"status"`
	Notes         *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// RemainingQty is the approved quantity not yet fulfilled, floored at zero.
func (i *RequisitionItem) RemainingQty() int {
	remaining := i.ApprovedQty - i.FulfilledQty
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WorkflowRecord is one append-only entry in the requisition transition log.
type WorkflowRecord struct {
	ID            string    `db:"id" json:"id"`
	RequisitionID string    `db:"requisition_id" json:"requisition_id"`
	Action        string    `db:"action" json:"action"`
	FromStatus    *string   `db:"from_status" json:"from_status,omitempty"`
	ToStatus      string    `db:"to_status" json:"to_status"`
	Comments      *string   `db:"comments" json:"comments,omitempty"`
	UserID        string    `db:"user_id" json:"user_id"`
	ProcessedAt   time.Time `db:"processed_at" json:"processed_at"`
}

// RequisitionRepository handles requisition, item and workflow persistence
type RequisitionRepository struct {
	db *database.DB
}

// NewRequisitionRepository creates a new requisition repository
func NewRequisitionRepository(db *database.DB) *RequisitionRepository {
	return &RequisitionRepository{db: db}
}

// NextRequisitionNumber allocates a sequential, hospital-scoped requisition
// number inside the current transaction. Emergency requisitions get their
// own EMR prefix so replenishment orders stand out on worklists.
func (r *RequisitionRepository) NextRequisitionNumber(ctx context.Context, tx *sqlx.Tx, hospitalID, reqType string) (string, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "requisitions:"+hospitalID); err != nil {
		return "", fmt.Errorf("failed to acquire requisition number lock: %w", err)
	}

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM requisitions WHERE hospital_id = $1`, hospitalID); err != nil {
		return "", err
	}

	prefix := "REQ"
	if reqType == ReqTypeEmergency {
		prefix = "EMR"
	}
	return fmt.Sprintf("%s-%06d", prefix, count+1), nil
}

// Create persists a requisition with its items inside the given transaction.
func (r *RequisitionRepository) Create(ctx context.Context, tx *sqlx.Tx, req *Requisition, items []*RequisitionItem) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	query := `
		INSERT INTO requisitions (
			id, hospital_id, requisition_number, requisition_type, priority,
			department_id, fulfillment_warehouse_id, status, notes, requested_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := tx.QueryRowxContext(ctx, query,
		req.ID, req.HospitalID, req.RequisitionNumber, req.RequisitionType,
		req.Priority, req.DepartmentID, req.FulfillmentWarehouseID,
		req.Status, req.Notes, req.RequestedBy,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return err
	}

	itemQuery := `
		INSERT INTO requisition_items (
			id, requisition_id, drug_id, requested_qty, approved_qty,
			fulfilled_qty, unit_cost, status, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.RequisitionID = req.ID
		if item.Status == "" {
			item.Status = ItemStatusPending
		}
		err := tx.QueryRowxContext(ctx, itemQuery,
			item.ID, item.RequisitionID, item.DrugID, item.RequestedQty,
			item.ApprovedQty, item.FulfilledQty, item.UnitCost, item.Status, item.Notes,
		).Scan(&item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetByID gets a requisition by ID
func (r *RequisitionRepository) GetByID(ctx context.Context, id string) (*Requisition, error) {
	var req Requisition
	if err := r.db.GetContext(ctx, &req, `SELECT * FROM requisitions WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("requisition")
		}
		return nil, err
	}
	return &req, nil
}

// GetForUpdate locks a requisition row for the remainder of the transaction
func (r *RequisitionRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*Requisition, error) {
	var req Requisition
	if err := tx.GetContext(ctx, &req, `SELECT * FROM requisitions WHERE id = $1 FOR UPDATE`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("requisition")
		}
		return nil, err
	}
	return &req, nil
}

// GetItem gets a requisition item by ID
func (r *RequisitionRepository) GetItem(ctx context.Context, id string) (*RequisitionItem, error) {
	var item RequisitionItem
	if err := r.db.GetContext(ctx, &item, `SELECT * FROM requisition_items WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("requisition item")
		}
		return nil, err
	}
	return &item, nil
}

// GetItemForUpdate locks a requisition item row for the remainder of the
// transaction. Receipts lock the item before touching any ledger row.
func (r *RequisitionRepository) GetItemForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*RequisitionItem, error) {
	var item RequisitionItem
	if err := tx.GetContext(ctx, &item, `SELECT * FROM requisition_items WHERE id = $1 FOR UPDATE`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("requisition item")
		}
		return nil, err
	}
	return &item, nil
}

// UpdateItemFulfillment persists a fulfillment advance on an item. The
// fulfilled quantity may only grow; regressions are rejected here as a
// last line of defense.
func (r *RequisitionRepository) UpdateItemFulfillment(ctx context.Context, tx *sqlx.Tx, item *RequisitionItem) error {
	query := `
		UPDATE requisition_items
		SET fulfilled_qty = $2, status = $3
		WHERE id = $1 AND fulfilled_qty <= $2
		RETURNING updated_at
	`
	err := tx.QueryRowxContext(ctx, query, item.ID, item.FulfilledQty, item.Status).Scan(&item.UpdatedAt)
	if err == sql.ErrNoRows {
		return errors.Conflict("requisition item fulfillment would regress")
	}
	return err
}

// UpdateItemApproval records the approved quantity decided during review.
// Only permitted while nothing has been fulfilled against the item.
func (r *RequisitionRepository) UpdateItemApproval(ctx context.Context, tx *sqlx.Tx, itemID string, approvedQty int) error {
	query := `
		UPDATE requisition_items
		SET approved_qty = $2
		WHERE id = $1 AND fulfilled_qty = 0
	`
	res, err := tx.ExecContext(ctx, query, itemID, approvedQty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Conflict("cannot change approval after fulfillment started")
	}
	return nil
}

// ListItems lists the items of a requisition
func (r *RequisitionRepository) ListItems(ctx context.Context, requisitionID string) ([]*RequisitionItem, error) {
	var items []*RequisitionItem
	query := `SELECT * FROM requisition_items WHERE requisition_id = $1 ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &items, query, requisitionID); err != nil {
		return nil, err
	}
	return items, nil
}

// ListItemsTx lists the items of a requisition inside a transaction,
// observing that transaction's own writes.
func (r *RequisitionRepository) ListItemsTx(ctx context.Context, tx *sqlx.Tx, requisitionID string) ([]*RequisitionItem, error) {
	var items []*RequisitionItem
	query := `SELECT * FROM requisition_items WHERE requisition_id = $1 ORDER BY created_at`
	if err := tx.SelectContext(ctx, &items, query, requisitionID); err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateStatus moves a requisition to a new status, enforcing the forward-
// only state machine. Completion also stamps the fulfilled date.
func (r *RequisitionRepository) UpdateStatus(ctx context.Context, tx *sqlx.Tx, req *Requisition, toStatus string) error {
	if !CanTransition(req.Status, toStatus) {
		return errors.Conflict(fmt.Sprintf("requisition cannot move from %s to %s", req.Status, toStatus))
	}

	var fulfilledDate *time.Time
	if toStatus == ReqStatusCompleted {
		now := time.Now().UTC()
		fulfilledDate = &now
	} else {
		fulfilledDate = req.FulfilledDate
	}

	query := `
		UPDATE requisitions
		SET status = $2, fulfilled_date = $3
		WHERE id = $1
		RETURNING updated_at
	`
	if err := tx.QueryRowxContext(ctx, query, req.ID, toStatus, fulfilledDate).Scan(&req.UpdatedAt); err != nil {
		return err
	}

	req.Status = toStatus
	req.FulfilledDate = fulfilledDate
	return nil
}

// AppendWorkflow appends one record to the requisition transition log
func (r *RequisitionRepository) AppendWorkflow(ctx context.Context, tx *sqlx.Tx, rec *WorkflowRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO requisition_workflow (
			id, requisition_id, action, from_status, to_status, comments, user_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING processed_at
	`
	return tx.QueryRowxContext(ctx, query,
		rec.ID, rec.RequisitionID, rec.Action, rec.FromStatus, rec.ToStatus,
		rec.Comments, rec.UserID,
	).Scan(&rec.ProcessedAt)
}

// ListWorkflow lists the transition history of a requisition, oldest first
func (r *RequisitionRepository) ListWorkflow(ctx context.Context, requisitionID string) ([]*WorkflowRecord, error) {
	var records []*WorkflowRecord
	query := `SELECT * FROM requisition_workflow WHERE requisition_id = $1 ORDER BY processed_at`
	if err := r.db.SelectContext(ctx, &records, query, requisitionID); err != nil {
		return nil, err
	}
	return records, nil
}

// List lists requisitions for a hospital with optional status filter
func (r *RequisitionRepository) List(ctx context.Context, hospitalID, status string, page, perPage int) ([]*Requisition, int64, error) {
	args := []interface{}{hospitalID}
	countQuery := `SELECT COUNT(*) FROM requisitions WHERE hospital_id = $1`
	query := `SELECT * FROM requisitions WHERE hospital_id = $1`

	if status != "" {
		countQuery += ` AND status = $2`
		query += ` AND status = $2`
		args = append(args, status)
	}

	var total int64
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, perPage, (page-1)*perPage)

	var reqs []*Requisition
	if err := r.db.SelectContext(ctx, &reqs, query, args...); err != nil {
		return nil, 0, err
	}
	return reqs, total, nil
}
