package service

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// CreateRequisitionInput is the contract for creating a requisition
type CreateRequisitionInput struct {
	DepartmentID           string                       `json:"department_id" validate:"required,uuid"`
	FulfillmentWarehouseID string                       `json:"fulfillment_warehouse_id" validate:"required,uuid"`
	Priority               string                       `json:"priority,omitempty" validate:"omitempty,oneof=NORMAL HIGH"`
	Notes                  *string                      `json:"notes,omitempty"`
	Items                  []CreateRequisitionItemInput `json:"items" validate:"required,min=1,dive"`
}

// CreateRequisitionItemInput is one requested drug line
type CreateRequisitionItemInput struct {
	DrugID       string          `json:"drug_id" validate:"required,uuid"`
	RequestedQty int             `json:"requested_qty" validate:"required,gt=0"`
	UnitCost     decimal.Decimal `json:"unit_cost,omitempty"`
	Notes        *string         `json:"notes,omitempty"`
}

// ItemApproval overrides the approved quantity for one item during approval.
// Items without an override are approved at their requested quantity.
type ItemApproval struct {
	ItemID      string `json:"item_id" validate:"required,uuid"`
	ApprovedQty int    `json:"approved_qty" validate:"gte=0"`
}

// ApproveInput carries the reviewer's decision
type ApproveInput struct {
	Approvals []ItemApproval `json:"approvals,omitempty" validate:"omitempty,dive"`
	Comments  *string        `json:"comments,omitempty"`
}

// RequisitionDetail is the full read model of one requisition
type RequisitionDetail struct {
	Requisition *repository.Requisition       `json:"requisition"`
	Items       []*repository.RequisitionItem `json:"items"`
	Workflow    []*repository.WorkflowRecord  `json:"workflow"`
}

// RequisitionService drives the requisition lifecycle up to the point where
// receiving takes over. Every transition appends a workflow record in the
// same transaction.
type RequisitionService struct {
	db     *database.DB
	repo   *repository.RequisitionRepository
	audit  *AuditService
	logger *logger.Logger
}

// NewRequisitionService creates a new requisition service
func NewRequisitionService(db *database.DB, repo *repository.RequisitionRepository, audit *AuditService, log *logger.Logger) *RequisitionService {
	return &RequisitionService{
		db:     db,
		repo:   repo,
		audit:  audit,
		logger: log.WithComponent("requisition"),
	}
}

// Create persists a new DRAFT requisition with its items
func (s *RequisitionService) Create(ctx context.Context, input *CreateRequisitionInput) (*RequisitionDetail, error) {
	hospitalID := actor.HospitalID(ctx)
	if hospitalID == "" {
		return nil, errors.Forbidden("missing hospital scope")
	}
	userID := actor.UserID(ctx)

	priority := input.Priority
	if priority == "" {
		priority = repository.PriorityNormal
	}

	req := &repository.Requisition{
		HospitalID:             hospitalID,
		RequisitionType:        repository.ReqTypeRegular,
		Priority:               priority,
		DepartmentID:           input.DepartmentID,
		FulfillmentWarehouseID: input.FulfillmentWarehouseID,
		Status:                 repository.ReqStatusDraft,
		Notes:                  input.Notes,
		RequestedBy:            &userID,
	}

	items := make([]*repository.RequisitionItem, 0, len(input.Items))
	for _, in := range input.Items {
		items = append(items, &repository.RequisitionItem{
			DrugID:       in.DrugID,
			RequestedQty: in.RequestedQty,
			UnitCost:     in.UnitCost,
			Notes:        in.Notes,
		})
	}

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		number, err := s.repo.NextRequisitionNumber(ctx, tx, hospitalID, repository.ReqTypeRegular)
		if err != nil {
			return err
		}
		req.RequisitionNumber = number

		if err := s.repo.Create(ctx, tx, req, items); err != nil {
			return err
		}

		return s.repo.AppendWorkflow(ctx, tx, &repository.WorkflowRecord{
			RequisitionID: req.ID,
			Action:        repository.WorkflowActionCreate,
			ToStatus:      repository.ReqStatusDraft,
			UserID:        userID,
		})
	})
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return nil, appErr
		}
		return nil, err
	}

	s.audit.Record(ctx, "CREATE_REQUISITION", "requisition", req.ID,
		fmt.Sprintf("Requisition %s created with %d items", req.RequisitionNumber, len(items)),
		nil, req)

	return s.Get(ctx, req.ID)
}

// Submit moves a DRAFT requisition to SUBMITTED
func (s *RequisitionService) Submit(ctx context.Context, id string, comments *string) (*repository.Requisition, error) {
	return s.transition(ctx, id, repository.ReqStatusSubmitted, repository.WorkflowActionSubmit, comments, nil)
}

// StartReview moves a SUBMITTED requisition to UNDER_REVIEW
func (s *RequisitionService) StartReview(ctx context.Context, id string, comments *string) (*repository.Requisition, error) {
	return s.transition(ctx, id, repository.ReqStatusUnderReview, repository.WorkflowActionReview, comments, nil)
}

// Approve moves a requisition to APPROVED and fixes the approved quantities.
// Items not named in the input are approved at their requested quantity.
func (s *RequisitionService) Approve(ctx context.Context, id string, input *ApproveInput) (*repository.Requisition, error) {
	overrides := map[string]int{}
	if input != nil {
		for _, a := range input.Approvals {
			if a.ApprovedQty < 0 {
				return nil, errors.Validation(map[string]string{"approved_qty": "must be zero or greater"})
			}
			overrides[a.ItemID] = a.ApprovedQty
		}
	}
	var comments *string
	if input != nil {
		comments = input.Comments
	}

	return s.transition(ctx, id, repository.ReqStatusApproved, repository.WorkflowActionApprove, comments, func(tx *sqlx.Tx, req *repository.Requisition) error {
		items, err := s.repo.ListItemsTx(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		known := map[string]*repository.RequisitionItem{}
		for _, item := range items {
			known[item.ID] = item
		}
		for itemID := range overrides {
			if _, ok := known[itemID]; !ok {
				return errors.BadRequest(fmt.Sprintf("item %s does not belong to this requisition", itemID))
			}
		}
		for _, item := range items {
			qty, ok := overrides[item.ID]
			if !ok {
				qty = item.RequestedQty
			}
			if qty > item.RequestedQty {
				return errors.Validation(map[string]string{"approved_qty": "cannot exceed requested quantity"})
			}
			if err := s.repo.UpdateItemApproval(ctx, tx, item.ID, qty); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reject moves a requisition to the terminal REJECTED status
func (s *RequisitionService) Reject(ctx context.Context, id string, comments *string) (*repository.Requisition, error) {
	return s.transition(ctx, id, repository.ReqStatusRejected, repository.WorkflowActionReject, comments, nil)
}

// Cancel moves a requisition to the terminal CANCELLED status. Not allowed
// once fulfillment has started.
func (s *RequisitionService) Cancel(ctx context.Context, id string, comments *string) (*repository.Requisition, error) {
	return s.transition(ctx, id, repository.ReqStatusCancelled, repository.WorkflowActionCancel, comments, nil)
}

// transition runs one state machine move with its workflow record. The extra
// hook runs inside the transaction before the status update.
func (s *RequisitionService) transition(ctx context.Context, id, toStatus, action string, comments *string, extra func(tx *sqlx.Tx, req *repository.Requisition) error) (*repository.Requisition, error) {
	hospitalID := actor.HospitalID(ctx)
	if hospitalID == "" {
		return nil, errors.Forbidden("missing hospital scope")
	}
	userID := actor.UserID(ctx)

	var req *repository.Requisition
	var fromStatus string

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		var err error
		req, err = s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.HospitalID != hospitalID {
			return errors.NotFound("requisition")
		}

		fromStatus = req.Status
		if extra != nil {
			if err := extra(tx, req); err != nil {
				return err
			}
		}
		if err := s.repo.UpdateStatus(ctx, tx, req, toStatus); err != nil {
			return err
		}

		return s.repo.AppendWorkflow(ctx, tx, &repository.WorkflowRecord{
			RequisitionID: req.ID,
			Action:        action,
			FromStatus:    &fromStatus,
			ToStatus:      toStatus,
			Comments:      comments,
			UserID:        userID,
		})
	})
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return nil, appErr
		}
		return nil, err
	}

	s.audit.Record(ctx, action+"_REQUISITION", "requisition", req.ID,
		fmt.Sprintf("Requisition %s moved from %s to %s", req.RequisitionNumber, fromStatus, toStatus),
		map[string]string{"status": fromStatus}, map[string]string{"status": toStatus})

	return req, nil
}

// Get returns the full read model of one requisition
func (s *RequisitionService) Get(ctx context.Context, id string) (*RequisitionDetail, error) {
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.HospitalID != actor.HospitalID(ctx) {
		return nil, errors.NotFound("requisition")
	}

	items, err := s.repo.ListItems(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	workflow, err := s.repo.ListWorkflow(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	return &RequisitionDetail{Requisition: req, Items: items, Workflow: workflow}, nil
}

// List lists requisitions for the caller's hospital with an optional status
// filter
func (s *RequisitionService) List(ctx context.Context, status string, page, perPage int) ([]*repository.Requisition, int64, error) {
	hospitalID := actor.HospitalID(ctx)
	if hospitalID == "" {
		return nil, 0, errors.Forbidden("missing hospital scope")
	}
	if status != "" {
		if _, ok := statusFilterAllowed[status]; !ok {
			return nil, 0, errors.BadRequest("unknown status filter: " + status)
		}
	}
	return s.repo.List(ctx, hospitalID, status, page, perPage)
}

var statusFilterAllowed = map[string]struct{}{
	repository.ReqStatusDraft:           {},
	repository.ReqStatusSubmitted:       {},
	repository.ReqStatusUnderReview:     {},
	repository.ReqStatusApproved:        {},
	repository.ReqStatusPartiallyFilled: {},
	repository.ReqStatusCompleted:       {},
	repository.ReqStatusCancelled:       {},
	repository.ReqStatusRejected:        {},
}
