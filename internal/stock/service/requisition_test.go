package service_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
)

func createInput() *service.CreateRequisitionInput {
	return &service.CreateRequisitionInput{
		DepartmentID:           testDepartment,
		FulfillmentWarehouseID: testWarehouse,
		Items: []service.CreateRequisitionItemInput{
			{DrugID: testDrug, RequestedQty: 100, UnitCost: decimal.RequireFromString("2.00")},
		},
	}
}

func TestRequisitionLifecycle(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	detail, err := f.requisition.Create(ctx, createInput())
	require.NoError(t, err)

	req := detail.Requisition
	assert.Equal(t, repository.ReqStatusDraft, req.Status)
	assert.Equal(t, repository.ReqTypeRegular, req.RequisitionType)
	assert.Contains(t, req.RequisitionNumber, "REQ-")
	require.Len(t, detail.Items, 1)
	assert.Equal(t, repository.ItemStatusPending, detail.Items[0].Status)
	assert.Equal(t, 0, detail.Items[0].ApprovedQty)

	req, err = f.requisition.Submit(ctx, req.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.ReqStatusSubmitted, req.Status)

	req, err = f.requisition.StartReview(ctx, req.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.ReqStatusUnderReview, req.Status)

	// approve with a reduced quantity
	req, err = f.requisition.Approve(ctx, req.ID, &service.ApproveInput{
		Approvals: []service.ItemApproval{{ItemID: detail.Items[0].ID, ApprovedQty: 80}},
	})
	require.NoError(t, err)
	assert.Equal(t, repository.ReqStatusApproved, req.Status)

	approved, err := f.requisition.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, approved.Items[0].ApprovedQty)

	// every transition left a workflow record
	actions := make([]string, 0, len(approved.Workflow))
	for _, rec := range approved.Workflow {
		actions = append(actions, rec.Action)
	}
	assert.Equal(t, []string{
		repository.WorkflowActionCreate,
		repository.WorkflowActionSubmit,
		repository.WorkflowActionReview,
		repository.WorkflowActionApprove,
	}, actions)
}

func TestRequisitionApproveDefaultsToRequested(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	detail, err := f.requisition.Create(ctx, createInput())
	require.NoError(t, err)
	_, err = f.requisition.Submit(ctx, detail.Requisition.ID, nil)
	require.NoError(t, err)

	_, err = f.requisition.Approve(ctx, detail.Requisition.ID, nil)
	require.NoError(t, err)

	approved, err := f.requisition.Get(ctx, detail.Requisition.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, approved.Items[0].ApprovedQty)
}

func TestRequisitionApproveRejectsExcessQuantity(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	detail, err := f.requisition.Create(ctx, createInput())
	require.NoError(t, err)
	_, err = f.requisition.Submit(ctx, detail.Requisition.ID, nil)
	require.NoError(t, err)

	_, err = f.requisition.Approve(ctx, detail.Requisition.ID, &service.ApproveInput{
		Approvals: []service.ItemApproval{{ItemID: detail.Items[0].ID, ApprovedQty: 150}},
	})

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
}

func TestRequisitionInvalidTransitions(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	detail, err := f.requisition.Create(ctx, createInput())
	require.NoError(t, err)
	id := detail.Requisition.ID

	// draft cannot be approved directly
	_, err = f.requisition.Approve(ctx, id, nil)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)

	// draft cannot be rejected
	_, err = f.requisition.Reject(ctx, id, nil)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)
}

func TestRequisitionCancelBlockedAfterFulfillment(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	_, items := seedApprovedRequisition(t, s, f, 100)

	// partial receipt moves the requisition into fulfillment
	_, err := f.receiving.ReceiveStock(ctx, receiveInput(items[0].ID, 30))
	require.NoError(t, err)

	_, err = f.requisition.Cancel(ctx, items[0].RequisitionID, nil)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)
}

func TestRequisitionCancelBeforeFulfillment(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	req, _ := seedApprovedRequisition(t, s, f, 100)

	cancelled, err := f.requisition.Cancel(ctx, req.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.ReqStatusCancelled, cancelled.Status)

	// terminal: nothing moves it again
	_, err = f.requisition.Submit(ctx, req.ID, nil)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)
}

func TestRequisitionListFiltersByStatus(t *testing.T) {
	s := getSuite(t)
	ctx := testutil.ActorContext(testHospital)
	s.TruncateAll(t, context.Background())
	f := newFixture(t, s)

	first, err := f.requisition.Create(ctx, createInput())
	require.NoError(t, err)
	_, err = f.requisition.Create(ctx, createInput())
	require.NoError(t, err)
	_, err = f.requisition.Submit(ctx, first.Requisition.ID, nil)
	require.NoError(t, err)

	drafts, total, err := f.requisition.List(ctx, repository.ReqStatusDraft, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, drafts, 1)

	all, total, err := f.requisition.List(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, all, 2)

	_, _, err = f.requisition.List(ctx, "SHIPPED", 1, 10)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "BAD_REQUEST", appErr.Code)
}
