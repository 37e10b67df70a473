package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"draft to submitted", ReqStatusDraft, ReqStatusSubmitted, true},
		{"submitted to under review", ReqStatusSubmitted, ReqStatusUnderReview, true},
		{"submitted straight to approved", ReqStatusSubmitted, ReqStatusApproved, true},
		{"under review to approved", ReqStatusUnderReview, ReqStatusApproved, true},
		{"approved to partially filled", ReqStatusApproved, ReqStatusPartiallyFilled, true},
		{"approved to completed", ReqStatusApproved, ReqStatusCompleted, true},
		{"partially filled to completed", ReqStatusPartiallyFilled, ReqStatusCompleted, true},
		{"submitted to rejected", ReqStatusSubmitted, ReqStatusRejected, true},
		{"under review to rejected", ReqStatusUnderReview, ReqStatusRejected, true},
		{"draft to cancelled", ReqStatusDraft, ReqStatusCancelled, true},
		{"approved to cancelled", ReqStatusApproved, ReqStatusCancelled, true},

		{"no self transition", ReqStatusApproved, ReqStatusApproved, false},
		{"no backward to draft", ReqStatusSubmitted, ReqStatusDraft, false},
		{"no backward from approved", ReqStatusApproved, ReqStatusSubmitted, false},
		{"no backward from partially filled", ReqStatusPartiallyFilled, ReqStatusApproved, false},
		{"draft cannot be approved", ReqStatusDraft, ReqStatusApproved, false},
		{"draft cannot complete", ReqStatusDraft, ReqStatusCompleted, false},
		{"cancel blocked once fulfillment started", ReqStatusPartiallyFilled, ReqStatusCancelled, false},
		{"reject blocked after approval", ReqStatusApproved, ReqStatusRejected, false},

		{"completed is terminal", ReqStatusCompleted, ReqStatusCancelled, false},
		{"cancelled is terminal", ReqStatusCancelled, ReqStatusSubmitted, false},
		{"rejected is terminal", ReqStatusRejected, ReqStatusApproved, false},

		{"unknown target", ReqStatusDraft, "SHIPPED", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminalStatus(t *testing.T) {
	assert.True(t, IsTerminalStatus(ReqStatusCompleted))
	assert.True(t, IsTerminalStatus(ReqStatusCancelled))
	assert.True(t, IsTerminalStatus(ReqStatusRejected))

	assert.False(t, IsTerminalStatus(ReqStatusDraft))
	assert.False(t, IsTerminalStatus(ReqStatusSubmitted))
	assert.False(t, IsTerminalStatus(ReqStatusUnderReview))
	assert.False(t, IsTerminalStatus(ReqStatusApproved))
	assert.False(t, IsTerminalStatus(ReqStatusPartiallyFilled))
}

func TestSignedQuantity(t *testing.T) {
	tests := []struct {
		txType string
		qty    int
		want   int
	}{
		{TxTypeReceive, 10, 10},
		{TxTypeAdjustIncrease, 5, 5},
		{TxTypeTransferIn, 3, 3},
		{TxTypeDispense, 10, -10},
		{TxTypeAdjustDecrease, 5, -5},
		{TxTypeTransferOut, 3, -3},
	}

	for _, tt := range tests {
		got, err := SignedQuantity(tt.txType, tt.qty)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := SignedQuantity("RESTOCK", 1)
	assert.Error(t, err)
}

func TestRemainingQty(t *testing.T) {
	item := &RequisitionItem{ApprovedQty: 100, FulfilledQty: 30}
	assert.Equal(t, 70, item.RemainingQty())

	// over-delivery floors at zero
	item.FulfilledQty = 120
	assert.Equal(t, 0, item.RemainingQty())
}
