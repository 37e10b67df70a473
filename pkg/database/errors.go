package database

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	apperrors "github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// IsRetryable reports whether the error is a transient Postgres conflict
// (serialization failure or deadlock) worth retrying.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *apperrors.AppError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return apperrors.Conflict(formatConstraintMessage(pqErr))

	// Foreign key violation (23503)
	case "23503":
		return apperrors.BadRequest("referenced record does not exist")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return apperrors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

// mapCheckConstraint maps specific CHECK constraint names to user-friendly messages.
func mapCheckConstraint(pqErr *pq.Error) *apperrors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "current_stock_non_negative"):
		return apperrors.Conflict("stock level cannot go below zero")

	case strings.Contains(constraint, "current_qty_non_negative"):
		return apperrors.Conflict("batch quantity cannot go below zero")

	case strings.Contains(constraint, "quantity_positive"):
		return apperrors.Validation(map[string]string{
			"quantity": "must be greater than zero",
		})

	case strings.Contains(constraint, "status_valid"):
		return apperrors.Validation(map[string]string{
			"status": "is not a recognized status",
		})

	default:
		return apperrors.BadRequest("data validation failed: " + constraint)
	}
}

// formatConstraintMessage creates a user-friendly message for unique constraint violations.
func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "card_number"):
		return "a stock card with this card number already exists"
	case strings.Contains(constraint, "stock_cards_scope"):
		return "a stock card for this warehouse and drug already exists"
	case strings.Contains(constraint, "stock_batches_lot"):
		return "a batch with this number and expiry date already exists"
	case strings.Contains(constraint, "requisition_number"):
		return "a requisition with this number already exists"
	default:
		return "a record with these values already exists"
	}
}
