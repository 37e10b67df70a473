package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
)

// AuditEntry is one compliance record. Entries are append-only and written
// outside the primary receipt transaction; losing one never rolls back a
// stock movement.
type AuditEntry struct {
	ID          string    `db:"id" json:"id"`
	HospitalID  string    `db:"hospital_id" json:"hospital_id"`
	Action      string    `db:"action" json:"action"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	EntityID    string    `db:"entity_id" json:"entity_id"`
	Description *string   `db:"description" json:"description,omitempty"`
	OldValues   *string   `db:"old_values" json:"old_values,omitempty"`
	NewValues   *string   `db:"new_values" json:"new_values,omitempty"`
	PerformedBy *string   `db:"performed_by" json:"performed_by,omitempty"`
	IPAddress   *string   `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent   *string   `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// AuditTrailRepository handles append-only audit persistence.
// No UPDATE or DELETE is permitted on this table.
type AuditTrailRepository struct {
	db *database.DB
}

// NewAuditTrailRepository creates a new audit trail repository
func NewAuditTrailRepository(db *database.DB) *AuditTrailRepository {
	return &AuditTrailRepository{db: db}
}

// Create creates a new audit trail entry
func (r *AuditTrailRepository) Create(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	query := `
		INSERT INTO audit_trail (
			id, hospital_id, action, entity_type, entity_id, description,
			old_values, new_values, performed_by, ip_address, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`
	return r.db.QueryRowxContext(ctx, query,
		entry.ID, entry.HospitalID, entry.Action, entry.EntityType, entry.EntityID,
		entry.Description, entry.OldValues, entry.NewValues, entry.PerformedBy,
		entry.IPAddress, entry.UserAgent,
	).Scan(&entry.CreatedAt)
}

// ListByEntity lists audit entries for a specific entity with pagination
func (r *AuditTrailRepository) ListByEntity(ctx context.Context, entityType, entityID string, page, perPage int) ([]*AuditEntry, int64, error) {
	var total int64
	countQuery := `SELECT COUNT(*) FROM audit_trail WHERE entity_type = $1 AND entity_id = $2`
	if err := r.db.GetContext(ctx, &total, countQuery, entityType, entityID); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	var entries []*AuditEntry
	query := `
		SELECT * FROM audit_trail
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	if err := r.db.SelectContext(ctx, &entries, query, entityType, entityID, perPage, offset); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}
