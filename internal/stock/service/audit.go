package service

import (
	"context"
	"encoding/json"

	"github.com/pharmaflow/pharmaflow-backend/internal/stock/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// AuditService records compliance entries after the primary transaction has
// committed. Failures are logged locally and never propagated: an audit gap
// must not undo a stock movement.
type AuditService struct {
	repo   *repository.AuditTrailRepository
	logger *logger.Logger
}

// NewAuditService creates a new audit service
func NewAuditService(repo *repository.AuditTrailRepository, log *logger.Logger) *AuditService {
	return &AuditService{
		repo:   repo,
		logger: log.WithComponent("audit"),
	}
}

// Record appends one audit entry with JSON snapshots of the old and new
// entity state. Best-effort by contract.
func (s *AuditService) Record(ctx context.Context, action, entityType, entityID, description string, oldValues, newValues interface{}) {
	entry := &repository.AuditEntry{
		HospitalID: actor.HospitalID(ctx),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
	}

	if description != "" {
		entry.Description = &description
	}

	if userID := actor.UserID(ctx); userID != "" {
		entry.PerformedBy = &userID
	}

	entry.OldValues = s.marshal(entityType, entityID, oldValues)
	entry.NewValues = s.marshal(entityType, entityID, newValues)

	if err := s.repo.Create(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Str("action", action).
			Msg("failed to create audit entry")
	}
}

// ListByEntity lists audit entries for a specific entity with pagination
func (s *AuditService) ListByEntity(ctx context.Context, entityType, entityID string, page, perPage int) ([]*repository.AuditEntry, int64, error) {
	return s.repo.ListByEntity(ctx, entityType, entityID, page, perPage)
}

func (s *AuditService) marshal(entityType, entityID string, v interface{}) *string {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Msg("failed to marshal audit snapshot")
		return nil
	}
	str := string(data)
	return &str
}
