package store

import (
	"context"
	"time"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Audit interface {
	// Append inserts a record, assigning ID and OccurredAt when unset.
	// The table is append-only; there is no update or delete path.
	Append(ctx context.Context, record *model.AuditRecord) error
	List(ctx context.Context, limit int) ([]model.AuditRecord, error)
}

type AuditStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Audit = (*AuditStore)(nil)

func NewAudit(db *gorm.DB, log logrus.FieldLogger) Audit {
	return &AuditStore{db: db, log: log}
}

func (s *AuditStore) Append(ctx context.Context, record *model.AuditRecord) error {
	if record == nil {
		return ecerrors.ErrInvariantViolation
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now()
	}
	result := s.db.WithContext(ctx).Create(record)
	return ecerrors.ErrorFromGormError(result.Error)
}

func (s *AuditStore) List(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	query := s.db.WithContext(ctx).Order("occurred_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []model.AuditRecord
	result := query.Find(&records)
	return records, ecerrors.ErrorFromGormError(result.Error)
}
