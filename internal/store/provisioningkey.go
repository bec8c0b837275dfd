package store

import (
	"context"
	"time"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ProvisioningKey interface {
	Create(ctx context.Context, key *model.ProvisioningKey) error
	Get(ctx context.Context, id string) (*model.ProvisioningKey, error)
	List(ctx context.Context) ([]model.ProvisioningKey, error)
	// ListUsable returns candidate rows for token matching: active, not
	// expired, under their use budget. Bounded by fleetTag when non-empty.
	ListUsable(ctx context.Context, fleetTag string, now time.Time) ([]model.ProvisioningKey, error)
	// Consume atomically increments the use counter, re-checking
	// usability in the same statement. Returns ErrProvisioningKeyInvalid
	// if the key became unusable since it was matched.
	Consume(ctx context.Context, id string, now time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
}

type ProvisioningKeyStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ ProvisioningKey = (*ProvisioningKeyStore)(nil)

func NewProvisioningKey(db *gorm.DB, log logrus.FieldLogger) ProvisioningKey {
	return &ProvisioningKeyStore{db: db, log: log}
}

func (s *ProvisioningKeyStore) Create(ctx context.Context, key *model.ProvisioningKey) error {
	result := s.db.WithContext(ctx).Create(key)
	return ecerrors.ErrorFromGormError(result.Error)
}

func (s *ProvisioningKeyStore) Get(ctx context.Context, id string) (*model.ProvisioningKey, error) {
	var key model.ProvisioningKey
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&key)
	if result.Error != nil {
		return nil, ecerrors.ErrorFromGormError(result.Error)
	}
	return &key, nil
}

func (s *ProvisioningKeyStore) List(ctx context.Context) ([]model.ProvisioningKey, error) {
	var keys []model.ProvisioningKey
	result := s.db.WithContext(ctx).Order("created_at").Find(&keys)
	return keys, ecerrors.ErrorFromGormError(result.Error)
}

func (s *ProvisioningKeyStore) ListUsable(ctx context.Context, fleetTag string, now time.Time) ([]model.ProvisioningKey, error) {
	query := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("max_uses IS NULL OR uses < max_uses")
	if fleetTag != "" {
		query = query.Where("fleet_tag = ?", fleetTag)
	}
	var keys []model.ProvisioningKey
	result := query.Find(&keys)
	return keys, ecerrors.ErrorFromGormError(result.Error)
}

func (s *ProvisioningKeyStore) Consume(ctx context.Context, id string, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&model.ProvisioningKey{}).
		Where("id = ?", id).
		Where("active = ?", true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("max_uses IS NULL OR uses < max_uses").
		Update("uses", gorm.Expr("uses + 1"))
	if result.Error != nil {
		return ecerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ecerrors.ErrProvisioningKeyInvalid
	}
	return nil
}

func (s *ProvisioningKeyStore) SetActive(ctx context.Context, id string, active bool) error {
	result := s.db.WithContext(ctx).Model(&model.ProvisioningKey{}).
		Where("id = ?", id).Update("active", active)
	if result.Error != nil {
		return ecerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ecerrors.ErrNotFound
	}
	return nil
}
