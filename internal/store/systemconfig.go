package store

import (
	"context"
	"encoding/json"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SystemConfig interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
}

type SystemConfigStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ SystemConfig = (*SystemConfigStore)(nil)

func NewSystemConfig(db *gorm.DB, log logrus.FieldLogger) SystemConfig {
	return &SystemConfigStore{db: db, log: log}
}

func (s *SystemConfigStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var row model.SystemConfig
	result := s.db.WithContext(ctx).Where("key = ?", key).First(&row)
	if result.Error != nil {
		return nil, ecerrors.ErrorFromGormError(result.Error)
	}
	if row.Value == nil {
		return nil, nil
	}
	return row.Value.Data, nil
}

func (s *SystemConfigStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	row := model.SystemConfig{
		Key:   key,
		Value: model.MakeJSONField(value),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&row)
	return ecerrors.ErrorFromGormError(result.Error)
}

func (s *SystemConfigStore) Delete(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).Where("key = ?", key).Delete(&model.SystemConfig{})
	return ecerrors.ErrorFromGormError(result.Error)
}
