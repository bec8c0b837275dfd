package store

import (
	"context"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceState interface {
	Get(ctx context.Context, deviceID string, slot model.StateSlot) (*model.DeviceState, error)
	// Replace writes the full record for one slot, overwriting any
	// existing row. Version bookkeeping belongs to the state engine; the
	// caller must hold the device lock.
	Replace(ctx context.Context, state *model.DeviceState) error
	Delete(ctx context.Context, deviceID string) error
}

type DeviceStateStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ DeviceState = (*DeviceStateStore)(nil)

func NewDeviceState(db *gorm.DB, log logrus.FieldLogger) DeviceState {
	return &DeviceStateStore{db: db, log: log}
}

func (s *DeviceStateStore) Get(ctx context.Context, deviceID string, slot model.StateSlot) (*model.DeviceState, error) {
	var state model.DeviceState
	result := s.db.WithContext(ctx).
		Where("device_id = ? AND slot = ?", deviceID, slot).First(&state)
	if result.Error != nil {
		return nil, ecerrors.ErrorFromGormError(result.Error)
	}
	return &state, nil
}

func (s *DeviceStateStore) Replace(ctx context.Context, state *model.DeviceState) error {
	if state == nil || state.DeviceID == "" || state.Slot == "" {
		return ecerrors.ErrInvariantViolation
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "slot"}},
		UpdateAll: true,
	}).Create(state)
	return ecerrors.ErrorFromGormError(result.Error)
}

func (s *DeviceStateStore) Delete(ctx context.Context, deviceID string) error {
	result := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&model.DeviceState{})
	return ecerrors.ErrorFromGormError(result.Error)
}
