package store

import (
	"context"
	"time"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Device interface {
	Get(ctx context.Context, deviceID string) (*model.Device, error)
	Exists(ctx context.Context, deviceID string) (bool, error)
	Upsert(ctx context.Context, device *model.Device) error
	CountActive(ctx context.Context) (int64, error)
	SetAdmissionState(ctx context.Context, deviceID string, state model.AdmissionState) error
	TouchLastContact(ctx context.Context, deviceID string, at time.Time) error
	List(ctx context.Context) ([]model.Device, error)
	ListActiveByFleet(ctx context.Context, fleetTag string) ([]model.Device, error)
	ListActive(ctx context.Context) ([]model.Device, error)
	GetPublicKey(ctx context.Context, deviceID string) (*model.DevicePublicKey, error)
	UpsertPublicKey(ctx context.Context, key *model.DevicePublicKey) error
	Delete(ctx context.Context, deviceID string) error
}

type DeviceStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Device interface
var _ Device = (*DeviceStore)(nil)

func NewDevice(db *gorm.DB, log logrus.FieldLogger) Device {
	return &DeviceStore{db: db, log: log}
}

func (s *DeviceStore) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	var device model.Device
	result := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device)
	if result.Error != nil {
		return nil, ecerrors.ErrorFromGormError(result.Error)
	}
	return &device, nil
}

func (s *DeviceStore) Exists(ctx context.Context, deviceID string) (bool, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&model.Device{}).Where("device_id = ?", deviceID).Count(&count)
	if result.Error != nil {
		return false, ecerrors.ErrorFromGormError(result.Error)
	}
	return count > 0, nil
}

func (s *DeviceStore) Upsert(ctx context.Context, device *model.Device) error {
	if device == nil || device.DeviceID == "" {
		return ecerrors.ErrInvariantViolation
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(device)
	return ecerrors.ErrorFromGormError(result.Error)
}

// CountActive counts devices in admission_state=active. Retired devices
// never satisfy admission counts.
func (s *DeviceStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("admission_state = ?", model.AdmissionStateActive).Count(&count)
	if result.Error != nil {
		return 0, ecerrors.ErrorFromGormError(result.Error)
	}
	return count, nil
}

func (s *DeviceStore) SetAdmissionState(ctx context.Context, deviceID string, state model.AdmissionState) error {
	result := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("device_id = ?", deviceID).Update("admission_state", state)
	if result.Error != nil {
		return ecerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ecerrors.ErrNotFound
	}
	return nil
}

func (s *DeviceStore) TouchLastContact(ctx context.Context, deviceID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("device_id = ?", deviceID).Update("last_contact_at", at)
	return ecerrors.ErrorFromGormError(result.Error)
}

func (s *DeviceStore) List(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	result := s.db.WithContext(ctx).Order("device_id").Find(&devices)
	return devices, ecerrors.ErrorFromGormError(result.Error)
}

func (s *DeviceStore) ListActive(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	result := s.db.WithContext(ctx).
		Where("admission_state = ?", model.AdmissionStateActive).
		Order("device_id").Find(&devices)
	return devices, ecerrors.ErrorFromGormError(result.Error)
}

func (s *DeviceStore) ListActiveByFleet(ctx context.Context, fleetTag string) ([]model.Device, error) {
	var devices []model.Device
	result := s.db.WithContext(ctx).
		Where("admission_state = ? AND fleet_tag = ?", model.AdmissionStateActive, fleetTag).
		Order("device_id").Find(&devices)
	return devices, ecerrors.ErrorFromGormError(result.Error)
}

func (s *DeviceStore) GetPublicKey(ctx context.Context, deviceID string) (*model.DevicePublicKey, error) {
	var key model.DevicePublicKey
	result := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&key)
	if result.Error != nil {
		return nil, ecerrors.ErrorFromGormError(result.Error)
	}
	return &key, nil
}

// UpsertPublicKey overwrites any previous key; re-keying a device is
// supported.
func (s *DeviceStore) UpsertPublicKey(ctx context.Context, key *model.DevicePublicKey) error {
	if key == nil || key.DeviceID == "" {
		return ecerrors.ErrInvariantViolation
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(key)
	return ecerrors.ErrorFromGormError(result.Error)
}

func (s *DeviceStore) Delete(ctx context.Context, deviceID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&model.DevicePublicKey{}).Error; err != nil {
			return err
		}
		return tx.Where("device_id = ?", deviceID).Delete(&model.Device{}).Error
	})
	return ecerrors.ErrorFromGormError(err)
}
