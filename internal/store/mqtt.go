package store

import (
	"context"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Mqtt interface {
	GetUser(ctx context.Context, username string) (*model.MqttUser, error)
	ListAcls(ctx context.Context, username string) ([]model.MqttAcl, error)
	// ReplaceDeviceAccount atomically removes any previous account for the
	// device and installs a fresh user plus its ACL set. Old password
	// hashes are never reused.
	ReplaceDeviceAccount(ctx context.Context, deviceID, username, passwordHash string, acls []model.MqttAcl) error
	SetUserActive(ctx context.Context, username string, active bool) error
	DeleteDeviceAccount(ctx context.Context, deviceID string) error
}

type MqttStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Mqtt = (*MqttStore)(nil)

func NewMqtt(db *gorm.DB, log logrus.FieldLogger) Mqtt {
	return &MqttStore{db: db, log: log}
}

func (s *MqttStore) GetUser(ctx context.Context, username string) (*model.MqttUser, error) {
	var user model.MqttUser
	result := s.db.WithContext(ctx).Where("username = ?", username).First(&user)
	if result.Error != nil {
		return nil, ecerrors.ErrorFromGormError(result.Error)
	}
	return &user, nil
}

func (s *MqttStore) ListAcls(ctx context.Context, username string) ([]model.MqttAcl, error) {
	var acls []model.MqttAcl
	result := s.db.WithContext(ctx).Where("username = ?", username).Find(&acls)
	return acls, ecerrors.ErrorFromGormError(result.Error)
}

func (s *MqttStore) ReplaceDeviceAccount(ctx context.Context, deviceID, username, passwordHash string, acls []model.MqttAcl) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old []model.MqttUser
		if err := tx.Where("device_id = ?", deviceID).Find(&old).Error; err != nil {
			return err
		}
		for _, u := range old {
			if err := tx.Where("username = ?", u.Username).Delete(&model.MqttAcl{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&model.MqttUser{}).Error; err != nil {
			return err
		}

		user := model.MqttUser{
			Username:     username,
			PasswordHash: passwordHash,
			Active:       true,
			DeviceID:     lo.ToPtr(deviceID),
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		if len(acls) > 0 {
			if err := tx.Create(&acls).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return ecerrors.ErrorFromGormError(err)
}

func (s *MqttStore) SetUserActive(ctx context.Context, username string, active bool) error {
	result := s.db.WithContext(ctx).Model(&model.MqttUser{}).
		Where("username = ?", username).Update("active", active)
	if result.Error != nil {
		return ecerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ecerrors.ErrNotFound
	}
	return nil
}

func (s *MqttStore) DeleteDeviceAccount(ctx context.Context, deviceID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old []model.MqttUser
		if err := tx.Where("device_id = ?", deviceID).Find(&old).Error; err != nil {
			return err
		}
		for _, u := range old {
			if err := tx.Where("username = ?", u.Username).Delete(&model.MqttAcl{}).Error; err != nil {
				return err
			}
		}
		return tx.Where("device_id = ?", deviceID).Delete(&model.MqttUser{}).Error
	})
	return ecerrors.ErrorFromGormError(err)
}
