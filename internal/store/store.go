package store

import (
	"context"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Store interface {
	Device() Device
	ProvisioningKey() ProvisioningKey
	DeviceState() DeviceState
	Mqtt() Mqtt
	Job() Job
	SystemConfig() SystemConfig
	Audit() Audit

	// RunInTx executes fn within a single transaction; fn receives a
	// transaction-scoped Store. Serialization conflicts surface as
	// ErrRetryableStorage.
	RunInTx(ctx context.Context, fn func(Store) error) error

	// LockDevice acquires the per-device advisory lock; released when the
	// enclosing transaction ends. Valid only inside RunInTx. All mutations
	// of a device and its dependent records must hold this lock.
	LockDevice(ctx context.Context, deviceID string) error

	// TryLockKey attempts a transaction-scoped advisory lock on an
	// arbitrary well-known key, used for single-leader election.
	TryLockKey(ctx context.Context, key string) (bool, error)

	InitialMigration() error
	Close() error
}

type DataStore struct {
	device          Device
	provisioningKey ProvisioningKey
	deviceState     DeviceState
	mqtt            Mqtt
	job             Job
	systemConfig    SystemConfig
	audit           Audit

	db  *gorm.DB
	log logrus.FieldLogger
}

func NewStore(db *gorm.DB, log logrus.FieldLogger) Store {
	return &DataStore{
		device:          NewDevice(db, log),
		provisioningKey: NewProvisioningKey(db, log),
		deviceState:     NewDeviceState(db, log),
		mqtt:            NewMqtt(db, log),
		job:             NewJob(db, log),
		systemConfig:    NewSystemConfig(db, log),
		audit:           NewAudit(db, log),
		db:              db,
		log:             log,
	}
}

func (s *DataStore) Device() Device                   { return s.device }
func (s *DataStore) ProvisioningKey() ProvisioningKey { return s.provisioningKey }
func (s *DataStore) DeviceState() DeviceState         { return s.deviceState }
func (s *DataStore) Mqtt() Mqtt                       { return s.mqtt }
func (s *DataStore) Job() Job                         { return s.job }
func (s *DataStore) SystemConfig() SystemConfig       { return s.systemConfig }
func (s *DataStore) Audit() Audit                     { return s.audit }

func (s *DataStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx, s.log))
	})
	return ecerrors.ErrorFromGormError(err)
}

func (s *DataStore) LockDevice(ctx context.Context, deviceID string) error {
	if s.db.Dialector.Name() != "postgres" {
		// sqlite serializes writers; the advisory lock is a no-op there
		return nil
	}
	err := s.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "device/"+deviceID).Error
	return ecerrors.ErrorFromGormError(err)
}

func (s *DataStore) TryLockKey(ctx context.Context, key string) (bool, error) {
	if s.db.Dialector.Name() != "postgres" {
		return true, nil
	}
	var acquired bool
	err := s.db.WithContext(ctx).Raw("SELECT pg_try_advisory_xact_lock(hashtext(?))", key).Scan(&acquired).Error
	if err != nil {
		return false, ecerrors.ErrorFromGormError(err)
	}
	return acquired, nil
}

func (s *DataStore) InitialMigration() error {
	return s.db.AutoMigrate(
		&model.Device{},
		&model.DevicePublicKey{},
		&model.ProvisioningKey{},
		&model.DeviceState{},
		&model.MqttUser{},
		&model.MqttAcl{},
		&model.Job{},
		&model.ScheduledJob{},
		&model.AuditRecord{},
		&model.SystemConfig{},
	)
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
