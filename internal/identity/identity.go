package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/edgectl/edgectl/internal/crypto"
	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Service owns every place where a credential plaintext is produced:
// provisioning keys, device MQTT passwords, and device API keys. Plaintext
// is returned up exactly once; the store only ever sees hashes.
type Service struct {
	log logrus.FieldLogger
}

func NewService(log logrus.FieldLogger) *Service {
	return &Service{log: log}
}

// CreateKey mints a provisioning key and returns its plaintext token, the
// only time it is visible.
func (s *Service) CreateKey(ctx context.Context, st store.Store, fleetTag string, maxUses *int64, expiresAt *time.Time) (string, *model.ProvisioningKey, error) {
	token, err := crypto.NewSecret()
	if err != nil {
		return "", nil, err
	}
	hash, err := crypto.HashPassword(token)
	if err != nil {
		return "", nil, err
	}
	key := &model.ProvisioningKey{
		ID:        uuid.NewString(),
		KeyHash:   hash,
		FleetTag:  fleetTag,
		MaxUses:   maxUses,
		Active:    true,
		ExpiresAt: expiresAt,
	}
	if err := st.ProvisioningKey().Create(ctx, key); err != nil {
		return "", nil, err
	}
	return token, key, nil
}

// ValidateKey matches the plaintext token against the usable key rows.
// Rejections are audited by the caller, outside its transaction.
func (s *Service) ValidateKey(ctx context.Context, st store.Store, token string) (*model.ProvisioningKey, error) {
	return s.matchKey(ctx, st, token)
}

// ValidateAndConsumeKey matches the token and, in the same transaction,
// re-checks usability while incrementing the use counter. Under concurrent
// attempts against a max_uses budget, only the winners succeed.
func (s *Service) ValidateAndConsumeKey(ctx context.Context, st store.Store, token string) (*model.ProvisioningKey, error) {
	key, err := s.matchKey(ctx, st, token)
	if err != nil {
		return nil, err
	}
	if err := st.ProvisioningKey().Consume(ctx, key.ID, time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ecerrors.ErrUnauthorized, err)
	}
	key.Uses++
	return key, nil
}

func (s *Service) matchKey(ctx context.Context, st store.Store, token string) (*model.ProvisioningKey, error) {
	if token == "" {
		return nil, ecerrors.ErrUnauthorized
	}
	candidates, err := st.ProvisioningKey().ListUsable(ctx, "", time.Now())
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if crypto.VerifyPassword(token, candidates[i].KeyHash) {
			return &candidates[i], nil
		}
	}
	return nil, ecerrors.ErrUnauthorized
}

// DeviceAcls is the ACL triple every device account holds, and nothing
// else: read+write on its agent and state namespaces, write-only on its
// sensor namespace. Patterns never span another device's namespace.
func DeviceAcls(deviceID string) []model.MqttAcl {
	username := model.DeviceUsername(deviceID)
	return []model.MqttAcl{
		{Username: username, TopicPattern: "agent/" + deviceID + "/#", Permissions: model.PermissionRead | model.PermissionWrite},
		{Username: username, TopicPattern: "state/" + deviceID + "/#", Permissions: model.PermissionRead | model.PermissionWrite},
		{Username: username, TopicPattern: "sensor/" + deviceID + "/#", Permissions: model.PermissionWrite},
	}
}

// MaterializeDeviceAccount issues a fresh MQTT credential set for the
// device, replacing any previous account so an old password can never be
// replayed. Returns the username and the password plaintext.
func (s *Service) MaterializeDeviceAccount(ctx context.Context, st store.Store, deviceID string) (string, string, error) {
	password, err := crypto.NewSecret()
	if err != nil {
		return "", "", err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return "", "", err
	}
	username := model.DeviceUsername(deviceID)
	if err := st.Mqtt().ReplaceDeviceAccount(ctx, deviceID, username, hash, DeviceAcls(deviceID)); err != nil {
		return "", "", err
	}
	return username, password, nil
}

// NewAPIKey produces a device API key plaintext and its hash. The caller
// stores the hash on the device row.
func (s *Service) NewAPIKey() (plaintext, hash string, err error) {
	plaintext, err = crypto.NewSecret()
	if err != nil {
		return "", "", err
	}
	hash, err = crypto.HashPassword(plaintext)
	if err != nil {
		return "", "", err
	}
	return plaintext, hash, nil
}
