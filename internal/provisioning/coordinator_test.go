package provisioning

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/edgectl/edgectl/internal/crypto"
	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/events"
	"github.com/edgectl/edgectl/internal/identity"
	"github.com/edgectl/edgectl/internal/license"
	"github.com/edgectl/edgectl/internal/state"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type harness struct {
	coordinator *Coordinator
	store       store.Store
	identity    *identity.Service
	bus         *events.Bus
	token       string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.NewStore(db, logrus.New())
	require.NoError(t, st.InitialMigration())
	t.Cleanup(func() { _ = st.Close() })

	logger := logrus.New()
	bus := events.NewBus(logger)
	ident := identity.NewService(logger)
	stateEngine := state.NewEngine(st, bus, logger)

	// unlicensed: the trial policy caps devices at 3
	lic := license.NewAuthority(st, logger, "", nil)
	require.NoError(t, lic.Init(ctx))

	coordinator := NewCoordinator(st, ident, lic, stateEngine, bus, Config{
		APIEndpoint: "https://api.example.com",
		BrokerUrl:   "ssl://broker.example.com:8883",
		TlsCa:       "---ca---",
		TlsVerify:   true,
	}, logger)
	require.NoError(t, coordinator.EnsurePlatformKeys(ctx))

	token, _, err := ident.CreateKey(ctx, st, "fleet-a", nil, nil)
	require.NoError(t, err)

	return &harness{
		coordinator: coordinator,
		store:       st,
		identity:    ident,
		bus:         bus,
		token:       token,
	}
}

func (h *harness) registerPayload(t *testing.T, deviceID string) []byte {
	t.Helper()
	resp, err := h.coordinator.Phase1(context.Background(), "10.0.0.1", Phase1Request{
		DeviceID:          deviceID,
		ProvisioningToken: h.token,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.PlatformPublicKey)

	pub, err := crypto.ParsePublicKey([]byte(resp.PlatformPublicKey))
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]string{
		"device_id":          deviceID,
		"provisioning_token": h.token,
		"display_name":       "Device " + deviceID,
		"kind":               "camera",
		"mac_address":        "aa:bb:cc:dd:ee:ff",
		"os_version":         "1.0.0",
		"agent_version":      "0.5.0",
	})
	require.NoError(t, err)

	envelope, err := crypto.Wrap(pub, payload)
	require.NoError(t, err)
	return envelope
}

func TestEnsurePlatformKeysIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	firstPub := h.coordinator.platformPub
	require.NoError(t, h.coordinator.EnsurePlatformKeys(ctx))
	require.Equal(t, firstPub, h.coordinator.platformPub, "restart must reuse the stored key pair")
}

func TestPhase1RejectsBadToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.coordinator.Phase1(ctx, "10.0.0.9", Phase1Request{
		DeviceID:          "dev-1",
		ProvisioningToken: "wrong",
	})
	require.ErrorIs(t, err, ecerrors.ErrUnauthorized)

	// the rejection is audited even though the transaction rolled back
	records, err := h.store.Audit().List(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, "provisioning.rejected", records[0].Kind)
	require.Equal(t, "dev-1", records[0].Actor)
}

func TestPhase2RejectionIsAudited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	envelope := h.registerPayload(t, "dev-1")
	require.NoError(t, h.store.ProvisioningKey().SetActive(ctx, mustOnlyKeyID(t, h), false))

	_, err := h.coordinator.Phase2(ctx, "10.0.0.9", envelope)
	require.ErrorIs(t, err, ecerrors.ErrUnauthorized)

	records, err := h.store.Audit().List(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, "provisioning.rejected", records[0].Kind)
	require.Equal(t, "dev-1", records[0].Actor)
}

func mustOnlyKeyID(t *testing.T, h *harness) string {
	t.Helper()
	keys, err := h.store.ProvisioningKey().List(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	return keys[0].ID
}

func TestPhase1StoresDevicePublicKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, devicePub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	resp, err := h.coordinator.Phase1(ctx, "10.0.0.1", Phase1Request{
		DeviceID:          "dev-1",
		ProvisioningToken: h.token,
		DevicePublicKey:   string(devicePub),
	})
	require.NoError(t, err)
	require.True(t, resp.OK)

	stored, err := h.store.Device().GetPublicKey(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, devicePub, stored.PublicKeyPem)
}

func TestPhase2HappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	provisioned := make(chan events.Event, 1)
	cancel := h.bus.Subscribe(func(ev events.Event) { provisioned <- ev }, events.KindDeviceProvisioned)
	defer cancel()

	bundle, err := h.coordinator.Phase2(ctx, "10.0.0.1", h.registerPayload(t, "dev-1"))
	require.NoError(t, err)

	require.Equal(t, "dev-1", bundle.Device.DeviceID)
	require.Equal(t, "https://api.example.com", bundle.API.Endpoint)
	require.NotEmpty(t, bundle.API.APIKey)
	require.Equal(t, "ssl://broker.example.com:8883", bundle.Mqtt.BrokerUrl)
	require.Equal(t, model.DeviceUsername("dev-1"), bundle.Mqtt.Username)
	require.NotEmpty(t, bundle.Mqtt.Password)

	device, err := h.store.Device().Get(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, model.AdmissionStateActive, device.AdmissionState)
	require.Equal(t, "fleet-a", device.FleetTag, "fleet tag comes from the provisioning key")
	require.True(t, crypto.VerifyPassword(bundle.API.APIKey, device.ApiKeyHash))

	user, err := h.store.Mqtt().GetUser(ctx, bundle.Mqtt.Username)
	require.NoError(t, err)
	require.True(t, crypto.VerifyPassword(bundle.Mqtt.Password, user.PasswordHash))

	desired, err := h.store.DeviceState().Get(ctx, "dev-1", model.StateSlotDesired)
	require.NoError(t, err)
	require.EqualValues(t, 1, desired.Version)

	ev := <-provisioned
	require.Equal(t, "dev-1", ev.DeviceID)
}

func TestPhase2ReplayRotatesCredentials(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.coordinator.Phase2(ctx, "10.0.0.1", h.registerPayload(t, "dev-1"))
	require.NoError(t, err)
	second, err := h.coordinator.Phase2(ctx, "10.0.0.1", h.registerPayload(t, "dev-1"))
	require.NoError(t, err)

	require.NotEqual(t, first.Mqtt.Password, second.Mqtt.Password)
	require.NotEqual(t, first.API.APIKey, second.API.APIKey)

	// only the fresh credentials verify
	user, err := h.store.Mqtt().GetUser(ctx, second.Mqtt.Username)
	require.NoError(t, err)
	require.False(t, crypto.VerifyPassword(first.Mqtt.Password, user.PasswordHash))
	require.True(t, crypto.VerifyPassword(second.Mqtt.Password, user.PasswordHash))

	// still one device, still one desired state at version 1
	count, err := h.store.Device().CountActive(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestPhase2RejectsGarbageEnvelope(t *testing.T) {
	h := newHarness(t)
	_, err := h.coordinator.Phase2(context.Background(), "10.0.0.1", []byte("garbage"))
	require.ErrorIs(t, err, ecerrors.ErrCryptoFailure)

	records, err := h.store.Audit().List(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, "provisioning.crypto_failure", records[0].Kind)
}

func TestPhase2EnforcesDeviceLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, deviceID := range []string{"dev-1", "dev-2", "dev-3"} {
		_, err := h.coordinator.Phase2(ctx, "10.0.0.1", h.registerPayload(t, deviceID))
		require.NoError(t, err)
	}

	// the trial allows three devices; the fourth is refused
	_, err := h.coordinator.Phase2(ctx, "10.0.0.1", h.registerPayload(t, "dev-4"))
	require.ErrorIs(t, err, ecerrors.ErrLicenseLimitExceeded)

	// the denial is audited even though the transaction rolled back
	records, err := h.store.Audit().List(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, "admission.denied", records[0].Kind)
	require.Equal(t, "dev-4", records[0].Actor)
	require.EqualValues(t, 4, records[0].Details.Data["proposed_count"])

	// re-provisioning an existing device is not an admission
	_, err = h.coordinator.Phase2(ctx, "10.0.0.1", h.registerPayload(t, "dev-1"))
	require.NoError(t, err)
}

func TestPurgeRemovesEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	bundle, err := h.coordinator.Phase2(ctx, "10.0.0.1", h.registerPayload(t, "dev-1"))
	require.NoError(t, err)

	require.NoError(t, h.coordinator.Purge(ctx, "dev-1"))

	_, err = h.store.Device().Get(ctx, "dev-1")
	require.ErrorIs(t, err, ecerrors.ErrNotFound)
	_, err = h.store.Mqtt().GetUser(ctx, bundle.Mqtt.Username)
	require.ErrorIs(t, err, ecerrors.ErrNotFound)
	_, err = h.store.DeviceState().Get(ctx, "dev-1", model.StateSlotDesired)
	require.ErrorIs(t, err, ecerrors.ErrNotFound)

	require.ErrorIs(t, h.coordinator.Purge(ctx, "dev-1"), ecerrors.ErrNotFound)
}

func TestRetireFreesAdmissionSlotAndDisablesAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	bundle, err := h.coordinator.Phase2(ctx, "10.0.0.1", h.registerPayload(t, "dev-1"))
	require.NoError(t, err)

	require.NoError(t, h.coordinator.Retire(ctx, "dev-1"))

	device, err := h.store.Device().Get(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, model.AdmissionStateRetired, device.AdmissionState)

	user, err := h.store.Mqtt().GetUser(ctx, bundle.Mqtt.Username)
	require.NoError(t, err)
	require.False(t, user.Active)

	count, err := h.store.Device().CountActive(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}
