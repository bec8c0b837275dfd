package provisioning

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edgectl/edgectl/internal/crypto"
	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/events"
	"github.com/edgectl/edgectl/internal/identity"
	"github.com/edgectl/edgectl/internal/license"
	"github.com/edgectl/edgectl/internal/state"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/sirupsen/logrus"
)

const platformKeyID = "primary"

type Phase1Request struct {
	DeviceID          string `json:"device_id"`
	ProvisioningToken string `json:"provisioning_token"`
	DevicePublicKey   string `json:"device_public_key,omitempty"`
}

type Phase1Response struct {
	PlatformPublicKey string `json:"platform_public_key,omitempty"`
	KeyID             string `json:"key_id,omitempty"`
	OK                bool   `json:"ok,omitempty"`
}

// phase2Payload is the asymmetric-wrapped registration document. Unknown
// fields are rejected at the boundary.
type phase2Payload struct {
	DeviceID          string `json:"device_id"`
	ProvisioningToken string `json:"provisioning_token"`
	DisplayName       string `json:"display_name"`
	Kind              string `json:"kind"`
	MacAddress        string `json:"mac_address"`
	OsVersion         string `json:"os_version"`
	AgentVersion      string `json:"agent_version"`
}

type BundleDevice struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
}

type BundleAPI struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	TlsCa    string `json:"tls_ca,omitempty"`
}

type BundleTls struct {
	Ca     string `json:"ca,omitempty"`
	Verify bool   `json:"verify"`
}

type BundleMqtt struct {
	BrokerUrl string    `json:"broker_url"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Tls       BundleTls `json:"tls"`
}

// Bundle is the full bootstrap response of phase 2. The VPN descriptor is
// opaque; an external collaborator produces it.
type Bundle struct {
	Device BundleDevice    `json:"device"`
	API    BundleAPI       `json:"api"`
	Mqtt   BundleMqtt      `json:"mqtt"`
	Vpn    json.RawMessage `json:"vpn,omitempty"`
}

// Config carries the deployment facts echoed into the bootstrap bundle.
type Config struct {
	APIEndpoint string
	BrokerUrl   string
	TlsCa       string
	TlsVerify   bool
}

// Coordinator orchestrates the two-phase device handshake. Phase 1
// exchanges keys; phase 2 unwraps the encrypted registration, admits the
// device under the license, and issues the full credential bundle. Both
// phases are safe under concurrent re-attempts: all mutations for one
// device run under its advisory lock, and re-running phase 2 rotates every
// credential so a replayed response is worthless.
type Coordinator struct {
	store    store.Store
	identity *identity.Service
	license  *license.Authority
	state    *state.Engine
	bus      *events.Bus
	cfg      Config
	log      logrus.FieldLogger

	platformKey *rsa.PrivateKey
	platformPub string
}

func NewCoordinator(st store.Store, id *identity.Service, lic *license.Authority, eng *state.Engine, bus *events.Bus, cfg Config, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		store:    st,
		identity: id,
		license:  lic,
		state:    eng,
		bus:      bus,
		cfg:      cfg,
		log:      log,
	}
}

// EnsurePlatformKeys loads the platform wrapping key pair, generating and
// persisting one on first startup.
func (c *Coordinator) EnsurePlatformKeys(ctx context.Context) error {
	privRaw, err := c.store.SystemConfig().Get(ctx, model.ConfigKeyPlatformPrivateKey)
	switch {
	case err == nil:
		var privPEM string
		if err := json.Unmarshal(privRaw, &privPEM); err != nil {
			return ecerrors.ErrInvariantViolation
		}
		pubRaw, err := c.store.SystemConfig().Get(ctx, model.ConfigKeyPlatformPublicKey)
		if err != nil {
			return err
		}
		var pubPEM string
		if err := json.Unmarshal(pubRaw, &pubPEM); err != nil {
			return ecerrors.ErrInvariantViolation
		}
		key, err := crypto.ParsePrivateKey([]byte(privPEM))
		if err != nil {
			return err
		}
		c.platformKey = key
		c.platformPub = pubPEM
		return nil

	case errors.Is(err, ecerrors.ErrNotFound):
		privPEM, pubPEM, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		privJSON, _ := json.Marshal(string(privPEM))
		pubJSON, _ := json.Marshal(string(pubPEM))
		if err := c.store.SystemConfig().Set(ctx, model.ConfigKeyPlatformPrivateKey, privJSON); err != nil {
			return err
		}
		if err := c.store.SystemConfig().Set(ctx, model.ConfigKeyPlatformPublicKey, pubJSON); err != nil {
			return err
		}
		key, err := crypto.ParsePrivateKey(privPEM)
		if err != nil {
			return err
		}
		c.platformKey = key
		c.platformPub = string(pubPEM)
		c.log.Info("generated platform provisioning key pair")
		return nil

	default:
		return err
	}
}

// Phase1 performs the key exchange. Without a device public key the call is
// a read-only, idempotent fetch of the platform public key; with one, the
// key is upserted (re-keying overwrites).
func (c *Coordinator) Phase1(ctx context.Context, callerAddr string, req Phase1Request) (*Phase1Response, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ecerrors.ErrBadRequest)
	}

	var resp *Phase1Response
	err := c.store.RunInTx(ctx, func(tx store.Store) error {
		if _, err := c.identity.ValidateKey(ctx, tx, req.ProvisioningToken); err != nil {
			return err
		}

		if req.DevicePublicKey == "" {
			resp = &Phase1Response{PlatformPublicKey: c.platformPub, KeyID: platformKeyID}
			return nil
		}

		if _, err := crypto.ParsePublicKey([]byte(req.DevicePublicKey)); err != nil {
			return fmt.Errorf("%w: device public key is not a valid key", ecerrors.ErrBadRequest)
		}
		if err := tx.LockDevice(ctx, req.DeviceID); err != nil {
			return err
		}
		if err := tx.Device().UpsertPublicKey(ctx, &model.DevicePublicKey{
			DeviceID:     req.DeviceID,
			PublicKeyPem: []byte(req.DevicePublicKey),
		}); err != nil {
			return err
		}
		resp = &Phase1Response{OK: true}
		return nil
	})
	if err != nil {
		// the rolled-back transaction must not swallow the rejection audit
		if errors.Is(err, ecerrors.ErrUnauthorized) {
			c.auditRejection(ctx, callerAddr, req.DeviceID)
		}
		return nil, err
	}
	return resp, nil
}

// Phase2 processes the encrypted registration and returns the bootstrap
// bundle. Re-running it for the same device succeeds and rotates the MQTT
// and API credentials; nothing from an earlier response stays valid.
func (c *Coordinator) Phase2(ctx context.Context, callerAddr string, encryptedPayload []byte) (*Bundle, error) {
	plaintext, err := crypto.Unwrap(c.platformKey, encryptedPayload)
	if err != nil {
		c.auditCryptoFailure(ctx, callerAddr)
		return nil, err
	}

	var payload phase2Payload
	decoder := json.NewDecoder(bytes.NewReader(plaintext))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ecerrors.ErrBadRequest, err)
	}
	if payload.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ecerrors.ErrBadRequest)
	}

	var bundle *Bundle
	var proposed int64
	err = c.store.RunInTx(ctx, func(tx store.Store) error {
		key, err := c.identity.ValidateAndConsumeKey(ctx, tx, payload.ProvisioningToken)
		if err != nil {
			return err
		}

		if err := tx.LockDevice(ctx, payload.DeviceID); err != nil {
			return err
		}

		exists, err := tx.Device().Exists(ctx, payload.DeviceID)
		if err != nil {
			return err
		}
		activeCount, err := tx.Device().CountActive(ctx)
		if err != nil {
			return err
		}
		proposed = activeCount
		if !exists {
			proposed++
		}
		if !c.license.WithinLimit(license.LimitMaxDevices, proposed) {
			return ecerrors.ErrLicenseLimitExceeded
		}

		apiKey, apiKeyHash, err := c.identity.NewAPIKey()
		if err != nil {
			return err
		}
		device := &model.Device{
			DeviceID:       payload.DeviceID,
			DisplayName:    payload.DisplayName,
			Kind:           payload.Kind,
			FleetTag:       key.FleetTag,
			MacAddress:     payload.MacAddress,
			OsVersion:      payload.OsVersion,
			AgentVersion:   payload.AgentVersion,
			AdmissionState: model.AdmissionStateActive,
			ApiKeyHash:     apiKeyHash,
		}
		if err := tx.Device().Upsert(ctx, device); err != nil {
			return err
		}

		username, password, err := c.identity.MaterializeDeviceAccount(ctx, tx, payload.DeviceID)
		if err != nil {
			return err
		}

		if err := c.state.SeedDefaultDesired(ctx, tx, payload.DeviceID); err != nil {
			return err
		}

		if err := tx.Audit().Append(ctx, &model.AuditRecord{
			Kind:     "device.provisioned",
			Severity: model.AuditSeverityInfo,
			Actor:    payload.DeviceID,
			Details: model.MakeJSONField(map[string]any{
				"caller_addr": callerAddr,
				"fleet_tag":   key.FleetTag,
				"rotated":     exists,
			}),
		}); err != nil {
			return err
		}

		bundle = &Bundle{
			Device: BundleDevice{DeviceID: payload.DeviceID, DisplayName: payload.DisplayName},
			API:    BundleAPI{Endpoint: c.cfg.APIEndpoint, APIKey: apiKey, TlsCa: c.cfg.TlsCa},
			Mqtt: BundleMqtt{
				BrokerUrl: c.cfg.BrokerUrl,
				Username:  username,
				Password:  password,
				Tls:       BundleTls{Ca: c.cfg.TlsCa, Verify: c.cfg.TlsVerify},
			},
		}
		return nil
	})
	if err != nil {
		// failure audits write through the root store; the transaction
		// they describe has already rolled back
		switch {
		case errors.Is(err, ecerrors.ErrUnauthorized):
			c.auditRejection(ctx, callerAddr, payload.DeviceID)
		case errors.Is(err, ecerrors.ErrLicenseLimitExceeded):
			c.auditAdmissionDenied(ctx, payload.DeviceID, proposed)
		}
		return nil, err
	}

	// credentials rotated: broker-auth caches must drop the old hash
	c.bus.Publish(events.Event{
		Kind:     events.KindDeviceProvisioned,
		DeviceID: payload.DeviceID,
	})
	return bundle, nil
}

// Retire marks a device retired and deactivates its broker account. Retired
// devices no longer count against admission.
func (c *Coordinator) Retire(ctx context.Context, deviceID string) error {
	err := c.store.RunInTx(ctx, func(tx store.Store) error {
		if err := tx.LockDevice(ctx, deviceID); err != nil {
			return err
		}
		if err := tx.Device().SetAdmissionState(ctx, deviceID, model.AdmissionStateRetired); err != nil {
			return err
		}
		if err := tx.Mqtt().SetUserActive(ctx, model.DeviceUsername(deviceID), false); err != nil && !errors.Is(err, ecerrors.ErrNotFound) {
			return err
		}
		return tx.Audit().Append(ctx, &model.AuditRecord{
			Kind:     "device.retired",
			Severity: model.AuditSeverityInfo,
			Actor:    deviceID,
		})
	})
	if err != nil {
		return err
	}

	c.bus.Publish(events.Event{Kind: events.KindDeviceRetired, DeviceID: deviceID})
	return nil
}

// Purge removes a device and everything hanging off it: broker account,
// ACLs, both state slots, and the device row itself. Meant for retired
// devices; the record is gone, not tombstoned.
func (c *Coordinator) Purge(ctx context.Context, deviceID string) error {
	err := c.store.RunInTx(ctx, func(tx store.Store) error {
		if err := tx.LockDevice(ctx, deviceID); err != nil {
			return err
		}
		if _, err := tx.Device().Get(ctx, deviceID); err != nil {
			return err
		}
		if err := tx.Mqtt().DeleteDeviceAccount(ctx, deviceID); err != nil {
			return err
		}
		if err := tx.DeviceState().Delete(ctx, deviceID); err != nil {
			return err
		}
		if err := tx.Device().Delete(ctx, deviceID); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, &model.AuditRecord{
			Kind:     "device.purged",
			Severity: model.AuditSeverityInfo,
			Actor:    deviceID,
		})
	})
	if err != nil {
		return err
	}

	// the retired event clears any cached broker credentials
	c.bus.Publish(events.Event{Kind: events.KindDeviceRetired, DeviceID: deviceID})
	return nil
}

func (c *Coordinator) auditCryptoFailure(ctx context.Context, callerAddr string) {
	if err := c.store.Audit().Append(ctx, &model.AuditRecord{
		Kind:     "provisioning.crypto_failure",
		Severity: model.AuditSeverityAlert,
		Actor:    "unknown",
		Details:  model.MakeJSONField(map[string]any{"caller_addr": callerAddr}),
	}); err != nil {
		c.log.Warnf("writing crypto failure audit record: %v", err)
	}
}

func (c *Coordinator) auditRejection(ctx context.Context, callerAddr, deviceID string) {
	actor := deviceID
	if actor == "" {
		actor = "unknown"
	}
	if err := c.store.Audit().Append(ctx, &model.AuditRecord{
		Kind:     "provisioning.rejected",
		Severity: model.AuditSeverityWarning,
		Actor:    actor,
		Details: model.MakeJSONField(map[string]any{
			"caller_addr": callerAddr,
			"device_id":   deviceID,
		}),
	}); err != nil {
		c.log.Warnf("writing provisioning rejection audit record: %v", err)
	}
}

func (c *Coordinator) auditAdmissionDenied(ctx context.Context, deviceID string, proposed int64) {
	if err := c.store.Audit().Append(ctx, &model.AuditRecord{
		Kind:     "admission.denied",
		Severity: model.AuditSeverityWarning,
		Actor:    deviceID,
		Details: model.MakeJSONField(map[string]any{
			"proposed_count": proposed,
			"limit":          c.license.Snapshot().Limits[license.LimitMaxDevices],
		}),
	}); err != nil {
		c.log.Warnf("writing admission denial audit record: %v", err)
	}
}
