package model

import (
	"encoding/json"
	"time"
)

// Reserved SystemConfig keys consumed by the core.
const (
	ConfigKeyPlatformPrivateKey = "provisioning.platform_private_key"
	ConfigKeyPlatformPublicKey  = "provisioning.platform_public_key"
	ConfigKeyMqttBroker         = "mqtt.broker"
	ConfigKeyTlsCaBundle        = "tls.ca_bundle"
	ConfigKeyLicenseClaims      = "license.cached_claims"
	ConfigKeyTrialStartedAt     = "license.trial_started_at"
	ConfigKeyDefaultTemplate    = "state.default_template"
)

// SystemConfig maps string keys to arbitrary JSON values.
type SystemConfig struct {
	Key       string `gorm:"primaryKey"`
	Value     *JSONField[json.RawMessage]
	UpdatedAt time.Time
}
