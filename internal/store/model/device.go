package model

import (
	"encoding/json"
	"time"
)

type AdmissionState string

const (
	AdmissionStatePending AdmissionState = "pending"
	AdmissionStateActive  AdmissionState = "active"
	AdmissionStateRetired AdmissionState = "retired"
)

type Device struct {
	// Opaque identifier chosen by the caller at provisioning. Immutable.
	DeviceID string `gorm:"primaryKey"`

	DisplayName  string
	Kind         string
	FleetTag     string `gorm:"index"`
	MacAddress   string
	OsVersion    string
	AgentVersion string

	AdmissionState AdmissionState `gorm:"index"`

	// Only the hash is stored; the API key plaintext is returned once
	// from provisioning and never persisted.
	ApiKeyHash string

	LastContactAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (d Device) String() string {
	val, _ := json.Marshal(d)
	return string(val)
}

// DevicePublicKey holds the device-side wrapping key uploaded in phase 1 of
// provisioning. Rewritten on re-key, never deleted before the device.
type DevicePublicKey struct {
	DeviceID     string `gorm:"primaryKey"`
	PublicKeyPem []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
