package model

import "time"

type StateSlot string

const (
	StateSlotDesired  StateSlot = "desired"
	StateSlotReported StateSlot = "reported"
)

// DeviceState is one of the two mirrored per-device records: the desired
// (target) state and the reported (current) state. The two slots version
// independently; Version strictly increases on every content change and
// ContentHash is the canonical digest over Apps and Config.
type DeviceState struct {
	DeviceID string    `gorm:"primaryKey"`
	Slot     StateSlot `gorm:"primaryKey"`

	Apps   *JSONField[map[string]any]
	Config *JSONField[map[string]any]

	// SystemInfo is populated on the reported slot only.
	SystemInfo *JSONField[map[string]any]

	Version     int64
	ContentHash string
	UpdatedAt   time.Time
}
