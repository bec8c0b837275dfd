package model

import (
	"strings"
	"time"
)

// Permission is a {read, write} set stored as a bitmask. The wire encoding
// used by the broker protocol (1=read, 2=write, 3=read+write) maps onto the
// same bits.
type Permission uint8

const (
	PermissionRead  Permission = 1 << 0
	PermissionWrite Permission = 1 << 1
)

func (p Permission) CanRead() bool  { return p&PermissionRead != 0 }
func (p Permission) CanWrite() bool { return p&PermissionWrite != 0 }
func (p Permission) Contains(op Permission) bool {
	return p&op == op && op != 0
}

func (p Permission) String() string {
	var parts []string
	if p.CanRead() {
		parts = append(parts, "read")
	}
	if p.CanWrite() {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// MqttUser is a broker account. Device accounts use the canonical username
// form "device-<device_id>"; other usernames are reserved for service
// accounts. Password plaintext exists only at issuance.
type MqttUser struct {
	Username     string `gorm:"primaryKey"`
	PasswordHash string
	Active       bool
	// DeviceID links device accounts back to their device; nil for
	// service accounts.
	DeviceID  *string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MqttAcl binds a username and topic pattern to a permission set.
type MqttAcl struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"index"`
	TopicPattern string
	Permissions  Permission
	CreatedAt    time.Time
}

// DeviceUsername returns the canonical broker username for a device.
func DeviceUsername(deviceID string) string {
	return "device-" + deviceID
}
