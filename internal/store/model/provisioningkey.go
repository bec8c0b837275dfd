package model

import "time"

// ProvisioningKey is a bearer credential authorizing device enrollment. The
// plaintext is visible only at creation; rows hold the slow hash.
//
// A key is usable iff active, not expired, and under its use budget. The
// uses counter is incremented in the same transaction as the provisioning
// it authorized.
type ProvisioningKey struct {
	ID       string `gorm:"primaryKey"`
	KeyHash  string
	FleetTag string `gorm:"index"`
	MaxUses  *int64
	Uses     int64
	Active   bool `gorm:"index"`

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (k *ProvisioningKey) Usable(now time.Time) bool {
	if !k.Active {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	if k.MaxUses != nil && k.Uses >= *k.MaxUses {
		return false
	}
	return true
}
