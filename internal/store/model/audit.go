package model

import "time"

type AuditSeverity string

const (
	AuditSeverityInfo    AuditSeverity = "info"
	AuditSeverityWarning AuditSeverity = "warning"
	AuditSeverityAlert   AuditSeverity = "alert"
)

// AuditRecord is append-only; there are no update or delete paths.
type AuditRecord struct {
	ID       string `gorm:"primaryKey"`
	Kind     string `gorm:"index"`
	Severity AuditSeverity
	// Actor is a device id, user id, or "system".
	Actor      string
	Details    *JSONField[map[string]any]
	OccurredAt time.Time `gorm:"index"`
}
