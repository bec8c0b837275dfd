package model

import "time"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusDispatched JobStatus = "dispatched"
	JobStatusRunning    JobStatus = "running"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// jobTransitions is the authoritative set of allowed status transitions.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusDispatched, JobStatusCanceled},
	JobStatusDispatched: {JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusCanceled},
	JobStatusRunning:    {JobStatusSucceeded, JobStatusFailed},
}

// ValidJobTransition reports whether a job may move from one status to
// another. Terminal statuses have no successors.
func ValidJobTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Job struct {
	ID       string `gorm:"primaryKey"`
	DeviceID string `gorm:"index"`
	Kind     string

	Status  JobStatus `gorm:"index"`
	Payload *JSONField[map[string]any]
	Result  *JSONField[map[string]any]

	CreatedAt    time.Time
	DispatchedAt *time.Time
	FinishedAt   *time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

type SelectorKind string

const (
	SelectorDevice SelectorKind = "device"
	SelectorFleet  SelectorKind = "fleet"
	SelectorAll    SelectorKind = "all"
)

// ScheduledJob is a template that produces Job instances when its cron
// schedule fires.
type ScheduledJob struct {
	ID            string `gorm:"primaryKey"`
	SelectorKind  SelectorKind
	SelectorValue string
	Kind          string
	Payload       *JSONField[map[string]any]

	CronExpression string
	NextFireAt     time.Time `gorm:"index"`
	Active         bool      `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
