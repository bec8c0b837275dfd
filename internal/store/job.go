package store

import (
	"context"
	"time"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Job interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Job, error)
	ListPending(ctx context.Context, deviceID string) ([]model.Job, error)
	// MarkDispatched transitions pending->dispatched with a guarded
	// update; a row that already left pending is skipped, not failed.
	MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error)
	// Update persists status, result, and timestamps. Transition
	// validation belongs to the job engine.
	Update(ctx context.Context, job *model.Job) error
	// ListDispatchedBefore returns jobs stuck in dispatched since before
	// the cutoff, for dispatch-timeout failure.
	ListDispatchedBefore(ctx context.Context, cutoff time.Time) ([]model.Job, error)
	// DeleteTerminalBefore removes jobs in a terminal status that
	// finished before the cutoff. Returns the number of rows removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CreateScheduled(ctx context.Context, tpl *model.ScheduledJob) error
	ListScheduled(ctx context.Context) ([]model.ScheduledJob, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]model.ScheduledJob, error)
	UpdateScheduled(ctx context.Context, tpl *model.ScheduledJob) error
}

type JobStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

var _ Job = (*JobStore)(nil)

func NewJob(db *gorm.DB, log logrus.FieldLogger) Job {
	return &JobStore{db: db, log: log}
}

func (s *JobStore) Create(ctx context.Context, job *model.Job) error {
	result := s.db.WithContext(ctx).Create(job)
	return ecerrors.ErrorFromGormError(result.Error)
}

func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&job)
	if result.Error != nil {
		return nil, ecerrors.ErrorFromGormError(result.Error)
	}
	return &job, nil
}

func (s *JobStore) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Job, error) {
	query := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var jobs []model.Job
	result := query.Find(&jobs)
	return jobs, ecerrors.ErrorFromGormError(result.Error)
}

func (s *JobStore) ListPending(ctx context.Context, deviceID string) ([]model.Job, error) {
	var jobs []model.Job
	result := s.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, model.JobStatusPending).
		Order("created_at").Find(&jobs)
	return jobs, ecerrors.ErrorFromGormError(result.Error)
}

func (s *JobStore) MarkDispatched(ctx context.Context, id string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusPending).
		Updates(map[string]interface{}{
			"status":        model.JobStatusDispatched,
			"dispatched_at": at,
		})
	if result.Error != nil {
		return false, ecerrors.ErrorFromGormError(result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *JobStore) Update(ctx context.Context, job *model.Job) error {
	if job == nil || job.ID == "" {
		return ecerrors.ErrInvariantViolation
	}
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":      job.Status,
			"result":      job.Result,
			"finished_at": job.FinishedAt,
		})
	if result.Error != nil {
		return ecerrors.ErrorFromGormError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ecerrors.ErrNotFound
	}
	return nil
}

func (s *JobStore) ListDispatchedBefore(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	var jobs []model.Job
	result := s.db.WithContext(ctx).
		Where("status = ? AND dispatched_at < ?", model.JobStatusDispatched, cutoff).
		Find(&jobs)
	return jobs, ecerrors.ErrorFromGormError(result.Error)
}

func (s *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND finished_at < ?",
			[]model.JobStatus{model.JobStatusSucceeded, model.JobStatusFailed, model.JobStatusCanceled},
			cutoff).
		Delete(&model.Job{})
	return result.RowsAffected, ecerrors.ErrorFromGormError(result.Error)
}

func (s *JobStore) CreateScheduled(ctx context.Context, tpl *model.ScheduledJob) error {
	result := s.db.WithContext(ctx).Create(tpl)
	return ecerrors.ErrorFromGormError(result.Error)
}

func (s *JobStore) ListScheduled(ctx context.Context) ([]model.ScheduledJob, error) {
	var tpls []model.ScheduledJob
	result := s.db.WithContext(ctx).Order("created_at").Find(&tpls)
	return tpls, ecerrors.ErrorFromGormError(result.Error)
}

func (s *JobStore) ListDueScheduled(ctx context.Context, now time.Time) ([]model.ScheduledJob, error) {
	var tpls []model.ScheduledJob
	result := s.db.WithContext(ctx).
		Where("active = ? AND next_fire_at <= ?", true, now).
		Find(&tpls)
	return tpls, ecerrors.ErrorFromGormError(result.Error)
}

func (s *JobStore) UpdateScheduled(ctx context.Context, tpl *model.ScheduledJob) error {
	if tpl == nil || tpl.ID == "" {
		return ecerrors.ErrInvariantViolation
	}
	result := s.db.WithContext(ctx).Save(tpl)
	return ecerrors.ErrorFromGormError(result.Error)
}
