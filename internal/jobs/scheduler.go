package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/license"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// schedulerLeaseKey is the advisory-lock key electing the firing replica.
const schedulerLeaseKey = "jobs/scheduler"

// Scheduler turns ScheduledJob templates into Job instances when their cron
// schedule fires. It is single-leader: each tick takes a store lease, so in
// multi-replica deployments only one process fires while the others observe.
type Scheduler struct {
	store   store.Store
	engine  *Engine
	license *license.Authority
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewScheduler(st store.Store, engine *Engine, lic *license.Authority, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		store:   st,
		engine:  engine,
		license: lic,
		log:     log,
		now:     time.Now,
	}
}

// CreateTemplate validates the cron expression and stores the template with
// its first fire time.
func (s *Scheduler) CreateTemplate(ctx context.Context, selKind model.SelectorKind, selValue, kind string, payload map[string]any, cronExpr string) (*model.ScheduledJob, error) {
	if s.license != nil && !s.license.HasFeature(license.FeatureBasicJobs) {
		return nil, ecerrors.ErrLicenseFeatureDenied
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression: %v", ecerrors.ErrBadRequest, err)
	}

	tpl := &model.ScheduledJob{
		ID:             uuid.NewString(),
		SelectorKind:   selKind,
		SelectorValue:  selValue,
		Kind:           kind,
		Payload:        model.MakeJSONField(payload),
		CronExpression: cronExpr,
		NextFireAt:     schedule.Next(s.now()),
		Active:         true,
	}
	if err := s.store.Job().CreateScheduled(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Tick fires all due templates. Called periodically; safe to call on every
// replica because of the lease.
func (s *Scheduler) Tick(ctx context.Context) {
	notify := map[string]struct{}{}

	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		acquired, err := tx.TryLockKey(ctx, schedulerLeaseKey)
		if err != nil {
			return err
		}
		if !acquired {
			return nil
		}

		now := s.now()
		due, err := tx.Job().ListDueScheduled(ctx, now)
		if err != nil {
			return err
		}
		for i := range due {
			tpl := &due[i]
			devices, err := s.selectDevices(ctx, tx, tpl)
			if err != nil {
				return err
			}
			for _, device := range devices {
				job := &model.Job{
					ID:       uuid.NewString(),
					DeviceID: device.DeviceID,
					Kind:     tpl.Kind,
					Status:   model.JobStatusPending,
					Payload:  tpl.Payload,
				}
				if err := tx.Job().Create(ctx, job); err != nil {
					return err
				}
				notify[device.DeviceID] = struct{}{}
			}

			schedule, err := cron.ParseStandard(tpl.CronExpression)
			if err != nil {
				// template became unparseable; disable rather than
				// fire forever
				s.log.Errorf("disabling scheduled job %s: %v", tpl.ID, err)
				tpl.Active = false
			} else {
				next := schedule.Next(now)
				for !next.After(now) {
					next = schedule.Next(next)
				}
				tpl.NextFireAt = next
			}
			if err := tx.Job().UpdateScheduled(ctx, tpl); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Errorf("scheduler tick: %v", err)
		return
	}

	for deviceID := range notify {
		s.engine.DispatchPending(ctx, deviceID)
	}
}

func (s *Scheduler) selectDevices(ctx context.Context, tx store.Store, tpl *model.ScheduledJob) ([]model.Device, error) {
	switch tpl.SelectorKind {
	case model.SelectorDevice:
		device, err := tx.Device().Get(ctx, tpl.SelectorValue)
		if err != nil {
			if errors.Is(err, ecerrors.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if device.AdmissionState != model.AdmissionStateActive {
			return nil, nil
		}
		return []model.Device{*device}, nil
	case model.SelectorFleet:
		return tx.Device().ListActiveByFleet(ctx, tpl.SelectorValue)
	case model.SelectorAll:
		return tx.Device().ListActive(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown selector kind %q", ecerrors.ErrInvariantViolation, tpl.SelectorKind)
	}
}
