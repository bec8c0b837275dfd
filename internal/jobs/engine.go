package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/events"
	"github.com/edgectl/edgectl/internal/instrumentation"
	"github.com/edgectl/edgectl/internal/license"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Publisher sends broker notifications; satisfied by mqttclient.Client.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// dispatchNotice is the payload published on agent/<device_id>/jobs. The
// notification is best-effort; agents that miss it recover by pulling over
// HTTP.
type dispatchNotice struct {
	JobID   string         `json:"job_id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// statusReport is the payload devices publish on
// agent/<device_id>/jobs/<job_id>/status.
type statusReport struct {
	Status model.JobStatus `json:"status"`
	Result map[string]any  `json:"result,omitempty"`
}

// Engine owns per-device job records and their status state machine.
// Transitions are validated server-side under the device lock; terminal
// records are swept out after the retention horizon.
type Engine struct {
	store     store.Store
	bus       *events.Bus
	publisher Publisher
	license   *license.Authority
	log       logrus.FieldLogger

	retention       time.Duration
	dispatchTimeout time.Duration
	now             func() time.Time
	metrics         *instrumentation.Metrics

	unsubscribe func()
}

// SetMetrics installs the dispatch counters; a nil receiver stays valid.
func (e *Engine) SetMetrics(m *instrumentation.Metrics) {
	e.metrics = m
}

func NewEngine(st store.Store, bus *events.Bus, pub Publisher, lic *license.Authority, log logrus.FieldLogger, retentionDays int, dispatchTimeout time.Duration) *Engine {
	e := &Engine{
		store:           st,
		bus:             bus,
		publisher:       pub,
		license:         lic,
		log:             log,
		retention:       time.Duration(retentionDays) * 24 * time.Hour,
		dispatchTimeout: dispatchTimeout,
		now:             time.Now,
	}
	if bus != nil {
		// freshly provisioned devices may have jobs queued while offline
		e.unsubscribe = bus.Subscribe(func(ev events.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			e.DispatchPending(ctx, ev.DeviceID)
		}, events.KindDeviceProvisioned)
	}
	return e
}

func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

// Enqueue inserts a pending job for an active device and attempts delivery.
func (e *Engine) Enqueue(ctx context.Context, deviceID, kind string, payload map[string]any) (*model.Job, error) {
	if e.license != nil && !e.license.HasFeature(license.FeatureBasicJobs) {
		return nil, ecerrors.ErrLicenseFeatureDenied
	}

	device, err := e.store.Device().Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.AdmissionState != model.AdmissionStateActive {
		return nil, fmt.Errorf("%w: device %s is not active", ecerrors.ErrNotFound, deviceID)
	}

	job := &model.Job{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Kind:     kind,
		Status:   model.JobStatusPending,
		Payload:  model.MakeJSONField(payload),
	}
	if err := e.store.Job().Create(ctx, job); err != nil {
		return nil, err
	}

	e.bus.Publish(events.Event{
		Kind:     events.KindJobQueued,
		DeviceID: deviceID,
		Payload:  map[string]any{"job_id": job.ID, "kind": kind},
	})
	e.DispatchPending(ctx, deviceID)

	refreshed, err := e.store.Job().Get(ctx, job.ID)
	if err != nil {
		return job, nil
	}
	return refreshed, nil
}

// DispatchPending notifies the device of its pending jobs and moves them to
// dispatched. A failed publish leaves the job pending for the next attempt.
func (e *Engine) DispatchPending(ctx context.Context, deviceID string) {
	pending, err := e.store.Job().ListPending(ctx, deviceID)
	if err != nil {
		e.log.Errorf("listing pending jobs for %s: %v", deviceID, err)
		return
	}

	topic := fmt.Sprintf("agent/%s/jobs", deviceID)
	for _, job := range pending {
		notice := dispatchNotice{JobID: job.ID, Kind: job.Kind}
		if job.Payload != nil {
			notice.Payload = job.Payload.Data
		}
		body, err := json.Marshal(notice)
		if err != nil {
			e.log.Errorf("encoding dispatch notice for job %s: %v", job.ID, err)
			continue
		}
		if e.publisher != nil {
			if err := e.publisher.Publish(ctx, topic, body); err != nil {
				e.log.Warnf("dispatch notification for job %s failed: %v", job.ID, err)
				e.metrics.JobDispatch("publish_failed")
				continue
			}
		}
		if _, err := e.store.Job().MarkDispatched(ctx, job.ID, e.now()); err != nil {
			e.log.Errorf("marking job %s dispatched: %v", job.ID, err)
			continue
		}
		e.metrics.JobDispatch("dispatched")
	}
}

// ReportStatus ingests a device-reported status change, validating the
// transition under the device lock.
func (e *Engine) ReportStatus(ctx context.Context, deviceID, jobID string, newStatus model.JobStatus, result map[string]any) error {
	var finished bool
	err := e.store.RunInTx(ctx, func(tx store.Store) error {
		if err := tx.LockDevice(ctx, deviceID); err != nil {
			return err
		}
		job, err := tx.Job().Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.DeviceID != deviceID {
			return ecerrors.ErrNotFound
		}
		if !model.ValidJobTransition(job.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ecerrors.ErrInvalidJobTransition, job.Status, newStatus)
		}

		job.Status = newStatus
		if result != nil {
			job.Result = model.MakeJSONField(result)
		}
		if newStatus.Terminal() {
			job.FinishedAt = lo.ToPtr(e.now())
			finished = true
		}
		return tx.Job().Update(ctx, job)
	})
	if err != nil {
		return err
	}

	if finished {
		e.bus.Publish(events.Event{
			Kind:     events.KindJobFinished,
			DeviceID: deviceID,
			Payload:  map[string]any{"job_id": jobID, "status": string(newStatus)},
		})
	}
	return nil
}

// Cancel moves a job to canceled; allowed from pending or dispatched only.
func (e *Engine) Cancel(ctx context.Context, deviceID, jobID string) error {
	return e.ReportStatus(ctx, deviceID, jobID, model.JobStatusCanceled, nil)
}

// Get returns one job record.
func (e *Engine) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return e.store.Job().Get(ctx, jobID)
}

// List returns recent jobs for a device.
func (e *Engine) List(ctx context.Context, deviceID string, limit int) ([]model.Job, error) {
	return e.store.Job().ListByDevice(ctx, deviceID, limit)
}

// Sweep runs the periodic maintenance pass: jobs stuck in dispatched past
// the timeout fail, and terminal jobs past the retention horizon are
// deleted.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()

	stuck, err := e.store.Job().ListDispatchedBefore(ctx, now.Add(-e.dispatchTimeout))
	if err != nil {
		e.log.Errorf("listing timed-out jobs: %v", err)
	} else {
		for _, job := range stuck {
			err := e.ReportStatus(ctx, job.DeviceID, job.ID, model.JobStatusFailed,
				map[string]any{"error": "dispatch timeout"})
			if err != nil {
				e.log.Errorf("failing timed-out job %s: %v", job.ID, err)
			}
		}
	}

	if e.retention > 0 {
		removed, err := e.store.Job().DeleteTerminalBefore(ctx, now.Add(-e.retention))
		if err != nil {
			e.log.Errorf("job retention sweep: %v", err)
		} else if removed > 0 {
			e.log.Infof("job retention sweep removed %d records", removed)
		}
	}
}

// HandleStatusMessage ingests one MQTT status message published on
// agent/<device_id>/jobs/<job_id>/status.
func (e *Engine) HandleStatusMessage(ctx context.Context, topic string, payload []byte) {
	segs := strings.Split(topic, "/")
	if len(segs) != 5 || segs[0] != "agent" || segs[2] != "jobs" || segs[4] != "status" {
		e.log.Warnf("ignoring status message on unexpected topic %q", topic)
		return
	}
	deviceID, jobID := segs[1], segs[3]

	var report statusReport
	if err := json.Unmarshal(payload, &report); err != nil {
		e.log.Warnf("malformed status report for job %s: %v", jobID, err)
		return
	}
	if err := e.ReportStatus(ctx, deviceID, jobID, report.Status, report.Result); err != nil {
		e.log.Warnf("status report for job %s rejected: %v", jobID, err)
	}
}
