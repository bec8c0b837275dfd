package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/edgectl/edgectl/internal/crypto"
	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/events"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/sirupsen/logrus"
)

const devicePlaceholder = "{{device_id}}"

// Snapshot is a read-only view of one state slot. Version and ContentHash
// give agents ETag-like semantics for pull-based reconciliation.
type Snapshot struct {
	DeviceID    string         `json:"device_id"`
	Apps        map[string]any `json:"apps"`
	Config      map[string]any `json:"config"`
	SystemInfo  map[string]any `json:"system_info,omitempty"`
	Version     int64          `json:"version"`
	ContentHash string         `json:"content_hash"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Engine stores the desired and reported state per device. The two slots
// share one write path: content is hashed canonically, an unchanged hash
// leaves the version untouched, a changed hash bumps it by one. Change
// events are published only after the transaction committed.
type Engine struct {
	store store.Store
	bus   *events.Bus
	log   logrus.FieldLogger
}

func NewEngine(st store.Store, bus *events.Bus, log logrus.FieldLogger) *Engine {
	return &Engine{store: st, bus: bus, log: log}
}

func (e *Engine) SetDesired(ctx context.Context, deviceID string, apps, config map[string]any) (*Snapshot, error) {
	snap, changed, err := e.setSlot(ctx, deviceID, model.StateSlotDesired, apps, config, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		e.bus.Publish(events.Event{
			Kind:     events.KindDesiredStateChanged,
			DeviceID: deviceID,
			Payload:  map[string]any{"version": snap.Version, "content_hash": snap.ContentHash},
		})
	}
	return snap, nil
}

func (e *Engine) SetReported(ctx context.Context, deviceID string, apps, config, systemInfo map[string]any) (*Snapshot, error) {
	snap, changed, err := e.setSlot(ctx, deviceID, model.StateSlotReported, apps, config, systemInfo)
	if err != nil {
		return nil, err
	}
	if changed {
		e.bus.Publish(events.Event{
			Kind:     events.KindReportedStateChanged,
			DeviceID: deviceID,
			Payload:  map[string]any{"version": snap.Version, "content_hash": snap.ContentHash},
		})
	}
	return snap, nil
}

func (e *Engine) setSlot(ctx context.Context, deviceID string, slot model.StateSlot, apps, config, systemInfo map[string]any) (*Snapshot, bool, error) {
	hash, err := crypto.HashState(apps, config)
	if err != nil {
		return nil, false, err
	}

	var snap *Snapshot
	var changed bool
	err = e.store.RunInTx(ctx, func(tx store.Store) error {
		if err := tx.LockDevice(ctx, deviceID); err != nil {
			return err
		}
		existing, err := tx.DeviceState().Get(ctx, deviceID, slot)
		if err != nil && !errors.Is(err, ecerrors.ErrNotFound) {
			return err
		}

		record := &model.DeviceState{
			DeviceID:    deviceID,
			Slot:        slot,
			Apps:        model.MakeJSONField(apps),
			Config:      model.MakeJSONField(config),
			Version:     1,
			ContentHash: hash,
		}
		if systemInfo != nil {
			record.SystemInfo = model.MakeJSONField(systemInfo)
		}

		switch {
		case existing == nil:
			changed = true
		case existing.ContentHash == hash:
			// content unchanged: version stays; still refresh system
			// info on the reported slot
			record.Version = existing.Version
			changed = false
			if systemInfo == nil {
				record.SystemInfo = existing.SystemInfo
			}
		default:
			record.Version = existing.Version + 1
			changed = true
		}

		if err := tx.DeviceState().Replace(ctx, record); err != nil {
			return err
		}
		snap = snapshotFromModel(record)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return snap, changed, nil
}

func (e *Engine) GetDesired(ctx context.Context, deviceID string) (*Snapshot, error) {
	return e.getSlot(ctx, deviceID, model.StateSlotDesired)
}

func (e *Engine) GetReported(ctx context.Context, deviceID string) (*Snapshot, error) {
	return e.getSlot(ctx, deviceID, model.StateSlotReported)
}

func (e *Engine) getSlot(ctx context.Context, deviceID string, slot model.StateSlot) (*Snapshot, error) {
	record, err := e.store.DeviceState().Get(ctx, deviceID, slot)
	if err != nil {
		return nil, err
	}
	return snapshotFromModel(record), nil
}

// DefaultTemplateFor resolves the configured default desired state,
// substituting per-device placeholders in string values. An absent template
// yields empty apps and config.
func (e *Engine) DefaultTemplateFor(ctx context.Context, deviceID string) (map[string]any, map[string]any, error) {
	raw, err := e.store.SystemConfig().Get(ctx, model.ConfigKeyDefaultTemplate)
	if errors.Is(err, ecerrors.ErrNotFound) {
		return map[string]any{}, map[string]any{}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var template struct {
		Apps   map[string]any `json:"apps"`
		Config map[string]any `json:"config"`
	}
	if err := json.Unmarshal(raw, &template); err != nil {
		return nil, nil, ecerrors.ErrInvariantViolation
	}

	apps, _ := substitute(template.Apps, deviceID).(map[string]any)
	config, _ := substitute(template.Config, deviceID).(map[string]any)
	if apps == nil {
		apps = map[string]any{}
	}
	if config == nil {
		config = map[string]any{}
	}
	return apps, config, nil
}

// SeedDefaultDesired creates the desired state at version 1 from the default
// template, unless one already exists. Runs inside the caller's transaction;
// the caller must hold the device lock.
func (e *Engine) SeedDefaultDesired(ctx context.Context, tx store.Store, deviceID string) error {
	_, err := tx.DeviceState().Get(ctx, deviceID, model.StateSlotDesired)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ecerrors.ErrNotFound) {
		return err
	}

	apps, config, err := e.DefaultTemplateFor(ctx, deviceID)
	if err != nil {
		return err
	}
	hash, err := crypto.HashState(apps, config)
	if err != nil {
		return err
	}
	return tx.DeviceState().Replace(ctx, &model.DeviceState{
		DeviceID:    deviceID,
		Slot:        model.StateSlotDesired,
		Apps:        model.MakeJSONField(apps),
		Config:      model.MakeJSONField(config),
		Version:     1,
		ContentHash: hash,
	})
}

func substitute(v any, deviceID string) any {
	switch val := v.(type) {
	case string:
		return strings.ReplaceAll(val, devicePlaceholder, deviceID)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = substitute(inner, deviceID)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = substitute(inner, deviceID)
		}
		return out
	default:
		return v
	}
}

func snapshotFromModel(record *model.DeviceState) *Snapshot {
	snap := &Snapshot{
		DeviceID:    record.DeviceID,
		Version:     record.Version,
		ContentHash: record.ContentHash,
		UpdatedAt:   record.UpdatedAt,
	}
	if record.Apps != nil {
		snap.Apps = record.Apps.Data
	}
	if record.Config != nil {
		snap.Config = record.Config.Data
	}
	if record.SystemInfo != nil {
		snap.SystemInfo = record.SystemInfo.Data
	}
	return snap
}
