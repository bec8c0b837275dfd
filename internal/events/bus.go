package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event kinds published on the in-process bus.
const (
	KindDeviceProvisioned    = "device.provisioned"
	KindDeviceRetired        = "device.retired"
	KindDesiredStateChanged  = "state.desired.changed"
	KindReportedStateChanged = "state.reported.changed"
	KindAclChanged           = "mqtt.acl.changed"
	KindJobQueued            = "job.queued"
	KindJobFinished          = "job.finished"
)

type Event struct {
	Kind     string
	DeviceID string
	// Payload carries kind-specific detail (versions, hashes, job ids).
	Payload map[string]any
}

type Handler func(Event)

// Bus is an in-process publish/subscribe fan-out with at-most-once delivery
// per subscriber. Durability is not provided: every fact carried by an event
// is also persisted, and publishers only publish after their transaction has
// committed. Handlers run on a per-subscriber goroutine fed by a bounded
// queue; a subscriber that falls behind drops events rather than blocking
// publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	log    logrus.FieldLogger
	onDrop func()
}

type subscriber struct {
	queue chan Event
	once  sync.Once
}

const subscriberQueueDepth = 256

func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{
		subs: make(map[string][]*subscriber),
		log:  log,
	}
}

// SetDropHook installs a callback invoked once per dropped event, for
// instrumentation. Must be set before the first Publish.
func (b *Bus) SetDropHook(fn func()) {
	b.onDrop = fn
}

// Subscribe registers handler for the given kinds and returns a cancel
// function. The handler is invoked sequentially per subscription.
func (b *Bus) Subscribe(handler Handler, kinds ...string) func() {
	sub := &subscriber{queue: make(chan Event, subscriberQueueDepth)}
	go func() {
		for ev := range sub.queue {
			handler(ev)
		}
	}()

	b.mu.Lock()
	for _, kind := range kinds {
		b.subs[kind] = append(b.subs[kind], sub)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for _, kind := range kinds {
			current := b.subs[kind]
			for i, s := range current {
				if s == sub {
					b.subs[kind] = append(current[:i], current[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.queue) })
	}
}

// Publish delivers the event to all current subscribers without blocking.
// Callers must publish only after the originating transaction committed.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- ev:
		default:
			b.log.Warnf("event bus: dropping %s event for subscriber with full queue", ev.Kind)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}
