package events

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesOnlyRequestedKinds(t *testing.T) {
	bus := NewBus(logrus.New())
	received := make(chan Event, 8)
	cancel := bus.Subscribe(func(ev Event) { received <- ev }, KindDeviceProvisioned)
	defer cancel()

	bus.Publish(Event{Kind: KindDeviceProvisioned, DeviceID: "dev-1"})
	bus.Publish(Event{Kind: KindJobQueued, DeviceID: "dev-1"})

	ev := <-received
	require.Equal(t, KindDeviceProvisioned, ev.Kind)

	select {
	case ev := <-received:
		t.Fatalf("received event for unsubscribed kind: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	bus := NewBus(logrus.New())
	first := make(chan Event, 1)
	second := make(chan Event, 1)
	cancelFirst := bus.Subscribe(func(ev Event) { first <- ev }, KindAclChanged)
	defer cancelFirst()
	cancelSecond := bus.Subscribe(func(ev Event) { second <- ev }, KindAclChanged)
	defer cancelSecond()

	bus.Publish(Event{Kind: KindAclChanged, DeviceID: "dev-1"})
	require.Equal(t, "dev-1", (<-first).DeviceID)
	require.Equal(t, "dev-1", (<-second).DeviceID)
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus(logrus.New())
	received := make(chan Event, 8)
	cancel := bus.Subscribe(func(ev Event) { received <- ev }, KindDeviceRetired)
	cancel()

	bus.Publish(Event{Kind: KindDeviceRetired, DeviceID: "dev-1"})
	select {
	case ev := <-received:
		t.Fatalf("received event after cancel: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus(logrus.New())
	dropped := make(chan struct{}, 1024)
	bus.SetDropHook(func() { dropped <- struct{}{} })

	block := make(chan struct{})
	cancel := bus.Subscribe(func(Event) { <-block }, KindJobQueued)
	defer cancel()
	defer close(block)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// one event may be in the handler, subscriberQueueDepth queued;
		// everything beyond that must drop instead of blocking
		for i := 0; i < subscriberQueueDepth+16; i++ {
			bus.Publish(Event{Kind: KindJobQueued})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	require.NotEmpty(t, dropped)
}
