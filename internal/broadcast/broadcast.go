// Package broadcast implements the Event Broadcaster (spec §4.6): it fans
// device_state_change and access_event messages to every observer,
// through the Connection Registry's low-level send primitive, while
// honoring the ordering guarantee that a state change is always broadcast
// before the access event it is paired with, and that two changes to the
// same device are never reordered relative to each other.
package broadcast

import (
	"sync"
	"time"

	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/wire"
)

// ObserverFanout is the subset of the Connection Registry the broadcaster
// needs.
type ObserverFanout interface {
	BroadcastToObservers(msg interface{})
}

// Broadcaster fans state changes and access events to observers.
//
// Per-device FIFO is guaranteed by serializing all broadcast calls behind
// a single mutex: the State Store already serializes the mutations that
// precede a broadcast, so broadcasts are issued in the same order their
// mutations committed, and holding one lock here prevents two goroutines
// racing to publish out of that order.
type Broadcaster struct {
	mu       sync.Mutex
	registry ObserverFanout
	now      func() time.Time
}

// New constructs a Broadcaster over the given registry.
func New(registry ObserverFanout, now func() time.Time) *Broadcaster {
	if now == nil {
		now = time.Now
	}
	return &Broadcaster{registry: registry, now: now}
}

// DeviceStateChange broadcasts a device_state_change event.
func (b *Broadcaster) DeviceStateChange(device model.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.registry.BroadcastToObservers(wire.Envelope{
		Type: wire.TypeDeviceStateChange,
		Data: wire.DeviceStateChangeData{
			DeviceID:  device.DeviceID,
			NewState:  device,
			Timestamp: b.now().UTC(),
		},
	})
}

// AccessEvent broadcasts an access_event. Callers must invoke
// DeviceStateChange (if any state changed) before AccessEvent for the
// same attempt, per spec §4.6's ordering invariant; StateThenAccessEvent
// below enforces that ordering for the common case.
func (b *Broadcaster) AccessEvent(event model.AccessEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.registry.BroadcastToObservers(wire.Envelope{
		Type: wire.TypeAccessEvent,
		Data: event,
	})
}

// StateThenAccessEvent publishes an optional device state change followed
// by its access event, holding the broadcaster's lock for both sends so
// no other broadcast can interleave between the two and violate the
// "state precedes event" ordering guarantee.
func (b *Broadcaster) StateThenAccessEvent(device *model.Device, event model.AccessEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if device != nil {
		b.registry.BroadcastToObservers(wire.Envelope{
			Type: wire.TypeDeviceStateChange,
			Data: wire.DeviceStateChangeData{
				DeviceID:  device.DeviceID,
				NewState:  *device,
				Timestamp: b.now().UTC(),
			},
		})
	}

	b.registry.BroadcastToObservers(wire.Envelope{
		Type: wire.TypeAccessEvent,
		Data: event,
	})
}
