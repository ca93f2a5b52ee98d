// Package store implements the State Store (spec §4.1): the single
// serialization point for the device registry and the access log. All
// mutations pass through one mutex, so that a read-modify-write sequence
// such as "if unlocked then set open" is atomic with respect to other
// writers, the way the teacher's device registry serializes add/remove
// under webpa-common/device's internal registry lock.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/goph/emperror"

	"github.com/doorcoordinator/doorserver/internal/config"
	"github.com/doorcoordinator/doorserver/internal/model"
)

// ErrNotFound is returned by UpdateDevice when the device id is unknown.
var ErrNotFound = errors.New("device not found")

// Options configures a Store, following the teacher's
// Options-with-defaulting-accessor pattern (device.Options in
// webpa-common/device/manager.go: o.idlePeriod(), o.now(), ...).
type Options struct {
	// RetentionSize caps the access log length. Zero means use the
	// default of 10000 entries, per spec §3.
	RetentionSize int

	// Now returns the current time. Tests may override it; nil means
	// time.Now.
	Now func() time.Time
}

func (o *Options) retentionSize() int {
	if o == nil || o.RetentionSize <= 0 {
		return 10000
	}
	return o.RetentionSize
}

func (o *Options) now() func() time.Time {
	if o == nil || o.Now == nil {
		return time.Now
	}
	return o.Now
}

// Store is the in-memory device registry and access log, guarded by a
// single mutex per spec §5's single-writer discipline.
type Store struct {
	mu sync.RWMutex

	order   []string
	devices map[string]*model.Device

	events        []model.AccessEvent
	retentionSize int
	now           func() time.Time
}

// New constructs a Store seeded from the given device configuration.
func New(seeds []config.DeviceSeed, o *Options) *Store {
	s := &Store{
		order:         make([]string, 0, len(seeds)),
		devices:       make(map[string]*model.Device, len(seeds)),
		retentionSize: o.retentionSize(),
		now:           o.now(),
	}

	for _, seed := range seeds {
		connStatus := model.ConnOffline
		if seed.Kind == model.KindVirtual {
			connStatus = model.ConnOnline
		}

		s.devices[seed.ID] = &model.Device{
			DeviceID:         seed.ID,
			Location:         seed.Location,
			PhysicalStatus:   seed.InitialPhysicalStatus,
			LockState:        seed.InitialLockState,
			DeviceKind:       seed.Kind,
			ConnectionStatus: connStatus,
		}
		s.order = append(s.order, seed.ID)
	}

	return s
}

// GetDevice returns a snapshot of the device with the given id.
func (s *Store) GetDevice(id string) (model.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return model.Device{}, false
	}
	return d.Clone(), true
}

// ListDevices returns a snapshot of every device, in seed order.
func (s *Store) ListDevices() []model.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id].Clone())
	}
	return out
}

// UpdateDevice applies patch to the device under id and returns the
// updated snapshot. It fails with ErrNotFound if id is unknown.
func (s *Store) UpdateDevice(id string, patch model.DevicePatch) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return model.Device{}, emperror.Wrap(ErrNotFound, id)
	}

	if patch.PhysicalStatus != nil {
		d.PhysicalStatus = *patch.PhysicalStatus
	}
	if patch.LockState != nil {
		d.LockState = *patch.LockState
	}
	if patch.ConnectionStatus != nil {
		d.ConnectionStatus = *patch.ConnectionStatus
	}

	return d.Clone(), nil
}

// MutateDevice runs fn against the live device under id while holding the
// write lock, so a caller can perform a read-modify-write decision (such
// as the Authorization Engine's "is it already open" no-op check)
// atomically with respect to other writers. fn must not call back into
// the Store.
func (s *Store) MutateDevice(id string, fn func(d *model.Device)) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return model.Device{}, emperror.Wrap(ErrNotFound, id)
	}

	fn(d)
	return d.Clone(), nil
}

// AppendEvent appends an access event, evicting the oldest entry FIFO if
// the retention ceiling is exceeded. The Timestamp field is stamped here
// if the caller left it zero.
func (s *Store) AppendEvent(e model.AccessEvent) model.AccessEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}

	s.events = append(s.events, e)
	if over := len(s.events) - s.retentionSize; over > 0 {
		s.events = s.events[over:]
	}

	return e
}

// ListEvents returns up to limit events, most-recent-first. limit <= 0
// means return everything retained.
func (s *Store) ListEvents(limit int) []model.AccessEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]model.AccessEvent, n)
	for i := 0; i < n; i++ {
		out[i] = s.events[len(s.events)-1-i]
	}
	return out
}

// EventCount returns the number of retained access log entries.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
