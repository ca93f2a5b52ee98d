// Package registry implements the Connection Registry (spec §4.3): the
// set of observer sessions and the one-per-device map of controller
// sessions, plus the heartbeat state machine that detects dead
// connections. It owns session handles but not their I/O — handles are
// small interfaces implemented by internal/transport/wsapi, the same
// ownership split spec §9's design notes call for ("registry owns session
// handles; sessions own their I/O").
//
// The accept/displace/drop bookkeeping mirrors the single registry lock
// webpa-common/device/manager.go's internal registry uses to serialize
// add/remove against VisitAll.
package registry

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/doorcoordinator/doorserver/internal/logging"
	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/wire"
)

// ObserverHandle is the minimal surface the registry needs from an
// accepted dashboard WebSocket session. Implementations own the actual
// socket I/O (internal/transport/wsapi.observerSession).
type ObserverHandle interface {
	Send(msg interface{}) error
	Close(reason string)
}

// ControllerHandle is the minimal surface the registry needs from an
// accepted device WebSocket session.
type ControllerHandle interface {
	Send(msg interface{}) error
	Close(reason string)
}

// DeviceStore is the subset of store.Store the registry needs: updating
// connection_status and listing the current device set for an observer's
// initial snapshot.
type DeviceStore interface {
	ListDevices() []model.Device
	UpdateDevice(id string, patch model.DevicePatch) (model.Device, error)
}

// AuditSink lets the registry record heartbeat-driven events without
// importing the store or broadcaster packages directly.
type AuditSink interface {
	// OnConnectionChange is called after a controller's connection_status
	// changes, with the device's fresh snapshot.
	OnConnectionChange(device model.Device)
	// OnControllerTimeout is called when a controller session is reaped
	// for missing its pong deadline, after it is removed from the registry
	// and before it is closed and its device marked offline.
	OnControllerTimeout(deviceID string)
}

// Options configures a Registry, following the teacher's
// defaulting-accessor Options pattern.
type Options struct {
	Logger       log.Logger
	PingInterval time.Duration
	PongDeadline time.Duration
	Now          func() time.Time
}

func (o *Options) logger() log.Logger {
	if o == nil || o.Logger == nil {
		return logging.DefaultLogger()
	}
	return o.Logger
}

func (o *Options) pingInterval() time.Duration {
	if o == nil || o.PingInterval <= 0 {
		return 10 * time.Second
	}
	return o.PingInterval
}

func (o *Options) pongDeadline() time.Duration {
	if o == nil || o.PongDeadline <= 0 {
		return 30 * time.Second
	}
	return o.PongDeadline
}

func (o *Options) now() func() time.Time {
	if o == nil || o.Now == nil {
		return time.Now
	}
	return o.Now
}

type controllerEntry struct {
	handle   ControllerHandle
	lastSeen time.Time
}

// Registry tracks observer sessions and per-device controller sessions.
type Registry struct {
	mu          sync.Mutex
	observers   map[ObserverHandle]struct{}
	controllers map[string]*controllerEntry

	observerLastSeen map[ObserverHandle]time.Time

	store        DeviceStore
	audit        AuditSink
	logger       log.Logger
	errorLog     log.Logger
	pingInterval time.Duration
	pongDeadline time.Duration
	now          func() time.Time
}

// New constructs a Registry bound to the given store and audit sink.
func New(store DeviceStore, audit AuditSink, o *Options) *Registry {
	logger := o.logger()
	return &Registry{
		observers:        make(map[ObserverHandle]struct{}),
		controllers:      make(map[string]*controllerEntry),
		observerLastSeen: make(map[ObserverHandle]time.Time),
		store:            store,
		audit:            audit,
		logger:           logger,
		errorLog:         logging.Error(logger),
		pingInterval:     o.pingInterval(),
		pongDeadline:     o.pongDeadline(),
		now:              o.now(),
	}
}

// PingInterval reports the configured heartbeat cadence, for the ticker
// owned by internal/lifecycle.
func (r *Registry) PingInterval() time.Duration { return r.pingInterval }

// AcceptObserver adds h to the observer set and atomically pushes an
// initial device snapshot to it.
func (r *Registry) AcceptObserver(h ObserverHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[h] = struct{}{}
	r.observerLastSeen[h] = r.now()
	devices := r.store.ListDevices()

	_ = h.Send(wire.Envelope{
		Type: wire.TypeInitialData,
		Data: wire.InitialData{Devices: devices, Timestamp: r.now().UTC()},
	})
}

// AcceptController registers h as the sole controller for deviceID,
// displacing and closing any prior controller session, then marks the
// device online and notifies the audit sink.
func (r *Registry) AcceptController(h ControllerHandle, deviceID string) {
	r.mu.Lock()
	prior, existed := r.controllers[deviceID]
	r.controllers[deviceID] = &controllerEntry{handle: h, lastSeen: r.now()}
	r.mu.Unlock()

	if existed {
		prior.handle.Close("replaced")
	}

	status := model.ConnOnline
	device, err := r.store.UpdateDevice(deviceID, model.DevicePatch{ConnectionStatus: &status})
	if err != nil {
		level.Error(r.errorLog).Log(logging.MessageKey(), "controller accepted for unknown device", "device_id", deviceID, logging.ErrorKey(), err)
		return
	}

	r.audit.OnConnectionChange(device)
}

// DropObserver removes an observer session. It is a no-op if h is not
// currently registered (e.g. it was already dropped concurrently).
func (r *Registry) DropObserver(h ObserverHandle) {
	r.mu.Lock()
	delete(r.observers, h)
	delete(r.observerLastSeen, h)
	r.mu.Unlock()
}

// DropController removes the controller session h, wherever it is
// registered, and marks its device offline. Kept distinct from
// DropObserver (rather than a single Drop(interface{})) because
// ObserverHandle and ControllerHandle share an identical method set: a
// single interface{} parameter could not tell them apart by type
// assertion.
func (r *Registry) DropController(h ControllerHandle) {
	r.mu.Lock()
	var droppedDeviceID string
	for deviceID, entry := range r.controllers {
		if entry.handle == h {
			droppedDeviceID = deviceID
			delete(r.controllers, deviceID)
			break
		}
	}
	r.mu.Unlock()

	if droppedDeviceID == "" {
		return
	}

	status := model.ConnOffline
	device, err := r.store.UpdateDevice(droppedDeviceID, model.DevicePatch{ConnectionStatus: &status})
	if err != nil {
		return
	}
	r.audit.OnConnectionChange(device)
}

// dropControllerLocked removes the controller entry for deviceID if
// present, without requiring the caller to hold the handle. Used by the
// heartbeat reaper. Callers must hold r.mu.
func (r *Registry) dropControllerLocked(deviceID string) (ControllerHandle, bool) {
	entry, ok := r.controllers[deviceID]
	if !ok {
		return nil, false
	}
	delete(r.controllers, deviceID)
	return entry.handle, true
}

// SendToController delivers msg to deviceID's controller session if one
// is connected.
func (r *Registry) SendToController(deviceID string, msg interface{}) (delivered bool) {
	r.mu.Lock()
	entry, ok := r.controllers[deviceID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	return entry.handle.Send(msg) == nil
}

// BroadcastToObservers sends msg to every connected observer, best-effort;
// an observer whose send fails is dropped.
func (r *Registry) BroadcastToObservers(msg interface{}) {
	r.mu.Lock()
	targets := make([]ObserverHandle, 0, len(r.observers))
	for h := range r.observers {
		targets = append(targets, h)
	}
	r.mu.Unlock()

	for _, h := range targets {
		if err := h.Send(msg); err != nil {
			h.Close("send_error")
			r.DropObserver(h)
		}
	}
}

// TouchController resets the last-seen timestamp for deviceID's
// controller session, in response to any inbound frame of any kind.
func (r *Registry) TouchController(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.controllers[deviceID]; ok {
		entry.lastSeen = r.now()
	}
}

// TouchObserver resets the last-seen timestamp for an observer session.
func (r *Registry) TouchObserver(h ObserverHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.observerLastSeen[h]; ok {
		r.observerLastSeen[h] = r.now()
	}
}

// ControllerConnected reports whether deviceID currently has a live
// controller session.
func (r *Registry) ControllerConnected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.controllers[deviceID]
	return ok
}

// LastSeen reports the last-seen timestamp of deviceID's controller
// session, for GET /api/devices/{id}/connection. ok is false if no
// controller session is currently registered for deviceID.
func (r *Registry) LastSeen(deviceID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.controllers[deviceID]
	if !ok {
		return time.Time{}, false
	}
	return entry.lastSeen, true
}

// CloseAll closes every observer and controller session currently
// registered, for use during process shutdown. It does not notify the
// audit sink or mutate device connection_status, since the store and
// any downstream broadcaster may already be tearing down by the time
// this runs.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	observers := make([]ObserverHandle, 0, len(r.observers))
	for h := range r.observers {
		observers = append(observers, h)
	}
	controllers := make([]ControllerHandle, 0, len(r.controllers))
	for _, entry := range r.controllers {
		controllers = append(controllers, entry.handle)
	}
	r.observers = make(map[ObserverHandle]struct{})
	r.observerLastSeen = make(map[ObserverHandle]time.Time)
	r.controllers = make(map[string]*controllerEntry)
	r.mu.Unlock()

	for _, h := range observers {
		h.Close("shutdown")
	}
	for _, h := range controllers {
		h.Close("shutdown")
	}
}

// Tick runs one heartbeat cycle: pings every live session and reaps any
// controller whose last-seen timestamp exceeds the pong deadline. It is
// driven by a ticker owned by internal/lifecycle, matching spec §4.3's
// "timer fires every ping_interval" state machine description.
func (r *Registry) Tick() {
	now := r.now()

	r.mu.Lock()
	var dead []string
	for deviceID, entry := range r.controllers {
		if now.Sub(entry.lastSeen) > r.pongDeadline {
			dead = append(dead, deviceID)
		}
	}
	alive := make([]ControllerHandle, 0, len(r.controllers)-len(dead))
	for deviceID, entry := range r.controllers {
		if !containsString(dead, deviceID) {
			alive = append(alive, entry.handle)
		}
	}
	observers := make([]ObserverHandle, 0, len(r.observers))
	for h := range r.observers {
		observers = append(observers, h)
	}
	r.mu.Unlock()

	for _, deviceID := range dead {
		r.reapController(deviceID)
	}

	ping := wire.Ping{Type: wire.TypePing, Timestamp: now.UTC()}
	for _, h := range alive {
		_ = h.Send(ping)
	}
	for _, h := range observers {
		if err := h.Send(ping); err != nil {
			h.Close("send_error")
			r.DropObserver(h)
		}
	}
}

func (r *Registry) reapController(deviceID string) {
	r.mu.Lock()
	handle, ok := r.dropControllerLocked(deviceID)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.audit.OnControllerTimeout(deviceID)
	handle.Close("heartbeat_timeout")

	status := model.ConnOffline
	device, err := r.store.UpdateDevice(deviceID, model.DevicePatch{ConnectionStatus: &status})
	if err != nil {
		return
	}
	r.audit.OnConnectionChange(device)
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
