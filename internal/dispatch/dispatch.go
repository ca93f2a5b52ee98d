// Package dispatch implements the Command Dispatcher (spec §4.5): it
// encapsulates send-to-device semantics for a granted physical open/close,
// and the best-effort command_denied notice for a refused button request.
// It never blocks waiting for the device to confirm; the subsequent
// status_update is what mutates physical_status (handled in
// internal/transport/wsapi).
package dispatch

import (
	"time"

	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/wire"
)

// ControllerSender is the subset of the Connection Registry the
// dispatcher needs.
type ControllerSender interface {
	SendToController(deviceID string, msg interface{}) (delivered bool)
}

// Dispatcher sends authorized commands to physical device controllers.
type Dispatcher struct {
	registry ControllerSender
	now      func() time.Time
}

// New constructs a Dispatcher over the given registry.
func New(registry ControllerSender, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{registry: registry, now: now}
}

// ErrDeviceOffline is the deny reason that corresponds to a Dispatch call
// returning ok=false. Dispatch itself returns only the boolean.
const ErrDeviceOffline = "device_offline"

// Dispatch sends command to deviceID's controller. It returns ok=true if
// a live session accepted the message; ok=false (no session connected,
// or the session's Send failed) means the
// caller must upgrade the outcome to denied("device_offline") before
// anyone observes a grant (spec §4.5, §9 "race between grant and
// dispatch").
func (d *Dispatcher) Dispatch(deviceID string, command model.Command) (ok bool) {
	return d.registry.SendToController(deviceID, wire.ControllerCommand{
		Type:      wire.TypeCommand,
		Command:   command,
		Timestamp: d.now().UTC(),
	})
}

// DenyButton best-effort notifies the originating controller that its
// button-requested command was refused, so firmware can suppress local
// actuation.
func (d *Dispatcher) DenyButton(deviceID string, command model.Command, reason string) {
	d.registry.SendToController(deviceID, wire.ControllerCommandDenied{
		Type:      wire.TypeCommandDenied,
		Command:   command,
		Reason:    reason,
		Timestamp: d.now().UTC(),
	})
}
