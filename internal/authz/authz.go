// Package authz implements the Authorization Engine (spec §4.4): it
// applies the rate limiter, role, lock, and device-type rules to each
// access attempt, drives the Command Dispatcher for physical devices,
// mutates the State Store for virtual devices and lock/unlock, and
// records every outcome to the rate limiter and the access log before
// handing the result to the Event Broadcaster.
package authz

import (
	"time"

	"github.com/go-kit/kit/log"
	"github.com/goph/emperror"

	"github.com/doorcoordinator/doorserver/internal/logging"
	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/ratelimit"
)

// Deny reasons not already defined in package ratelimit, named per the
// taxonomy in spec §7.
const (
	ReasonUnknownDevice = "unknown_device"
	ReasonDoorLocked    = "door_locked"
	ReasonNotPermitted  = "not_permitted"
	ReasonDeviceOffline = "device_offline"
)

// Grant messages for the no_op cases spec §4.4 calls out explicitly.
const MessageNoOp = "no_op"

// RateLimiter is the subset of ratelimit.Limiter the engine needs.
type RateLimiter interface {
	Check(deviceID, userID string, command model.Command) ratelimit.Decision
	Record(deviceID, userID string, command model.Command, success bool)
}

// DeviceStore is the subset of store.Store the engine needs.
type DeviceStore interface {
	GetDevice(id string) (model.Device, bool)
	MutateDevice(id string, fn func(d *model.Device)) (model.Device, error)
}

// Dispatcher is the subset of dispatch.Dispatcher the engine needs.
type Dispatcher interface {
	Dispatch(deviceID string, command model.Command) (ok bool)
	DenyButton(deviceID string, command model.Command, reason string)
}

// EventLog is the subset of store.Store used to append the access log.
type EventLog interface {
	AppendEvent(e model.AccessEvent) model.AccessEvent
}

// Publisher is the subset of broadcast.Broadcaster the engine needs.
type Publisher interface {
	StateThenAccessEvent(device *model.Device, event model.AccessEvent)
}

// Result is the outcome of processing one access attempt.
type Result struct {
	Outcome model.Outcome
	Reason  string
	Message string
	Device  *model.Device // nil unless the attempt's outcome carries a device snapshot
	Event   model.AccessEvent
}

// Engine is the Authorization Engine.
type Engine struct {
	rateLimiter RateLimiter
	store       DeviceStore
	dispatcher  Dispatcher
	events      EventLog
	publisher   Publisher
	adminUserID string
	now         func() time.Time
	errorLog    log.Logger
}

// Options configures an Engine.
type Options struct {
	AdminUserID string
	Now         func() time.Time
	Logger      log.Logger
}

// New constructs an Engine.
func New(rateLimiter RateLimiter, store DeviceStore, dispatcher Dispatcher, events EventLog, publisher Publisher, o Options) *Engine {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	adminUserID := o.AdminUserID
	if adminUserID == "" {
		adminUserID = model.AdminUserID
	}
	logger := o.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Engine{
		rateLimiter: rateLimiter,
		store:       store,
		dispatcher:  dispatcher,
		events:      events,
		publisher:   publisher,
		adminUserID: adminUserID,
		now:         now,
		errorLog:    logging.Error(logger),
	}
}

// Attempt processes one access attempt end to end: rate limit, device
// resolution, role/lock/type rules, dispatch or direct mutation, logging,
// and broadcast. It always returns a Result; it never panics on a
// malformed-but-structurally-valid attempt (validation of the command
// enum itself is the ingress surface's job, per spec §7).
func (e *Engine) Attempt(attempt model.AccessAttempt) Result {
	decision := e.rateLimiter.Check(attempt.DeviceID, attempt.UserID, attempt.Command)
	if !decision.Allowed {
		return e.deny(attempt, decision.Reason, lockoutMessage(decision))
	}

	device, ok := e.store.GetDevice(attempt.DeviceID)
	if !ok {
		return e.deny(attempt, ReasonUnknownDevice, "no such device")
	}

	isAdmin := attempt.UserID == e.adminUserID
	isButton := attempt.IsButton()

	switch attempt.Command {
	case model.CommandLock, model.CommandUnlock:
		// isButton implies !isAdmin (physical_button is never the admin
		// literal), so this single check also covers spec §4.4's button
		// special path denying lock/unlock.
		if !isAdmin {
			return e.deny(attempt, ReasonNotPermitted, "lock/unlock requires admin")
		}
		return e.grantLockUnlock(attempt, device)

	case model.CommandOpen:
		if isButton {
			return e.handleButtonOpen(attempt, device)
		}
		if device.LockState == model.LockLocked && !isAdmin {
			return e.deny(attempt, ReasonDoorLocked, "door is locked")
		}
		return e.grantOpenClose(attempt, device, model.StatusOpen)

	case model.CommandClose:
		// No lock precondition applies to close, for either a button or a
		// remote command (spec §4.4's rule table).
		return e.grantOpenClose(attempt, device, model.StatusClosed)

	default:
		// Unreachable if the ingress surface validated the command, but
		// kept as a safe default rather than a panic.
		return e.deny(attempt, "invalid_command", "unknown command")
	}
}

// handleButtonOpen implements the physical-button special path for open:
// only open/close are accepted from a button at all (close has no lock
// precondition so it flows through grantOpenClose directly), and the
// locked-door precondition is enforced without the admin exemption —
// buttons never override the lock.
func (e *Engine) handleButtonOpen(attempt model.AccessAttempt, device model.Device) Result {
	if device.LockState == model.LockLocked {
		e.dispatcher.DenyButton(attempt.DeviceID, attempt.Command, ReasonDoorLocked)
		return e.deny(attempt, ReasonDoorLocked, "door is locked")
	}
	return e.grantOpenClose(attempt, device, model.StatusOpen)
}

// grantLockUnlock sets lock_state immediately for both device kinds: the
// lock is a server concept with no controller dispatch, per spec §4.4's
// rule table.
func (e *Engine) grantLockUnlock(attempt model.AccessAttempt, device model.Device) Result {
	target := model.LockLocked
	if attempt.Command == model.CommandUnlock {
		target = model.LockUnlocked
	}

	if device.LockState == target {
		return e.grantNoOp(attempt)
	}

	updated, err := e.store.MutateDevice(attempt.DeviceID, func(d *model.Device) {
		d.LockState = target
	})
	if err != nil {
		e.logVanished(attempt, err)
		return e.deny(attempt, ReasonUnknownDevice, "device vanished mid-request")
	}

	return e.grantWithState(attempt, updated, "granted")
}

// grantOpenClose grants an open/close attempt. Virtual devices mutate
// physical_status immediately; physical devices are dispatched to their
// controller and keep physical_status unchanged until a status_update
// arrives (spec §4.4's rule table, §4.5's dispatcher).
func (e *Engine) grantOpenClose(attempt model.AccessAttempt, device model.Device, target model.PhysicalStatus) Result {
	if device.PhysicalStatus == target {
		return e.grantNoOp(attempt)
	}

	if device.DeviceKind == model.KindVirtual {
		updated, err := e.store.MutateDevice(attempt.DeviceID, func(d *model.Device) {
			d.PhysicalStatus = target
		})
		if err != nil {
			e.logVanished(attempt, err)
			return e.deny(attempt, ReasonUnknownDevice, "device vanished mid-request")
		}
		return e.grantWithState(attempt, updated, "granted")
	}

	if ok := e.dispatcher.Dispatch(attempt.DeviceID, attempt.Command); !ok {
		return e.deny(attempt, ReasonDeviceOffline, "no controller connected")
	}

	// physical_status is not touched; the grant is logged and broadcast
	// without a device snapshot, since nothing in the device changed yet.
	return e.grant(attempt, nil, "dispatched")
}

// grantNoOp handles the open-on-open / close-on-closed / lock-on-locked /
// unlock-on-unlocked idempotent grants: granted, no dispatch, no state
// change, but the attempt is still logged (spec §4.4).
func (e *Engine) grantNoOp(attempt model.AccessAttempt) Result {
	return e.grant(attempt, nil, MessageNoOp)
}

// grantWithState finalizes a grant that changed device state.
func (e *Engine) grantWithState(attempt model.AccessAttempt, device model.Device, message string) Result {
	return e.grant(attempt, &device, message)
}

// grant records success in the rate limiter, appends and broadcasts the
// access event (with any accompanying state change published first), and
// returns the Result.
func (e *Engine) grant(attempt model.AccessAttempt, device *model.Device, message string) Result {
	e.rateLimiter.Record(attempt.DeviceID, attempt.UserID, attempt.Command, true)

	event := e.events.AppendEvent(model.AccessEvent{
		Timestamp: e.now().UTC(),
		DeviceID:  attempt.DeviceID,
		UserID:    attempt.UserID,
		Command:   attempt.Command,
		Outcome:   model.OutcomeGranted,
		Message:   message,
	})

	e.publisher.StateThenAccessEvent(device, event)

	return Result{Outcome: model.OutcomeGranted, Message: message, Device: device, Event: event}
}

// deny records failure in the rate limiter and logs+broadcasts a denied
// access event, per spec §4.4's "every outcome is recorded" rule. Denials
// never carry a device snapshot.
func (e *Engine) deny(attempt model.AccessAttempt, reason, message string) Result {
	e.rateLimiter.Record(attempt.DeviceID, attempt.UserID, attempt.Command, false)

	event := e.events.AppendEvent(model.AccessEvent{
		Timestamp: e.now().UTC(),
		DeviceID:  attempt.DeviceID,
		UserID:    attempt.UserID,
		Command:   attempt.Command,
		Outcome:   model.OutcomeDenied,
		Message:   reason,
	})

	e.publisher.StateThenAccessEvent(nil, event)

	return Result{Outcome: model.OutcomeDenied, Reason: reason, Message: message, Event: event}
}

func lockoutMessage(d ratelimit.Decision) string {
	if d.Reason == ratelimit.ReasonLockedOut {
		return "locked out"
	}
	return "rate limited"
}

// logVanished reports the rare internal fault where a device resolved at
// the top of Attempt is gone by the time a mutation reaches the store —
// only possible if the seed configuration is mutated concurrently, which
// this service never does, but handled rather than panicking per spec
// §7's internal-fault policy.
func (e *Engine) logVanished(attempt model.AccessAttempt, err error) {
	wrapped := emperror.With(err, "device_id", attempt.DeviceID, "user_id", attempt.UserID, "command", string(attempt.Command))
	e.errorLog.Log(logging.MessageKey(), "device vanished mid-request", logging.ErrorKey(), wrapped)
}
