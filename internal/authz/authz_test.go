package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/ratelimit"
)

// mockRateLimiter, mockStore, mockDispatcher, mockEvents, and
// mockPublisher are hand-rolled mock.Mock embeds, matching
// translation/mock_service_test.go's MockService shape rather than a
// generated mockery file, since these interfaces are small.

type mockRateLimiter struct{ mock.Mock }

func (m *mockRateLimiter) Check(deviceID, userID string, command model.Command) ratelimit.Decision {
	args := m.Called(deviceID, userID, command)
	return args.Get(0).(ratelimit.Decision)
}

func (m *mockRateLimiter) Record(deviceID, userID string, command model.Command, success bool) {
	m.Called(deviceID, userID, command, success)
}

type mockStore struct {
	mock.Mock
	devices map[string]model.Device
}

func newMockStore(devices ...model.Device) *mockStore {
	m := &mockStore{devices: make(map[string]model.Device)}
	for _, d := range devices {
		m.devices[d.DeviceID] = d
	}
	return m
}

func (m *mockStore) GetDevice(id string) (model.Device, bool) {
	d, ok := m.devices[id]
	return d, ok
}

func (m *mockStore) MutateDevice(id string, fn func(d *model.Device)) (model.Device, error) {
	d, ok := m.devices[id]
	if !ok {
		return model.Device{}, assertNotFound
	}
	fn(&d)
	m.devices[id] = d
	return d, nil
}

func (m *mockStore) AppendEvent(e model.AccessEvent) model.AccessEvent {
	args := m.Called(e)
	if out, ok := args.Get(0).(model.AccessEvent); ok {
		return out
	}
	return e
}

var assertNotFound = assertErr("not found")

type assertErr string

func (e assertErr) Error() string { return string(e) }

type mockDispatcher struct{ mock.Mock }

func (m *mockDispatcher) Dispatch(deviceID string, command model.Command) bool {
	args := m.Called(deviceID, command)
	return args.Bool(0)
}

func (m *mockDispatcher) DenyButton(deviceID string, command model.Command, reason string) {
	m.Called(deviceID, command, reason)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) StateThenAccessEvent(device *model.Device, event model.AccessEvent) {
	m.Called(device, event)
}

func allow() ratelimit.Decision { return ratelimit.Decision{Allowed: true} }

func newTestEngine(t *testing.T, rl *mockRateLimiter, st *mockStore, d *mockDispatcher, pub *mockPublisher) *Engine {
	t.Helper()
	st.On("AppendEvent", mock.Anything).Return(model.AccessEvent{})
	pub.On("StateThenAccessEvent", mock.Anything, mock.Anything).Return()
	return New(rl, st, d, st, pub, Options{Now: func() time.Time { return time.Unix(0, 0) }})
}

func TestAttemptDeniesWhenRateLimited(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-001", "admin", model.CommandOpen).Return(ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonRateLimited})
	rl.On("Record", "DOOR-001", "admin", model.CommandOpen, false).Return()

	st := newMockStore()
	d := new(mockDispatcher)
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-001", UserID: "admin", Command: model.CommandOpen})

	assert.Equal(t, model.OutcomeDenied, result.Outcome)
	assert.Equal(t, ratelimit.ReasonRateLimited, result.Reason)
	rl.AssertExpectations(t)
}

func TestAttemptDeniesUnknownDevice(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-999", "admin", model.CommandOpen).Return(allow())
	rl.On("Record", "DOOR-999", "admin", model.CommandOpen, false).Return()

	st := newMockStore()
	d := new(mockDispatcher)
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-999", UserID: "admin", Command: model.CommandOpen})

	assert.Equal(t, model.OutcomeDenied, result.Outcome)
	assert.Equal(t, ReasonUnknownDevice, result.Reason)
}

func TestAttemptLockUnlockRequiresAdmin(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-001", "alice", model.CommandLock).Return(allow())
	rl.On("Record", "DOOR-001", "alice", model.CommandLock, false).Return()

	st := newMockStore(model.Device{DeviceID: "DOOR-001", LockState: model.LockUnlocked})
	d := new(mockDispatcher)
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-001", UserID: "alice", Command: model.CommandLock})

	assert.Equal(t, model.OutcomeDenied, result.Outcome)
	assert.Equal(t, ReasonNotPermitted, result.Reason)
}

func TestAttemptLockIsNoOpWhenAlreadyLocked(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-001", "admin", model.CommandLock).Return(allow())
	rl.On("Record", "DOOR-001", "admin", model.CommandLock, true).Return()

	st := newMockStore(model.Device{DeviceID: "DOOR-001", LockState: model.LockLocked})
	d := new(mockDispatcher)
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-001", UserID: "admin", Command: model.CommandLock})

	assert.Equal(t, model.OutcomeGranted, result.Outcome)
	assert.Equal(t, MessageNoOp, result.Message)
	assert.Nil(t, result.Device)
}

func TestAttemptOpenDeniedWhenLockedAndNotAdmin(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-001", "alice", model.CommandOpen).Return(allow())
	rl.On("Record", "DOOR-001", "alice", model.CommandOpen, false).Return()

	st := newMockStore(model.Device{DeviceID: "DOOR-001", LockState: model.LockLocked, PhysicalStatus: model.StatusClosed})
	d := new(mockDispatcher)
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-001", UserID: "alice", Command: model.CommandOpen})

	assert.Equal(t, model.OutcomeDenied, result.Outcome)
	assert.Equal(t, ReasonDoorLocked, result.Reason)
}

func TestAttemptOpenVirtualDeviceMutatesStateDirectly(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-002", "admin", model.CommandOpen).Return(allow())
	rl.On("Record", "DOOR-002", "admin", model.CommandOpen, true).Return()

	st := newMockStore(model.Device{DeviceID: "DOOR-002", DeviceKind: model.KindVirtual, LockState: model.LockUnlocked, PhysicalStatus: model.StatusClosed})
	d := new(mockDispatcher)
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-002", UserID: "admin", Command: model.CommandOpen})

	require.Equal(t, model.OutcomeGranted, result.Outcome)
	require.NotNil(t, result.Device)
	assert.Equal(t, model.StatusOpen, result.Device.PhysicalStatus)
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestAttemptOpenPhysicalDeviceDispatchesWithoutMutatingState(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-001", "admin", model.CommandOpen).Return(allow())
	rl.On("Record", "DOOR-001", "admin", model.CommandOpen, true).Return()

	st := newMockStore(model.Device{DeviceID: "DOOR-001", DeviceKind: model.KindPhysical, LockState: model.LockUnlocked, PhysicalStatus: model.StatusClosed})
	d := new(mockDispatcher)
	d.On("Dispatch", "DOOR-001", model.CommandOpen).Return(true)
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-001", UserID: "admin", Command: model.CommandOpen})

	require.Equal(t, model.OutcomeGranted, result.Outcome)
	assert.Nil(t, result.Device)
	d.AssertExpectations(t)
}

func TestAttemptOpenPhysicalDeviceOfflineIsDenied(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-001", "admin", model.CommandOpen).Return(allow())
	rl.On("Record", "DOOR-001", "admin", model.CommandOpen, false).Return()

	st := newMockStore(model.Device{DeviceID: "DOOR-001", DeviceKind: model.KindPhysical, LockState: model.LockUnlocked, PhysicalStatus: model.StatusClosed})
	d := new(mockDispatcher)
	d.On("Dispatch", "DOOR-001", model.CommandOpen).Return(false)
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-001", UserID: "admin", Command: model.CommandOpen})

	assert.Equal(t, model.OutcomeDenied, result.Outcome)
	assert.Equal(t, ReasonDeviceOffline, result.Reason)
}

func TestAttemptButtonOpenDeniedWhenLockedNotifiesController(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-001", model.PhysicalButtonUserID, model.CommandOpen).Return(allow())
	rl.On("Record", "DOOR-001", model.PhysicalButtonUserID, model.CommandOpen, false).Return()

	st := newMockStore(model.Device{DeviceID: "DOOR-001", DeviceKind: model.KindPhysical, LockState: model.LockLocked, PhysicalStatus: model.StatusClosed})
	d := new(mockDispatcher)
	d.On("DenyButton", "DOOR-001", model.CommandOpen, ReasonDoorLocked).Return()
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-001", UserID: model.PhysicalButtonUserID, Command: model.CommandOpen})

	assert.Equal(t, model.OutcomeDenied, result.Outcome)
	d.AssertExpectations(t)
}

func TestAttemptCloseHasNoLockPrecondition(t *testing.T) {
	rl := new(mockRateLimiter)
	rl.On("Check", "DOOR-001", model.PhysicalButtonUserID, model.CommandClose).Return(allow())
	rl.On("Record", "DOOR-001", model.PhysicalButtonUserID, model.CommandClose, true).Return()

	st := newMockStore(model.Device{DeviceID: "DOOR-001", DeviceKind: model.KindVirtual, LockState: model.LockLocked, PhysicalStatus: model.StatusOpen})
	d := new(mockDispatcher)
	pub := new(mockPublisher)
	engine := newTestEngine(t, rl, st, d, pub)

	result := engine.Attempt(model.AccessAttempt{DeviceID: "DOOR-001", UserID: model.PhysicalButtonUserID, Command: model.CommandClose})

	assert.Equal(t, model.OutcomeGranted, result.Outcome)
}
