package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorcoordinator/doorserver/internal/config"
	"github.com/doorcoordinator/doorserver/internal/model"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New([]config.DeviceSeed{
		{ID: "DOOR-001", Location: "Main Entrance", Kind: model.KindPhysical, InitialPhysicalStatus: model.StatusClosed, InitialLockState: model.LockLocked},
		{ID: "DOOR-002", Location: "Side Entrance", Kind: model.KindVirtual, InitialPhysicalStatus: model.StatusClosed, InitialLockState: model.LockUnlocked},
	}, &Options{RetentionSize: 3, Now: fixedNow(time.Unix(0, 0))})
}

func TestNewSeedsConnectionStatusByKind(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	physical, ok := s.GetDevice("DOOR-001")
	require.True(t, ok)
	assert.Equal(model.ConnOffline, physical.ConnectionStatus)

	virtual, ok := s.GetDevice("DOOR-002")
	require.True(t, ok)
	assert.Equal(model.ConnOnline, virtual.ConnectionStatus)
}

func TestGetDeviceUnknown(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.GetDevice("DOOR-999")
	assert.False(t, ok)
}

func TestListDevicesPreservesSeedOrder(t *testing.T) {
	s := newTestStore(t)
	devices := s.ListDevices()
	require.Len(t, devices, 2)
	assert.Equal(t, "DOOR-001", devices[0].DeviceID)
	assert.Equal(t, "DOOR-002", devices[1].DeviceID)
}

func TestUpdateDeviceAppliesPatch(t *testing.T) {
	s := newTestStore(t)
	status := model.ConnOnline

	updated, err := s.UpdateDevice("DOOR-001", model.DevicePatch{ConnectionStatus: &status})
	require.NoError(t, err)
	assert.Equal(t, model.ConnOnline, updated.ConnectionStatus)

	fetched, _ := s.GetDevice("DOOR-001")
	assert.Equal(t, model.ConnOnline, fetched.ConnectionStatus)
}

func TestUpdateDeviceUnknownReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateDevice("DOOR-999", model.DevicePatch{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutateDeviceAppliesMutation(t *testing.T) {
	s := newTestStore(t)

	updated, err := s.MutateDevice("DOOR-001", func(d *model.Device) {
		d.PhysicalStatus = model.StatusOpen
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, updated.PhysicalStatus)
}

func TestAppendEventEvictsOldestBeyondRetention(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		s.AppendEvent(model.AccessEvent{DeviceID: "DOOR-001", UserID: "admin", Command: model.CommandOpen})
	}

	assert.Equal(t, 3, s.EventCount())
}

func TestListEventsMostRecentFirst(t *testing.T) {
	s := newTestStore(t)

	s.AppendEvent(model.AccessEvent{UserID: "first"})
	s.AppendEvent(model.AccessEvent{UserID: "second"})
	s.AppendEvent(model.AccessEvent{UserID: "third"})

	events := s.ListEvents(2)
	require.Len(t, events, 2)
	assert.Equal(t, "third", events[0].UserID)
	assert.Equal(t, "second", events[1].UserID)
}

func TestListEventsZeroLimitReturnsAll(t *testing.T) {
	s := newTestStore(t)
	s.AppendEvent(model.AccessEvent{UserID: "only"})

	events := s.ListEvents(0)
	assert.Len(t, events, 1)
}
