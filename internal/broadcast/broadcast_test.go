package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/wire"
)

type fakeFanout struct {
	sent []interface{}
}

func (f *fakeFanout) BroadcastToObservers(msg interface{}) {
	f.sent = append(f.sent, msg)
}

func TestStateThenAccessEventOrdering(t *testing.T) {
	fanout := &fakeFanout{}
	b := New(fanout, func() time.Time { return time.Unix(0, 0) })

	device := &model.Device{DeviceID: "DOOR-001", PhysicalStatus: model.StatusOpen}
	event := model.AccessEvent{DeviceID: "DOOR-001", UserID: "admin", Command: model.CommandOpen}

	b.StateThenAccessEvent(device, event)

	require.Len(t, fanout.sent, 2)

	stateEnvelope, ok := fanout.sent[0].(wire.Envelope)
	require.True(t, ok)
	assert.Equal(t, wire.TypeDeviceStateChange, stateEnvelope.Type)

	eventEnvelope, ok := fanout.sent[1].(wire.Envelope)
	require.True(t, ok)
	assert.Equal(t, wire.TypeAccessEvent, eventEnvelope.Type)
}

func TestStateThenAccessEventSkipsStateWhenDeviceNil(t *testing.T) {
	fanout := &fakeFanout{}
	b := New(fanout, func() time.Time { return time.Unix(0, 0) })

	b.StateThenAccessEvent(nil, model.AccessEvent{DeviceID: "DOOR-001"})

	require.Len(t, fanout.sent, 1)
	envelope := fanout.sent[0].(wire.Envelope)
	assert.Equal(t, wire.TypeAccessEvent, envelope.Type)
}

func TestDeviceStateChangeWrapsEnvelope(t *testing.T) {
	fanout := &fakeFanout{}
	b := New(fanout, func() time.Time { return time.Unix(0, 0) })

	b.DeviceStateChange(model.Device{DeviceID: "DOOR-001"})

	require.Len(t, fanout.sent, 1)
	envelope := fanout.sent[0].(wire.Envelope)
	data, ok := envelope.Data.(wire.DeviceStateChangeData)
	require.True(t, ok)
	assert.Equal(t, "DOOR-001", data.DeviceID)
}
