package wsapi

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorcoordinator/doorserver/internal/authz"
	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/registry"
)

type fakeStore struct {
	updated model.DevicePatch
	device  model.Device
}

func (f *fakeStore) ListDevices() []model.Device { return nil }

func (f *fakeStore) UpdateDevice(id string, patch model.DevicePatch) (model.Device, error) {
	f.updated = patch
	f.device.DeviceID = id
	if patch.PhysicalStatus != nil {
		f.device.PhysicalStatus = *patch.PhysicalStatus
	}
	if patch.ConnectionStatus != nil {
		f.device.ConnectionStatus = *patch.ConnectionStatus
	}
	return f.device, nil
}

type fakeAudit struct {
	connectionChanges int
}

func (f *fakeAudit) OnConnectionChange(device model.Device) { f.connectionChanges++ }
func (f *fakeAudit) OnControllerTimeout(deviceID string)    {}

type fakeEngine struct {
	lastAttempt model.AccessAttempt
	result      authz.Result
}

func (f *fakeEngine) Attempt(attempt model.AccessAttempt) authz.Result {
	f.lastAttempt = attempt
	return f.result
}

type fakeBroadcaster struct {
	lastDevice model.Device
	calls      int
}

func (f *fakeBroadcaster) DeviceStateChange(device model.Device) {
	f.lastDevice = device
	f.calls++
}

func newTestTransport(reg Registry, store DeviceStore, engine Engine, caster Broadcaster) *Transport {
	return New(reg, store, engine, caster, func() time.Time { return time.Unix(0, 0) }, nil)
}

func dialWS(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHandleDashboardRegistersObserver(t *testing.T) {
	reg := registry.New(&fakeStore{}, &fakeAudit{}, &registry.Options{Now: func() time.Time { return time.Unix(0, 0) }})
	transport := newTestTransport(reg, &fakeStore{}, &fakeEngine{}, &fakeBroadcaster{})

	router := mux.NewRouter()
	router.HandleFunc("/ws", transport.HandleDashboard)
	server := httptest.NewServer(router)
	defer server.Close()

	conn := dialWS(t, server, "/ws")
	defer conn.Close()

	var snapshot map[string]interface{}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "initial_data", snapshot["type"])
}

func TestHandleControllerStatusUpdateBroadcasts(t *testing.T) {
	regStore := &fakeStore{}
	reg := registry.New(regStore, &fakeAudit{}, &registry.Options{Now: func() time.Time { return time.Unix(0, 0) }})
	store := &fakeStore{}
	caster := &fakeBroadcaster{}
	transport := newTestTransport(reg, store, &fakeEngine{}, caster)

	router := mux.NewRouter()
	router.HandleFunc("/ws/{device_id}", transport.HandleController)
	server := httptest.NewServer(router)
	defer server.Close()

	conn := dialWS(t, server, "/ws/DOOR-001")
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(
		`{"type":"status_update","data":{"physical_status":"open"}}`,
	)))

	require.Eventually(t, func() bool { return caster.calls == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StatusOpen, store.device.PhysicalStatus)
	assert.Equal(t, "DOOR-001", caster.lastDevice.DeviceID)
}

func TestHandleControllerButtonRequestRunsAttempt(t *testing.T) {
	reg := registry.New(&fakeStore{}, &fakeAudit{}, &registry.Options{Now: func() time.Time { return time.Unix(0, 0) }})
	engine := &fakeEngine{result: authz.Result{Outcome: model.OutcomeDenied, Reason: "door_locked"}}
	transport := newTestTransport(reg, &fakeStore{}, engine, &fakeBroadcaster{})

	router := mux.NewRouter()
	router.HandleFunc("/ws/{device_id}", transport.HandleController)
	server := httptest.NewServer(router)
	defer server.Close()

	conn := dialWS(t, server, "/ws/DOOR-001")
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(
		`{"type":"button_command_request","command":"open"}`,
	)))

	require.Eventually(t, func() bool { return engine.lastAttempt.DeviceID == "DOOR-001" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.PhysicalButtonUserID, engine.lastAttempt.UserID)
	assert.Equal(t, model.CommandOpen, engine.lastAttempt.Command)
}
