// Package wsapi implements the WebSocket half of the Ingress Surface
// (spec §4.7, §6): the dashboard observer endpoint and the per-device
// controller endpoint. Each accepted connection is handed a read
// goroutine and a write goroutine exchanging JSON frames over a buffered
// send channel, the same readPump/writePump split
// webpa-common/device/manager.go uses to keep one connection's slow
// consumer from blocking the goroutine decoding its inbound frames.
//
// Per spec §9's design note, the Connection Registry owns session
// handles but not their I/O: observerSession and controllerSession below
// are the concrete handles, implementing registry.ObserverHandle and
// registry.ControllerHandle, while the actual *websocket.Conn and its
// pumps live only here.
package wsapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/doorcoordinator/doorserver/internal/authz"
	"github.com/doorcoordinator/doorserver/internal/logging"
	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/registry"
	"github.com/doorcoordinator/doorserver/internal/wire"
)

// Registry is the subset of registry.Registry the transport layer needs.
// It is declared against registry's own handle interfaces (rather than
// locally redeclared ones) since Go requires exact parameter-type
// identity for interface satisfaction, not just an identical method set.
type Registry interface {
	AcceptObserver(h registry.ObserverHandle)
	AcceptController(h registry.ControllerHandle, deviceID string)
	DropObserver(h registry.ObserverHandle)
	DropController(h registry.ControllerHandle)
	TouchController(deviceID string)
	TouchObserver(h registry.ObserverHandle)
}

// DeviceStore is the subset of store.Store the controller endpoint needs
// to apply a status_update report.
type DeviceStore interface {
	UpdateDevice(id string, patch model.DevicePatch) (model.Device, error)
}

// Engine is the subset of authz.Engine both endpoints drive: the
// dashboard for client-issued commands, the controller endpoint for
// button-originated ones.
type Engine interface {
	Attempt(attempt model.AccessAttempt) authz.Result
}

// Broadcaster is the subset of broadcast.Broadcaster the controller
// endpoint needs to publish a status_update as a device_state_change.
type Broadcaster interface {
	DeviceStateChange(device model.Device)
}

// Options configures the transport, following the teacher's
// defaulting-accessor Options pattern.
type Options struct {
	Logger       log.Logger
	SendBuffer   int
	PongDeadline time.Duration
	CheckOrigin  func(r *http.Request) bool
}

func (o *Options) logger() log.Logger {
	if o == nil || o.Logger == nil {
		return logging.DefaultLogger()
	}
	return o.Logger
}

func (o *Options) sendBuffer() int {
	if o == nil || o.SendBuffer <= 0 {
		return 16
	}
	return o.SendBuffer
}

func (o *Options) pongDeadline() time.Duration {
	if o == nil || o.PongDeadline <= 0 {
		return 30 * time.Second
	}
	return o.PongDeadline
}

func (o *Options) upgrader() websocket.Upgrader {
	checkOrigin := func(r *http.Request) bool { return true }
	if o != nil && o.CheckOrigin != nil {
		checkOrigin = o.CheckOrigin
	}
	return websocket.Upgrader{CheckOrigin: checkOrigin}
}

// Transport serves the dashboard and controller WebSocket endpoints.
type Transport struct {
	registry     Registry
	store        DeviceStore
	engine       Engine
	broadcaster  Broadcaster
	logger       log.Logger
	errorLog     log.Logger
	debugLog     log.Logger
	upgrader     websocket.Upgrader
	sendBuffer   int
	pongDeadline time.Duration
	now          func() time.Time
}

// New constructs a Transport.
func New(registry Registry, store DeviceStore, engine Engine, broadcaster Broadcaster, now func() time.Time, o *Options) *Transport {
	logger := o.logger()
	if now == nil {
		now = time.Now
	}
	return &Transport{
		registry:     registry,
		store:        store,
		engine:       engine,
		broadcaster:  broadcaster,
		logger:       logger,
		errorLog:     logging.Error(logger),
		debugLog:     logging.Debug(logger),
		upgrader:     o.upgrader(),
		sendBuffer:   o.sendBuffer(),
		pongDeadline: o.pongDeadline(),
		now:          now,
	}
}

// HandleDashboard upgrades GET /ws into an observer session.
func (t *Transport) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.errorLog.Log(logging.MessageKey(), "dashboard upgrade failed", logging.ErrorKey(), err)
		return
	}

	sess := &observerSession{
		conn:   conn,
		send:   make(chan interface{}, t.sendBuffer),
		logger: t.logger,
	}

	t.registry.AcceptObserver(sess)

	go t.observerWritePump(sess)
	go t.observerReadPump(sess)
}

// HandleController upgrades GET /ws/{device_id} into a controller
// session.
func (t *Transport) HandleController(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.errorLog.Log(logging.MessageKey(), "controller upgrade failed", "device_id", deviceID, logging.ErrorKey(), err)
		return
	}

	sess := &controllerSession{
		conn:     conn,
		send:     make(chan interface{}, t.sendBuffer),
		deviceID: deviceID,
		logger:   t.logger,
	}

	t.registry.AcceptController(sess, deviceID)
	_ = conn.SetReadDeadline(t.now().Add(t.pongDeadline))

	go t.controllerWritePump(sess)
	go t.controllerReadPump(sess)
}

// observerSession is the concrete registry.ObserverHandle: a WebSocket
// connection plus its outbound queue.
type observerSession struct {
	conn      *websocket.Conn
	send      chan interface{}
	logger    log.Logger
	closeOnce sync.Once
}

// Send enqueues msg for delivery without blocking the caller; a full
// queue is treated as a dead session, matching the registry's
// best-effort broadcast semantics.
func (s *observerSession) Send(msg interface{}) error {
	select {
	case s.send <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close closes the underlying connection exactly once.
func (s *observerSession) Close(reason string) {
	s.closeOnce.Do(func() {
		level.Debug(s.logger).Log(logging.MessageKey(), "closing observer session", "reason", reason)
		_ = s.conn.Close()
	})
}

// controllerSession is the concrete registry.ControllerHandle.
type controllerSession struct {
	conn      *websocket.Conn
	send      chan interface{}
	deviceID  string
	logger    log.Logger
	closeOnce sync.Once
}

func (s *controllerSession) Send(msg interface{}) error {
	select {
	case s.send <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

func (s *controllerSession) Close(reason string) {
	s.closeOnce.Do(func() {
		level.Debug(s.logger).Log(logging.MessageKey(), "closing controller session", "device_id", s.deviceID, "reason", reason)
		_ = s.conn.Close()
	})
}

// errSendQueueFull is returned by Send when a session's outbound buffer
// is saturated. The registry drops an observer whose Send fails; a failed
// controller Send is reported to the caller as not delivered and the
// controller session stays registered.
var errSendQueueFull = sendQueueFullError{}

type sendQueueFullError struct{}

func (sendQueueFullError) Error() string { return "send queue full" }

// observerWritePump drains sess.send to the socket until the channel's
// owning readPump closes the connection out from under it.
func (t *Transport) observerWritePump(sess *observerSession) {
	for msg := range sess.send {
		if err := sess.conn.WriteJSON(msg); err != nil {
			t.debugLog.Log(logging.MessageKey(), "observer write error", logging.ErrorKey(), err)
			sess.Close("write_error")
			t.registry.DropObserver(sess)
			return
		}
	}
}

// observerReadPump decodes client_command and ping frames from an
// observer session until the connection errors or closes.
func (t *Transport) observerReadPump(sess *observerSession) {
	defer func() {
		sess.Close("read_closed")
		t.registry.DropObserver(sess)
	}()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			t.debugLog.Log(logging.MessageKey(), "observer read error", logging.ErrorKey(), err)
			return
		}

		var raw wire.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			t.errorLog.Log(logging.MessageKey(), "malformed observer frame", logging.ErrorKey(), err)
			continue
		}

		switch raw.Type {
		case wire.TypeCommand:
			var cmd wire.ClientCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				t.errorLog.Log(logging.MessageKey(), "malformed client command", logging.ErrorKey(), err)
				continue
			}
			t.handleClientCommand(sess, cmd)

		case wire.TypePong, wire.TypePing:
			t.registry.TouchObserver(sess)

		default:
			t.debugLog.Log(logging.MessageKey(), "unrecognized observer frame type", "type", raw.Type)
		}
	}
}

// handleClientCommand runs a dashboard-issued command through the
// Authorization Engine and replies with command_response to the
// originating session only, never broadcast (spec §6).
func (t *Transport) handleClientCommand(sess *observerSession, cmd wire.ClientCommand) {
	result := t.engine.Attempt(model.AccessAttempt{
		DeviceID: cmd.DeviceID,
		UserID:   cmd.UserID,
		Command:  cmd.Command,
	})

	message := result.Message
	if result.Outcome == model.OutcomeDenied {
		message = result.Reason
	}

	_ = sess.Send(wire.Envelope{
		Type: wire.TypeCommandResponse,
		Data: wire.CommandResponseData{
			DeviceID: cmd.DeviceID,
			Command:  cmd.Command,
			Status:   result.Outcome,
			Message:  message,
		},
	})
}

// controllerWritePump mirrors observerWritePump for controller sessions.
func (t *Transport) controllerWritePump(sess *controllerSession) {
	for msg := range sess.send {
		if err := sess.conn.WriteJSON(msg); err != nil {
			t.debugLog.Log(logging.MessageKey(), "controller write error", "device_id", sess.deviceID, logging.ErrorKey(), err)
			sess.Close("write_error")
			t.registry.DropController(sess)
			return
		}
	}
}

// controllerReadPump decodes status_update, button_command_request,
// command_response, and pong frames from a device controller session.
func (t *Transport) controllerReadPump(sess *controllerSession) {
	defer func() {
		sess.Close("read_closed")
		t.registry.DropController(sess)
	}()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			t.debugLog.Log(logging.MessageKey(), "controller read error", "device_id", sess.deviceID, logging.ErrorKey(), err)
			return
		}

		_ = sess.conn.SetReadDeadline(t.now().Add(t.pongDeadline))
		t.registry.TouchController(sess.deviceID)

		var raw wire.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			t.errorLog.Log(logging.MessageKey(), "malformed controller frame", "device_id", sess.deviceID, logging.ErrorKey(), err)
			continue
		}

		switch raw.Type {
		case wire.TypeStatusUpdate:
			t.handleStatusUpdate(sess, data)

		case wire.TypeButtonRequest:
			t.handleButtonRequest(sess, data)

		case "command_response":
			var resp wire.DeviceCommandResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				t.errorLog.Log(logging.MessageKey(), "malformed device command response", "device_id", sess.deviceID, logging.ErrorKey(), err)
				continue
			}
			t.debugLog.Log(logging.MessageKey(), "device command response", "device_id", sess.deviceID, "command", resp.Command, "success", resp.Success)

		case wire.TypePong:
			// TouchController above already recorded this frame; nothing
			// further to do.

		default:
			t.debugLog.Log(logging.MessageKey(), "unrecognized controller frame type", "device_id", sess.deviceID, "type", raw.Type)
		}
	}
}

// handleStatusUpdate applies a device's authoritative physical_status
// report and republishes the resulting device_state_change, per spec
// §4.4's "status_update mutates physical_status" rule.
func (t *Transport) handleStatusUpdate(sess *controllerSession, data []byte) {
	var update wire.DeviceStatusUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		t.errorLog.Log(logging.MessageKey(), "malformed status update", "device_id", sess.deviceID, logging.ErrorKey(), err)
		return
	}

	status := update.Data.PhysicalStatus
	device, err := t.store.UpdateDevice(sess.deviceID, model.DevicePatch{PhysicalStatus: &status})
	if err != nil {
		t.errorLog.Log(logging.MessageKey(), "status update for unknown device", "device_id", sess.deviceID, logging.ErrorKey(), err)
		return
	}

	t.broadcaster.DeviceStateChange(device)
}

// handleButtonRequest runs a physical-button-originated access attempt
// through the Authorization Engine. Any resulting grant or denial is
// delivered via the normal store/dispatch/broadcast path; this handler
// does not reply directly to the controller (the engine's dispatcher
// does, via ControllerCommand/ControllerCommandDenied, for the cases
// that warrant it).
func (t *Transport) handleButtonRequest(sess *controllerSession, data []byte) {
	var req wire.DeviceButtonCommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.errorLog.Log(logging.MessageKey(), "malformed button request", "device_id", sess.deviceID, logging.ErrorKey(), err)
		return
	}

	t.engine.Attempt(model.AccessAttempt{
		DeviceID: sess.deviceID,
		UserID:   model.PhysicalButtonUserID,
		Command:  req.Command,
	})
}
