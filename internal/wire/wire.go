// Package wire defines the bit-exact JSON message shapes of the dashboard
// and controller WebSocket protocols (spec §6), shared by the registry,
// broadcaster, dispatcher, and transport layers so the wire format is
// defined in exactly one place.
package wire

import (
	"time"

	"github.com/doorcoordinator/doorserver/internal/model"
)

// Envelope is the {type, data} shape every dashboard server-to-client
// message (besides bare pings) is wrapped in.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

const (
	TypeInitialData       = "initial_data"
	TypeDeviceStateChange = "device_state_change"
	TypeAccessEvent       = "access_event"
	TypeCommandResponse   = "command_response"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeCommand           = "command"
	TypeCommandDenied     = "command_denied"
	TypeHandshake         = "handshake"
	TypeAck               = "ack"
	TypeStatusUpdate      = "status_update"
	TypeButtonRequest     = "button_command_request"
)

// InitialData is the payload of the initial_data message sent to an
// observer the instant its session is accepted.
type InitialData struct {
	Devices   []model.Device `json:"devices"`
	Timestamp time.Time      `json:"timestamp"`
}

// DeviceStateChangeData is the payload of a device_state_change message.
type DeviceStateChangeData struct {
	DeviceID  string       `json:"device_id"`
	NewState  model.Device `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
}

// CommandResponseData is the payload of a command_response message, sent
// to the originator of a command only.
type CommandResponseData struct {
	DeviceID string        `json:"device_id"`
	Command  model.Command `json:"command"`
	Status   model.Outcome `json:"status"`
	Message  string        `json:"message"`
}

// ClientCommand is a dashboard client-to-server command message.
type ClientCommand struct {
	Type     string        `json:"type"`
	DeviceID string        `json:"device_id"`
	Command  model.Command `json:"command"`
	UserID   string        `json:"user_id"`
}

// Ping is the dashboard client-to-server ping message shape; it
// shares its shape with the server's own ping so a single struct covers
// both directions.
type Ping struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ControllerCommand is an authorized actuation sent to a device.
type ControllerCommand struct {
	Type      string        `json:"type"`
	Command   model.Command `json:"command"`
	Timestamp time.Time     `json:"timestamp"`
}

// ControllerCommandDenied refuses a button-originated request.
type ControllerCommandDenied struct {
	Type      string        `json:"type"`
	Command   model.Command `json:"command"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

// ControllerHandshake asks a device to re-announce its status.
type ControllerHandshake struct {
	Type string `json:"type"`
}

// ControllerAck acknowledges receipt of a device message.
type ControllerAck struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DeviceStatusUpdate is a device's authoritative physical_status report.
type DeviceStatusUpdate struct {
	Type string `json:"type"`
	Data struct {
		PhysicalStatus model.PhysicalStatus `json:"physical_status"`
	} `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceButtonCommandRequest is a controller-originated access attempt
// triggered by a physical button press.
type DeviceButtonCommandRequest struct {
	Type      string        `json:"type"`
	Command   model.Command `json:"command"`
	Timestamp time.Time     `json:"timestamp"`
}

// DeviceCommandResponse is an informational report of command execution.
type DeviceCommandResponse struct {
	Type      string        `json:"type"`
	Command   model.Command `json:"command"`
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// RawMessage is used to sniff the "type" field of an inbound frame before
// deciding which concrete struct to decode it into.
type RawMessage struct {
	Type string `json:"type"`
}
