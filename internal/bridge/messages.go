package bridge

import (
	"time"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
)

// Protocol is the protocol identifier carried in bridge messages.
const Protocol = "diskovery"

// Command names accepted on the command topic.
const (
	// CommandSet moves one preset. Parameters: {"field": "FILTER_POSITION", "value": 3}.
	CommandSet = "set"

	// CommandRefresh re-reads every field from the controller.
	CommandRefresh = "refresh"
)

// CommandMessage is sent from Core to the bridge.
// Topic: graylogic/command/diskovery/{hub_id}
type CommandMessage struct {
	// ID correlates the command with its ack. A missing ID is replaced by a
	// new UUID before the command runs.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	// HubID is the target controller. Informational; routing is by topic.
	HubID string `json:"hub_id,omitempty"`

	// Command is "set" or "refresh".
	Command string `json:"command"`

	// Parameters holds command-specific values.
	// Examples:
	//   {"field": "DISK_POSITION", "value": 2}
	//   {"field": "MOTOR_RUNNING", "value": true}
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("dashboard", "script", ...).
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the controller confirmed the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the controller did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from the bridge to Core once a command has finished.
// Topic: graylogic/ack/diskovery/{hub_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	HubID     string    `json:"hub_id"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Field and Value echo the confirmed value of a successful set.
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`

	// Error contains details if status is "failed" or "timeout".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries the full controller state.
// Topic: graylogic/state/diskovery/{hub_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	HubID     string          `json:"hub_id"`
	Timestamp time.Time       `json:"timestamp"`
	Protocol  string          `json:"protocol"`
	State     diskovery.State `json:"state"`

	// Change is the update that triggered this message, nil for the
	// initial publish.
	Change *diskovery.Change `json:"change,omitempty"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: graylogic/health/diskovery
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Controller    *ControllerStatus `json:"controller,omitempty"`
	Statistics    *Statistics       `json:"statistics,omitempty"`

	// Reason explains the status (especially for degraded/unhealthy).
	Reason string `json:"reason,omitempty"`
}

// ControllerStatus describes the link to the Diskovery controller.
type ControllerStatus struct {
	// Status is "online", "offline" or "not_initialized".
	Status   string `json:"status"`
	Listener string `json:"listener"`
	Busy     bool   `json:"busy"`
}

// Statistics contains operational metrics.
type Statistics struct {
	FramesReceived  uint64 `json:"frames_received"`
	CommandsSent    uint64 `json:"commands_sent"`
	CommandsFailed  uint64 `json:"commands_failed"`
	HeartbeatsSeen  uint64 `json:"heartbeats_seen"`
	ChangesDropped  uint64 `json:"changes_dropped"`
	MQTTCommands    uint64 `json:"mqtt_commands"`
	StatesPublished uint64 `json:"states_published"`
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, hubID string, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		HubID:     hubID,
		Command:   cmd.Command,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates a failed acknowledgment. A TIMEOUT code yields
// status "timeout", anything else "failed".
func NewAckError(cmd CommandMessage, hubID, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd, hubID, status)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message from a snapshot.
func NewStateMessage(hubID string, s diskovery.State, change *diskovery.Change) StateMessage {
	return StateMessage{
		HubID:     hubID,
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
		State:     s,
		Change:    change,
	}
}
