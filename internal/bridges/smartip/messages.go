package smartip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MQTT message types exchanged with hosts.

// CommandMessage asks the bridge to run a device command.
// Topic: {prefix}/command/{device_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. Generated when empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is taken from the topic when empty.
	DeviceID string `json:"device_id"`

	// Command is a CommandKind name, e.g. "set_volume".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"volume_db": -20} for set_volume
	//   {"profile_id": 2, "startup": true} for restore_profile
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation", ...).
	Source string `json:"source"`

	// UserID is the user who triggered the command, if any.
	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the outcome of a command.
type AckStatus string

const (
	// AckAccepted indicates the device accepted the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not respond within the timeout.
	AckTimeout AckStatus = "timeout"
)

// AckMessage reports the outcome of a CommandMessage.
// Topic: {prefix}/ack/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`

	// Unverified is set when a restored profile id was not in the device's list.
	Unverified bool `json:"unverified,omitempty"`

	// Refreshed is false when the post-command telemetry read failed.
	Refreshed bool `json:"refreshed"`

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
	ErrCodeDeviceBusy        = "DEVICE_BUSY"
	ErrCodeDeviceRejected    = "DEVICE_REJECTED"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeUnsupported       = "UNSUPPORTED"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNoState           = "NO_STATE"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// ErrorCode maps a command error onto an ack code. It is shared by the
// MQTT bridge and the REST API.
func ErrorCode(err error) string {
	var ve *ValidationError
	var te *TransportError
	var pe *ProtocolError
	switch {
	case errors.As(err, &ve):
		switch {
		case ve.Field == "command":
			return ErrCodeInvalidCommand
		case ve.Reason == ReasonUnsupported:
			return ErrCodeUnsupported
		default:
			return ErrCodeInvalidParameters
		}
	case errors.As(err, &pe):
		return ErrCodeProtocolError
	case errors.As(err, &te):
		switch {
		case te.Kind == KindTimeout:
			return ErrCodeTimeout
		case te.Busy():
			return ErrCodeDeviceBusy
		case te.Kind == KindMalformedResponse:
			return ErrCodeProtocolError
		case te.Kind == KindHTTPStatus:
			return ErrCodeDeviceRejected
		default:
			return ErrCodeDeviceUnreachable
		}
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrNoSnapshot):
		return ErrCodeNoState
	case errors.Is(err, ErrDeviceNotFound), errors.Is(err, ErrRemoved):
		return ErrCodeNotConfigured
	default:
		return ErrCodeBridgeError
	}
}

// StateMessage carries a device's link state and latest snapshot.
// Topic: {prefix}/state/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string          `json:"device_id"`
	Timestamp time.Time       `json:"timestamp"`
	State     LinkState       `json:"state"`
	Reason    UpdateReason    `json:"reason"`
	Snapshot  *DeviceSnapshot `json:"snapshot,omitempty"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: {prefix}/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Devices counts registered devices by link state.
	Devices map[LinkState]int `json:"devices,omitempty"`

	Statistics *BridgeStatistics `json:"statistics,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
	Errors           uint64 `json:"errors"`
}

// UnmarshalJSON accepts a missing timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage builds the acknowledgment for a finished command.
func NewAckMessage(cmd CommandMessage, result CommandResult, err error) AckMessage {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckAccepted,
	}
	if err != nil {
		code := ErrorCode(err)
		ack.Status = AckFailed
		if code == ErrCodeTimeout {
			ack.Status = AckTimeout
		}
		ack.Error = &AckError{Code: code, Message: err.Error()}
		return ack
	}
	ack.Unverified = result.Unverified
	ack.Refreshed = result.Refreshed
	return ack
}

// NewStateMessage converts a subscription update into a state message.
func NewStateMessage(u Update) StateMessage {
	msg := StateMessage{
		DeviceID:  u.DeviceID,
		Timestamp: u.At.UTC(),
		State:     u.State,
		Reason:    u.Reason,
	}
	if u.HasSnapshot {
		snap := u.Snapshot
		msg.Snapshot = &snap
	}
	return msg
}
