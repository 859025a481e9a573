package smartip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unknown command", &ValidationError{Field: "command", Reason: ReasonInvalid}, ErrCodeInvalidCommand},
		{"unsupported", &ValidationError{Field: "led", Reason: ReasonUnsupported}, ErrCodeUnsupported},
		{"out of range", &ValidationError{Field: "volume_db", Reason: ReasonOutOfRange}, ErrCodeInvalidParameters},
		{"protocol", &ProtocolError{Path: pathEvents, Field: "cpuT"}, ErrCodeProtocolError},
		{"timeout", timeoutErr(http.MethodGet, pathEvents), ErrCodeTimeout},
		{"busy", &TransportError{Kind: KindHTTPStatus, Code: http.StatusServiceUnavailable}, ErrCodeDeviceBusy},
		{"rejected", &TransportError{Kind: KindHTTPStatus, Code: http.StatusBadRequest}, ErrCodeDeviceRejected},
		{"malformed", &TransportError{Kind: KindMalformedResponse}, ErrCodeProtocolError},
		{"refused", &TransportError{Kind: KindConnectionRefused}, ErrCodeDeviceUnreachable},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"no snapshot", fmt.Errorf("volume_up: %w", ErrNoSnapshot), ErrCodeNoState},
		{"not found", fmt.Errorf("%w: x", ErrDeviceNotFound), ErrCodeNotConfigured},
		{"removed", ErrRemoved, ErrCodeNotConfigured},
		{"other", errors.New("boom"), ErrCodeBridgeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCommandMessage_UnmarshalJSON(t *testing.T) {
	var msg CommandMessage
	data := `{"id":"c1","timestamp":"2026-03-01T12:00:00Z","command":"set_mute","parameters":{"mute":true}}`
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.ID != "c1" || msg.Command != "set_mute" || msg.Parameters["mute"] != true {
		t.Errorf("msg = %+v", msg)
	}
	if !msg.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Timestamp = %v", msg.Timestamp)
	}

	var bare CommandMessage
	if err := json.Unmarshal([]byte(`{"command":"wake_up"}`), &bare); err != nil {
		t.Fatalf("Unmarshal() without timestamp error = %v", err)
	}
	if !bare.Timestamp.IsZero() {
		t.Errorf("Timestamp = %v, want zero", bare.Timestamp)
	}

	if err := json.Unmarshal([]byte(`{"command":"wake_up","timestamp":"yesterday"}`), &bare); err == nil {
		t.Error("Unmarshal() accepted an invalid timestamp")
	}
}

func TestNewAckMessage(t *testing.T) {
	cmd := CommandMessage{ID: "c1", DeviceID: "1"}

	ack := NewAckMessage(cmd, CommandResult{Refreshed: true, Unverified: true}, nil)
	if ack.Status != AckAccepted || !ack.Refreshed || !ack.Unverified || ack.Error != nil {
		t.Errorf("success ack = %+v", ack)
	}

	ack = NewAckMessage(cmd, CommandResult{}, &TransportError{Kind: KindConnectionRefused})
	if ack.Status != AckFailed || ack.Error.Code != ErrCodeDeviceUnreachable {
		t.Errorf("failure ack = %+v", ack)
	}

	ack = NewAckMessage(cmd, CommandResult{}, context.DeadlineExceeded)
	if ack.Status != AckTimeout {
		t.Errorf("timeout ack status = %s", ack.Status)
	}
	if ack.CommandID != "c1" || ack.DeviceID != "1" {
		t.Errorf("ack identity = %s %s", ack.CommandID, ack.DeviceID)
	}
}

func TestNewStateMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	msg := NewStateMessage(Update{DeviceID: "1", State: StateOffline, Reason: ReasonTransition, At: at})
	if msg.Snapshot != nil {
		t.Error("Snapshot set without HasSnapshot")
	}
	if msg.Timestamp.Location() != time.UTC {
		t.Error("Timestamp not UTC")
	}

	msg = NewStateMessage(Update{DeviceID: "1", State: StateOnline, HasSnapshot: true, Snapshot: DeviceSnapshot{VolumeDB: -3}})
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back StateMessage
	json.Unmarshal(data, &back)
	if back.Snapshot == nil || back.Snapshot.VolumeDB != -3 || back.State != StateOnline {
		t.Errorf("decoded = %+v", back)
	}
}
