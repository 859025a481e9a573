package smartip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Domain errors for the SmartIP bridge package.
var (
	// ErrDeviceNotFound is returned when a device id is not in the registry.
	ErrDeviceNotFound = errors.New("smartip: device not found")

	// ErrDeviceExists is returned when adding a device id that is already registered.
	ErrDeviceExists = errors.New("smartip: device already registered")

	// ErrRemoved is returned by a coordinator after it has been closed.
	ErrRemoved = errors.New("smartip: device removed")

	// ErrNoSnapshot is returned when an operation needs telemetry that has
	// not been fetched yet.
	ErrNoSnapshot = errors.New("smartip: no snapshot available")

	// ErrBridgeNotRunning is returned when the MQTT bridge is used before Start.
	ErrBridgeNotRunning = errors.New("smartip: bridge not running")

	// ErrInvalidEndpoint is returned when a device endpoint is incomplete.
	ErrInvalidEndpoint = errors.New("smartip: invalid device endpoint")
)

// ValidationReason classifies a rejected command.
type ValidationReason string

// Validation reasons.
const (
	ReasonOutOfRange  ValidationReason = "out_of_range"
	ReasonUnsupported ValidationReason = "unsupported"
	ReasonInvalid     ValidationReason = "invalid"
)

// ValidationError reports a command rejected before any network call.
type ValidationError struct {
	Command string
	Field   string
	Reason  ValidationReason
	Detail  string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("smartip: %s: %s %s", e.Command, e.Field, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsOutOfRange reports whether err is a ValidationError with ReasonOutOfRange.
func IsOutOfRange(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Reason == ReasonOutOfRange
}

// TransportErrorKind classifies a failed device request.
type TransportErrorKind string

// Transport error kinds.
const (
	KindTimeout           TransportErrorKind = "timeout"
	KindConnectionRefused TransportErrorKind = "connection_refused"
	KindHTTPStatus        TransportErrorKind = "http_status"
	KindMalformedResponse TransportErrorKind = "malformed_response"
	KindNetwork           TransportErrorKind = "network"
)

// TransportError reports a network-level failure talking to a device.
type TransportError struct {
	Kind   TransportErrorKind
	Method string
	Path   string
	Code   int // HTTP status, set for KindHTTPStatus
	Err    error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "smartip: %s %s: %s", e.Method, e.Path, e.Kind)
	if e.Kind == KindHTTPStatus {
		fmt.Fprintf(&b, " %d", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Busy reports whether the device answered 503, its "try again later" signal.
func (e *TransportError) Busy() bool {
	return e.Kind == KindHTTPStatus && e.Code == http.StatusServiceUnavailable
}

// NotFound reports whether the device answered 404, used to detect
// endpoints a firmware does not implement.
func (e *TransportError) NotFound() bool {
	return e.Kind == KindHTTPStatus && e.Code == http.StatusNotFound
}

// ProtocolError reports a response whose shape does not match what the
// bridge consumes, usually a firmware incompatibility.
type ProtocolError struct {
	Path   string
	Field  string
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("smartip: protocol error on %s: field %q %s", e.Path, e.Field, e.Detail)
	}
	return fmt.Sprintf("smartip: protocol error on %s: %s", e.Path, e.Detail)
}

// errorClass returns a short label used for logs and metrics.
func errorClass(err error) string {
	var te *TransportError
	var pe *ProtocolError
	var ve *ValidationError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &te):
		if te.Kind == KindMalformedResponse {
			return "protocol"
		}
		return string(te.Kind)
	case errors.Is(err, ErrRemoved):
		return "removed"
	default:
		return "error"
	}
}

func isNotFound(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.NotFound()
}

// isUnreachable reports whether err means the device did not answer at all,
// as opposed to answering with an error status or an unexpected body.
func isUnreachable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		switch te.Kind {
		case KindTimeout, KindConnectionRefused, KindNetwork:
			return true
		}
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
