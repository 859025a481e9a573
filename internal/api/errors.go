package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for failures that happen before a command reaches a device.
// Device failures use the smartip ack codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeInternal     = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDeviceError maps a coordinator error onto an HTTP status, keeping
// the ack code so API and MQTT clients see the same vocabulary.
func writeDeviceError(w http.ResponseWriter, err error) {
	code := smartip.ErrorCode(err)
	writeError(w, deviceErrorStatus(code), code, err.Error())
}

func deviceErrorStatus(code string) int {
	switch code {
	case smartip.ErrCodeInvalidCommand, smartip.ErrCodeInvalidParameters:
		return http.StatusBadRequest
	case smartip.ErrCodeUnsupported:
		return http.StatusUnprocessableEntity
	case smartip.ErrCodeNotConfigured:
		return http.StatusNotFound
	case smartip.ErrCodeNoState:
		return http.StatusConflict
	case smartip.ErrCodeDeviceBusy:
		return http.StatusServiceUnavailable
	case smartip.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case smartip.ErrCodeBridgeError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// isNotFound reports whether err means the device is not registered.
func isNotFound(err error) bool {
	return errors.Is(err, smartip.ErrDeviceNotFound) || errors.Is(err, smartip.ErrRemoved)
}
