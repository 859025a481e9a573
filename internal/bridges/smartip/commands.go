package smartip

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"
)

// CommandKind names a device operation. The values double as the command
// names accepted over MQTT and the REST API.
type CommandKind string

// Supported commands.
const (
	CmdSetVolume       CommandKind = "set_volume"
	CmdVolumeUp        CommandKind = "volume_up"
	CmdVolumeDown      CommandKind = "volume_down"
	CmdSetMute         CommandKind = "set_mute"
	CmdSetInput        CommandKind = "set_input"
	CmdSetLEDIntensity CommandKind = "set_led_intensity"
	CmdSetRJ45LEDs     CommandKind = "set_rj45_leds"
	CmdSetClipLED      CommandKind = "set_clip_led"
	CmdWakeUp          CommandKind = "wake_up"
	CmdSetStandby      CommandKind = "set_standby"
	CmdBootDevice      CommandKind = "boot_device"
	CmdAoIPBoot        CommandKind = "aoip_boot"
	CmdRestoreProfile  CommandKind = "restore_profile"
)

// Command limits.
const (
	MinLEDIntensity = 0
	MaxLEDIntensity = 100
	MinProfileID    = 0
	MaxProfileID    = 5

	// volumeStepDB is the change applied by volume_up and volume_down.
	volumeStepDB = 1.0
)

// CommandRequest is one domain-level operation. Only the fields relevant to
// Kind are read; use the constructors below.
type CommandRequest struct {
	Kind         CommandKind `json:"command"`
	VolumeDB     float64     `json:"volume_db,omitempty"`
	Mute         bool        `json:"mute,omitempty"`
	Input        string      `json:"input,omitempty"`
	LEDIntensity int         `json:"led_intensity,omitempty"`
	Enabled      bool        `json:"enabled,omitempty"`
	ProfileID    int         `json:"profile_id,omitempty"`
	Startup      bool        `json:"startup,omitempty"`
}

// SetVolume sets the absolute level in dB.
func SetVolume(db float64) CommandRequest {
	return CommandRequest{Kind: CmdSetVolume, VolumeDB: db}
}

// VolumeUp raises the level by one dB, clamped to the device range.
func VolumeUp() CommandRequest {
	return CommandRequest{Kind: CmdVolumeUp}
}

// VolumeDown lowers the level by one dB, clamped to the device range.
func VolumeDown() CommandRequest {
	return CommandRequest{Kind: CmdVolumeDown}
}

func SetMute(mute bool) CommandRequest {
	return CommandRequest{Kind: CmdSetMute, Mute: mute}
}

// SetInput selects A, AoIP01 or AoIP02, or the pseudo inputs none and mix.
func SetInput(id string) CommandRequest {
	return CommandRequest{Kind: CmdSetInput, Input: id}
}

func SetLEDIntensity(n int) CommandRequest {
	return CommandRequest{Kind: CmdSetLEDIntensity, LEDIntensity: n}
}

func SetRJ45LEDs(on bool) CommandRequest {
	return CommandRequest{Kind: CmdSetRJ45LEDs, Enabled: on}
}

func SetClipLED(on bool) CommandRequest {
	return CommandRequest{Kind: CmdSetClipLED, Enabled: on}
}

func WakeUp() CommandRequest {
	return CommandRequest{Kind: CmdWakeUp}
}

func SetStandby() CommandRequest {
	return CommandRequest{Kind: CmdSetStandby}
}

func BootDevice() CommandRequest {
	return CommandRequest{Kind: CmdBootDevice}
}

func AoIPBoot() CommandRequest {
	return CommandRequest{Kind: CmdAoIPBoot}
}

// RestoreProfile recalls profile id; startup also makes it the power-on profile.
func RestoreProfile(id int, startup bool) CommandRequest {
	return CommandRequest{Kind: CmdRestoreProfile, ProfileID: id, Startup: startup}
}

// DeviceRequest is a translated command ready for the transport.
type DeviceRequest struct {
	Method  string
	Path    string
	Payload map[string]any

	// Unverified is set when a profile id is not in the device's last
	// known profile list. The request is still sent.
	Unverified bool
}

// Translate validates cmd against the device limits and maps it to a
// device request. current is the cached snapshot, or nil before the first
// successful poll. Translate never touches the network.
func Translate(cmd CommandRequest, caps Capabilities, current *DeviceSnapshot) (DeviceRequest, error) {
	minDB, maxDB := caps.VolumeMinDB, caps.VolumeMaxDB
	if minDB == 0 && maxDB == 0 {
		minDB, maxDB = -130, 0
	}

	switch cmd.Kind {
	case CmdSetVolume:
		if math.IsNaN(cmd.VolumeDB) || cmd.VolumeDB < minDB || cmd.VolumeDB > maxDB {
			return DeviceRequest{}, &ValidationError{Command: string(cmd.Kind), Field: "volume_db", Reason: ReasonOutOfRange,
				Detail: fmt.Sprintf("%v not in [%v, %v]", cmd.VolumeDB, minDB, maxDB)}
		}
		return put(pathAudioVolume, map[string]any{"level": cmd.VolumeDB}), nil

	case CmdVolumeUp, CmdVolumeDown:
		if current == nil {
			return DeviceRequest{}, fmt.Errorf("%s: %w", cmd.Kind, ErrNoSnapshot)
		}
		step := volumeStepDB
		if cmd.Kind == CmdVolumeDown {
			step = -step
		}
		level := min(max(current.VolumeDB+step, minDB), maxDB)
		return put(pathAudioVolume, map[string]any{"level": level}), nil

	case CmdSetMute:
		return put(pathAudioVolume, map[string]any{"mute": cmd.Mute}), nil

	case CmdSetInput:
		inputs, ok := inputList(cmd.Input)
		if !ok {
			return DeviceRequest{}, &ValidationError{Command: string(cmd.Kind), Field: "input", Reason: ReasonInvalid,
				Detail: fmt.Sprintf("unknown input %q", cmd.Input)}
		}
		return put(pathAudioInputs, map[string]any{"input": inputs}), nil

	case CmdSetLEDIntensity:
		if cmd.LEDIntensity < MinLEDIntensity || cmd.LEDIntensity > MaxLEDIntensity {
			return DeviceRequest{}, &ValidationError{Command: string(cmd.Kind), Field: "led_intensity", Reason: ReasonOutOfRange,
				Detail: fmt.Sprintf("%d not in [%d, %d]", cmd.LEDIntensity, MinLEDIntensity, MaxLEDIntensity)}
		}
		if err := requireLED(cmd, caps); err != nil {
			return DeviceRequest{}, err
		}
		return put(pathDeviceLED, map[string]any{"ledIntensity": cmd.LEDIntensity}), nil

	case CmdSetRJ45LEDs:
		if err := requireLED(cmd, caps); err != nil {
			return DeviceRequest{}, err
		}
		return put(pathDeviceLED, map[string]any{"rj45Leds": cmd.Enabled}), nil

	case CmdSetClipLED:
		if err := requireLED(cmd, caps); err != nil {
			return DeviceRequest{}, err
		}
		return put(pathDeviceLED, map[string]any{"hideClip": !cmd.Enabled}), nil

	case CmdWakeUp:
		return put(pathDevicePower, map[string]any{"state": rawPowerActive}), nil
	case CmdSetStandby:
		return put(pathDevicePower, map[string]any{"state": rawPowerStandby}), nil
	case CmdBootDevice:
		return put(pathDevicePower, map[string]any{"state": rawPowerBoot}), nil
	case CmdAoIPBoot:
		return put(pathDevicePower, map[string]any{"state": rawPowerAoIPBoot}), nil

	case CmdRestoreProfile:
		if cmd.ProfileID < MinProfileID || cmd.ProfileID > MaxProfileID {
			return DeviceRequest{}, &ValidationError{Command: string(cmd.Kind), Field: "profile_id", Reason: ReasonOutOfRange,
				Detail: fmt.Sprintf("%d not in [%d, %d]", cmd.ProfileID, MinProfileID, MaxProfileID)}
		}
		if caps.Profiles == Unsupported {
			return DeviceRequest{}, &ValidationError{Command: string(cmd.Kind), Field: "profile_id", Reason: ReasonUnsupported,
				Detail: "device has no profile support"}
		}
		req := put(pathProfileRestore, map[string]any{"id": cmd.ProfileID, "startup": cmd.Startup})
		req.Unverified = !slices.Contains(caps.KnownProfile, cmd.ProfileID)
		return req, nil
	}

	return DeviceRequest{}, &ValidationError{Command: string(cmd.Kind), Field: "command", Reason: ReasonInvalid,
		Detail: "unknown command"}
}

func put(path string, payload map[string]any) DeviceRequest {
	return DeviceRequest{Method: http.MethodPut, Path: path, Payload: payload}
}

func requireLED(cmd CommandRequest, caps Capabilities) error {
	if caps.LED == Unsupported {
		return &ValidationError{Command: string(cmd.Kind), Field: "led", Reason: ReasonUnsupported,
			Detail: "device has no LED control"}
	}
	return nil
}

// inputList maps an input id to the list the device expects.
func inputList(id string) ([]string, bool) {
	switch {
	case strings.EqualFold(id, InputNone):
		return []string{}, true
	case strings.EqualFold(id, InputMix):
		return slices.Clone(physicalInputs), true
	}
	for _, in := range physicalInputs {
		if strings.EqualFold(id, in) {
			return []string{in}, true
		}
	}
	return nil, false
}

// ParseCommand builds a CommandRequest from a command name and loosely typed
// parameters, as received over MQTT or REST.
func ParseCommand(name string, params map[string]any) (CommandRequest, error) {
	kind := CommandKind(strings.ToLower(strings.TrimSpace(name)))
	cmd := CommandRequest{Kind: kind}
	var err error

	switch kind {
	case CmdSetVolume:
		cmd.VolumeDB, err = floatParam(kind, params, "volume_db")
	case CmdSetMute:
		cmd.Mute, err = boolParam(kind, params, "mute")
	case CmdSetInput:
		cmd.Input, err = stringParam(kind, params, "input")
	case CmdSetLEDIntensity:
		var f float64
		f, err = floatParam(kind, params, "led_intensity")
		cmd.LEDIntensity = int(f)
		if err == nil && f != math.Trunc(f) {
			err = &ValidationError{Command: string(kind), Field: "led_intensity", Reason: ReasonInvalid, Detail: "must be an integer"}
		}
	case CmdSetRJ45LEDs, CmdSetClipLED:
		cmd.Enabled, err = boolParam(kind, params, "enabled")
	case CmdRestoreProfile:
		var f float64
		f, err = floatParam(kind, params, "profile_id")
		cmd.ProfileID = int(f)
		if err == nil && f != math.Trunc(f) {
			err = &ValidationError{Command: string(kind), Field: "profile_id", Reason: ReasonInvalid, Detail: "must be an integer"}
		}
		if err == nil {
			if _, ok := params["startup"]; ok {
				cmd.Startup, err = boolParam(kind, params, "startup")
			}
		}
	case CmdVolumeUp, CmdVolumeDown, CmdWakeUp, CmdSetStandby, CmdBootDevice, CmdAoIPBoot:
	default:
		err = &ValidationError{Command: name, Field: "command", Reason: ReasonInvalid, Detail: "unknown command"}
	}
	if err != nil {
		return CommandRequest{}, err
	}
	return cmd, nil
}

func missingParam(kind CommandKind, field string) error {
	return &ValidationError{Command: string(kind), Field: field, Reason: ReasonInvalid, Detail: "required"}
}

func floatParam(kind CommandKind, params map[string]any, field string) (float64, error) {
	v, ok := params[field]
	if !ok {
		return 0, missingParam(kind, field)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err == nil {
			return f, nil
		}
	}
	return 0, &ValidationError{Command: string(kind), Field: field, Reason: ReasonInvalid, Detail: fmt.Sprintf("expected number, got %T", v)}
}

func boolParam(kind CommandKind, params map[string]any, field string) (bool, error) {
	v, ok := params[field]
	if !ok {
		return false, missingParam(kind, field)
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ValidationError{Command: string(kind), Field: field, Reason: ReasonInvalid, Detail: fmt.Sprintf("expected bool, got %T", v)}
	}
	return b, nil
}

func stringParam(kind CommandKind, params map[string]any, field string) (string, error) {
	v, ok := params[field]
	if !ok {
		return "", missingParam(kind, field)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &ValidationError{Command: string(kind), Field: field, Reason: ReasonInvalid, Detail: "expected non-empty string"}
	}
	return s, nil
}
