package smartip

import (
	"reflect"
	"slices"
	"time"
)

// PowerState is the normalised power mode of a device.
type PowerState string

// Power states.
const (
	PowerAwake   PowerState = "awake"
	PowerStandby PowerState = "standby"
	PowerBooting PowerState = "booting"
	PowerUnknown PowerState = "unknown"
)

// Raw power states understood by the device API.
const (
	rawPowerActive   = "ACTIVE"
	rawPowerStandby  = "STANDBY"
	rawPowerBoot     = "BOOT"
	rawPowerAoIPBoot = "AOIPBOOT"
	rawPowerSleep    = "ISS_SLEEP"
	rawPowerFail     = "PWR_FAIL"
)

func normalizePower(raw string) PowerState {
	switch raw {
	case rawPowerActive:
		return PowerAwake
	case rawPowerStandby, rawPowerSleep:
		return PowerStandby
	case rawPowerBoot, rawPowerAoIPBoot:
		return PowerBooting
	default:
		return PowerUnknown
	}
}

// Reachability is the availability annotation carried on a snapshot.
type Reachability string

// Reachability values.
const (
	ReachOnline   Reachability = "online"
	ReachDegraded Reachability = "degraded"
	ReachOffline  Reachability = "offline"
)

// Input identifiers. InputNone and InputMix are pseudo inputs: no source
// selected, or every source mixed.
const (
	InputAnalog = "A"
	InputAoIP1  = "AoIP01"
	InputAoIP2  = "AoIP02"
	InputNone   = "none"
	InputMix    = "mix"
)

// physicalInputs lists the selectable sources in device order.
var physicalInputs = []string{InputAnalog, InputAoIP1, InputAoIP2}

// activeInputID folds the device's input list into a single id.
func activeInputID(inputs []string) string {
	switch {
	case len(inputs) == 0:
		return InputNone
	case len(inputs) == 1:
		return inputs[0]
	case len(inputs) == len(physicalInputs):
		return InputMix
	default:
		return inputs[0]
	}
}

// Profile is a device-stored preset.
type Profile struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// DanteConfig describes the audio-over-IP interface.
// Fields a firmware does not report stay zero.
type DanteConfig struct {
	Name         string `json:"name,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	IP           string `json:"ip,omitempty"`
	NetworkMode  string `json:"network_mode,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
	ChannelCount int    `json:"channel_count,omitempty"`
}

// DeviceInfo holds the identity read once by the capability probe.
type DeviceInfo struct {
	Model       string `json:"model,omitempty"`
	Category    string `json:"category,omitempty"`
	Firmware    string `json:"firmware,omitempty"`
	APIVersion  string `json:"api_version,omitempty"`
	HardwareID  string `json:"hardware_id,omitempty"`
	MAC         string `json:"mac,omitempty"`
	Serial      string `json:"serial,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	IP          string `json:"ip,omitempty"`
	NetworkMode string `json:"network_mode,omitempty"`
	ZoneName    string `json:"zone_name,omitempty"`
	Zone        int    `json:"zone,omitempty"`
}

// Support is what the probe has learned about an optional endpoint. Only a
// 404 makes a feature Unsupported; other failures leave it Unknown and the
// endpoint is probed again on the next cycle.
type Support uint8

const (
	SupportUnknown Support = iota
	Supported
	Unsupported
)

func (s Support) String() string {
	switch s {
	case Supported:
		return "supported"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// MarshalText encodes s by name.
func (s Support) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Capabilities records which optional endpoints the firmware implements and
// the command limits derived from them. Probed is set once every probe
// endpoint has either answered or returned 404.
type Capabilities struct {
	Probed       bool    `json:"probed"`
	LED          Support `json:"led"`
	Profiles     Support `json:"profiles"`
	AoIP         Support `json:"aoip"`
	VolumeMinDB  float64 `json:"volume_min_db"`
	VolumeMaxDB  float64 `json:"volume_max_db"`
	KnownProfile []int   `json:"known_profiles,omitempty"`
}

// Levels are optional meter readings from the events endpoint.
type Levels struct {
	NetworkKbps  *float64 `json:"network_kbps,omitempty"`
	BassLevel    *float64 `json:"bass_level,omitempty"`
	TweeterLevel *float64 `json:"tweeter_level,omitempty"`
	InputLevel   *float64 `json:"input_level,omitempty"`
}

// DeviceSnapshot is one complete telemetry read of a device. A snapshot is
// never assembled from more than one poll cycle.
type DeviceSnapshot struct {
	DeviceID string `json:"device_id"`

	Power    PowerState `json:"power"`
	RawPower string     `json:"raw_power"`

	VolumeDB    float64  `json:"volume_db"`
	Muted       bool     `json:"muted"`
	ActiveInput string   `json:"active_input"`
	Inputs      []string `json:"inputs"`

	LEDIntensity *int  `json:"led_intensity,omitempty"`
	RJ45LEDs     *bool `json:"rj45_leds,omitempty"`
	ClipLED      *bool `json:"clip_led,omitempty"`

	TemperatureC  float64 `json:"temperature_c"`
	CPULoadPct    float64 `json:"cpu_load_pct"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Levels        Levels  `json:"levels"`

	Dante *DanteConfig `json:"dante,omitempty"`

	ActiveProfile  *int      `json:"active_profile,omitempty"`
	StartupProfile *int      `json:"startup_profile,omitempty"`
	Profiles       []Profile `json:"profiles,omitempty"`

	Info DeviceInfo `json:"info"`

	UpdatedAt    time.Time    `json:"updated_at"`
	Reachability Reachability `json:"reachability"`
	Stale        bool         `json:"stale"`
}

// Clone returns a deep copy so callers never share slices or pointers with
// the coordinator's cached snapshot.
func (s DeviceSnapshot) Clone() DeviceSnapshot {
	out := s
	out.Inputs = slices.Clone(s.Inputs)
	out.Profiles = slices.Clone(s.Profiles)
	out.LEDIntensity = clonePtr(s.LEDIntensity)
	out.RJ45LEDs = clonePtr(s.RJ45LEDs)
	out.ClipLED = clonePtr(s.ClipLED)
	out.ActiveProfile = clonePtr(s.ActiveProfile)
	out.StartupProfile = clonePtr(s.StartupProfile)
	out.Levels = Levels{
		NetworkKbps:  clonePtr(s.Levels.NetworkKbps),
		BassLevel:    clonePtr(s.Levels.BassLevel),
		TweeterLevel: clonePtr(s.Levels.TweeterLevel),
		InputLevel:   clonePtr(s.Levels.InputLevel),
	}
	if s.Dante != nil {
		d := *s.Dante
		out.Dante = &d
	}
	return out
}

// SameTelemetry reports whether two snapshots carry identical device values,
// ignoring the timestamp and availability annotations.
func (s DeviceSnapshot) SameTelemetry(o DeviceSnapshot) bool {
	a, b := s, o
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	a.Reachability, b.Reachability = "", ""
	a.Stale, b.Stale = false, false
	return reflect.DeepEqual(a, b)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SameControlState reports whether two snapshots agree on everything a user
// can change: power, volume, mute, input, LEDs and profiles. Meters,
// temperature and uptime are ignored.
func (s DeviceSnapshot) SameControlState(o DeviceSnapshot) bool {
	return s.Power == o.Power &&
		s.VolumeDB == o.VolumeDB &&
		s.Muted == o.Muted &&
		s.ActiveInput == o.ActiveInput &&
		slices.Equal(s.Inputs, o.Inputs) &&
		reflect.DeepEqual(s.LEDIntensity, o.LEDIntensity) &&
		reflect.DeepEqual(s.RJ45LEDs, o.RJ45LEDs) &&
		reflect.DeepEqual(s.ClipLED, o.ClipLED) &&
		reflect.DeepEqual(s.ActiveProfile, o.ActiveProfile) &&
		reflect.DeepEqual(s.StartupProfile, o.StartupProfile)
}
