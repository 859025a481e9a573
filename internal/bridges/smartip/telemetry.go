package smartip

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"time"
)

// Control API routes, relative to /public/v1.
const (
	pathDeviceID       = "/device/id"
	pathDeviceInfo     = "/device/info"
	pathDevicePower    = "/device/pwr"
	pathDeviceLED      = "/device/led"
	pathAudioVolume    = "/audio/volume"
	pathAudioInputs    = "/audio/inputs"
	pathEvents         = "/events"
	pathProfileList    = "/profile/list"
	pathProfileRestore = "/profile/restore"
	pathNetworkIPv4    = "/network/ipv4"
	pathNetworkZone    = "/network/zone"
	pathAoIPIdentity   = "/aoip/dante/identity"
	pathAoIPIPv4       = "/aoip/ipv4"
)

// Wire shapes. Pointer fields are required or optional depending on the
// check in the matching parse function; unknown fields are ignored.

type wireVolume struct {
	Level *float64 `json:"level"`
	Mute  *bool    `json:"mute"`
}

type wirePower struct {
	State *string `json:"state"`
}

type wireInputs struct {
	Input *[]string `json:"input"`
}

type wireEvents struct {
	CPUTemp      *float64 `json:"cpuT"`
	CPULoad      *float64 `json:"cpuLoad"`
	Uptime       *float64 `json:"uptime"`
	NetworkKbps  *float64 `json:"nwInKbps"`
	BassLevel    *float64 `json:"bsLevel"`
	TweeterLevel *float64 `json:"twLevel"`
	InputLevel   *float64 `json:"inLevel"`
}

type wireLED struct {
	LEDIntensity *int  `json:"ledIntensity"`
	RJ45LEDs     *bool `json:"rj45Leds"`
	HideClip     *bool `json:"hideClip"`
}

type wireProfileList struct {
	List     []Profile `json:"list"`
	Selected *int      `json:"selected"`
	Startup  *int      `json:"startup"`
}

type wireDeviceInfo struct {
	Model    string `json:"model"`
	FwID     string `json:"fwId"`
	APIVer   string `json:"apiVer"`
	Category string `json:"category"`
	HwID     string `json:"hwId"`
}

type wireDeviceID struct {
	MAC     string `json:"mac"`
	Barcode string `json:"barcode"`
	HwID    string `json:"hwId"`
}

type wireNetwork struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	Mode     string `json:"mode"`
}

type wireZone struct {
	Name string `json:"name"`
	Zone int    `json:"zone"`
}

type wireAoIPIdentity struct {
	Name       string `json:"name"`
	FName      string `json:"fname"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// telemetryReader performs the reads that make up a probe or a poll cycle.
type telemetryReader struct {
	transport Transport
	timeout   time.Duration
}

func (r telemetryReader) get(ctx context.Context, path string, out any) error {
	body, err := r.transport.Execute(ctx, http.MethodGet, path, nil, r.timeout)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return &ProtocolError{Path: path, Detail: "empty response"}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProtocolError{Path: path, Detail: "unexpected shape: " + err.Error()}
	}
	return nil
}

// probeResult is the slow-changing device description. done holds the
// probe endpoints that are settled: they answered, or returned 404.
type probeResult struct {
	info  DeviceInfo
	dante *DanteConfig
	caps  Capabilities
	done  map[string]bool
}

// probePaths are the endpoints a probe must settle before caps.Probed is set.
var probePaths = []string{
	pathDeviceInfo, pathDeviceID, pathNetworkIPv4, pathNetworkZone,
	pathAoIPIdentity, pathAoIPIPv4, pathDeviceLED, pathProfileList,
}

// probe reads identity and discovers optional endpoints, continuing from
// prev. Settled endpoints are skipped. A 404 marks a feature Unsupported;
// any other answer-level failure is returned as a warning and the endpoint
// is retried on the next probe. The error is non-nil only when the device
// did not answer at all.
func (r telemetryReader) probe(ctx context.Context, prev probeResult) (probeResult, []error, error) {
	res := prev
	res.done = make(map[string]bool, len(probePaths))
	maps.Copy(res.done, prev.done)
	if prev.dante != nil {
		d := *prev.dante
		res.dante = &d
	}

	var (
		warnings []error
		fatal    error
	)
	// fetch reports whether out was filled. feature, when set, records the
	// outcome for an optional capability.
	fetch := func(path string, out any, feature *Support) bool {
		if fatal != nil || res.done[path] {
			return false
		}
		err := r.get(ctx, path, out)
		switch {
		case err == nil:
			res.done[path] = true
			if feature != nil {
				*feature = Supported
			}
			return true
		case isNotFound(err):
			res.done[path] = true
			if feature != nil {
				*feature = Unsupported
			}
		case isUnreachable(err):
			fatal = err
		default:
			warnings = append(warnings, err)
		}
		return false
	}

	var info wireDeviceInfo
	if fetch(pathDeviceInfo, &info, nil) {
		res.info.Model = info.Model
		res.info.Category = info.Category
		res.info.Firmware = info.FwID
		res.info.APIVersion = info.APIVer
		if info.HwID != "" {
			res.info.HardwareID = info.HwID
		}
	}

	var id wireDeviceID
	if fetch(pathDeviceID, &id, nil) {
		res.info.MAC = id.MAC
		res.info.Serial = id.Barcode
		if res.info.HardwareID == "" {
			res.info.HardwareID = id.HwID
		}
	}

	var network wireNetwork
	if fetch(pathNetworkIPv4, &network, nil) {
		res.info.Hostname = network.Hostname
		res.info.IP = network.IP
		res.info.NetworkMode = network.Mode
	}

	var zone wireZone
	if fetch(pathNetworkZone, &zone, nil) {
		res.info.ZoneName = zone.Name
		res.info.Zone = zone.Zone
	}

	var identity wireAoIPIdentity
	if fetch(pathAoIPIdentity, &identity, &res.caps.AoIP) {
		res.dante = &DanteConfig{
			Name:         identity.Name,
			FriendlyName: identity.FName,
			SampleRate:   identity.SampleRate,
			ChannelCount: identity.Channels,
		}
	}
	switch res.caps.AoIP {
	case Supported:
		var aoip wireNetwork
		if fetch(pathAoIPIPv4, &aoip, nil) {
			res.dante.IP = aoip.IP
			res.dante.NetworkMode = aoip.Mode
		}
	case Unsupported:
		res.done[pathAoIPIPv4] = true
	}

	var led wireLED
	fetch(pathDeviceLED, &led, &res.caps.LED)

	var profiles wireProfileList
	if fetch(pathProfileList, &profiles, &res.caps.Profiles) {
		res.caps.KnownProfile = profileIDs(profiles.List)
	}

	if fatal != nil {
		return res, warnings, fatal
	}
	res.caps.Probed = true
	for _, p := range probePaths {
		if !res.done[p] {
			res.caps.Probed = false
			break
		}
	}
	return res, warnings, nil
}

// read performs one poll cycle. Any failure fails the whole cycle so a
// snapshot never mixes values from different cycles.
func (r telemetryReader) read(ctx context.Context, deviceID string, caps Capabilities) (DeviceSnapshot, error) {
	snap := DeviceSnapshot{DeviceID: deviceID}

	var vol wireVolume
	if err := r.get(ctx, pathAudioVolume, &vol); err != nil {
		return snap, err
	}
	if vol.Level == nil {
		return snap, &ProtocolError{Path: pathAudioVolume, Field: "level", Detail: "missing"}
	}
	if vol.Mute == nil {
		return snap, &ProtocolError{Path: pathAudioVolume, Field: "mute", Detail: "missing"}
	}
	snap.VolumeDB, snap.Muted = *vol.Level, *vol.Mute

	var pwr wirePower
	if err := r.get(ctx, pathDevicePower, &pwr); err != nil {
		return snap, err
	}
	if pwr.State == nil {
		return snap, &ProtocolError{Path: pathDevicePower, Field: "state", Detail: "missing"}
	}
	snap.RawPower = *pwr.State
	snap.Power = normalizePower(snap.RawPower)

	var in wireInputs
	if err := r.get(ctx, pathAudioInputs, &in); err != nil {
		return snap, err
	}
	if in.Input == nil {
		return snap, &ProtocolError{Path: pathAudioInputs, Field: "input", Detail: "missing"}
	}
	snap.Inputs = append([]string{}, (*in.Input)...)
	snap.ActiveInput = activeInputID(snap.Inputs)

	var ev wireEvents
	if err := r.get(ctx, pathEvents, &ev); err != nil {
		return snap, err
	}
	required := []struct {
		field string
		v     *float64
	}{{"cpuT", ev.CPUTemp}, {"cpuLoad", ev.CPULoad}, {"uptime", ev.Uptime}}
	for _, f := range required {
		if f.v == nil {
			return snap, &ProtocolError{Path: pathEvents, Field: f.field, Detail: "missing"}
		}
	}
	snap.TemperatureC = *ev.CPUTemp
	snap.CPULoadPct = *ev.CPULoad
	snap.UptimeSeconds = int64(*ev.Uptime)
	snap.Levels = Levels{
		NetworkKbps:  ev.NetworkKbps,
		BassLevel:    ev.BassLevel,
		TweeterLevel: ev.TweeterLevel,
		InputLevel:   ev.InputLevel,
	}

	if caps.LED == Supported {
		var led wireLED
		if err := r.get(ctx, pathDeviceLED, &led); err != nil {
			return snap, err
		}
		if led.LEDIntensity == nil {
			return snap, &ProtocolError{Path: pathDeviceLED, Field: "ledIntensity", Detail: "missing"}
		}
		snap.LEDIntensity = led.LEDIntensity
		snap.RJ45LEDs = led.RJ45LEDs
		if led.HideClip != nil {
			visible := !*led.HideClip
			snap.ClipLED = &visible
		}
	}

	if caps.Profiles == Supported {
		var pl wireProfileList
		if err := r.get(ctx, pathProfileList, &pl); err != nil {
			return snap, err
		}
		snap.Profiles = pl.List
		snap.ActiveProfile = pl.Selected
		snap.StartupProfile = pl.Startup
	}

	return snap, nil
}

func profileIDs(list []Profile) []int {
	ids := make([]int, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	return ids
}
