package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of every smartipd topic.
const DefaultTopicPrefix = "smartip"

// Topics provides builders for smartipd MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
// All topics use the flat scheme {prefix}/{category}/{device_id}:
//
//	topics := mqtt.Topics{Prefix: "smartip"}
//	stateTopic := topics.DeviceState("studio-left")
//	// Returns: "smartip/state/studio-left"
//
// The zero value uses DefaultTopicPrefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceCommand returns the topic hosts publish commands to.
//
// Example: smartip/command/studio-left
func (t Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", t.prefix(), deviceID)
}

// DeviceState returns the retained state topic for a device.
//
// Example: smartip/state/studio-left
func (t Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", t.prefix(), deviceID)
}

// DeviceAck returns the topic command acknowledgements are published on.
//
// Example: smartip/ack/studio-left
func (t Topics) DeviceAck(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s", t.prefix(), deviceID)
}

// =============================================================================
// Service Topics
// =============================================================================

// Health returns the bridge health topic.
//
// Example: smartip/health
func (t Topics) Health() string {
	return t.prefix() + "/health"
}

// SystemStatus returns the online/offline status topic used for LWT.
//
// Example: smartip/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// =============================================================================
// Wildcard Subscriptions
// =============================================================================

// AllDeviceCommands returns a wildcard matching every device command topic.
func (t Topics) AllDeviceCommands() string {
	return t.prefix() + "/command/+"
}

// AllDeviceStates returns a wildcard matching every device state topic.
func (t Topics) AllDeviceStates() string {
	return t.prefix() + "/state/+"
}

// AllTopics returns a wildcard matching every smartipd topic.
func (t Topics) AllTopics() string {
	return t.prefix() + "/#"
}

// DeviceFromTopic extracts the device id from a device topic of the given
// category ("command", "state" or "ack").
//
// Example: DeviceFromTopic("smartip/command/studio-left", "command") returns
// "studio-left", true.
func (t Topics) DeviceFromTopic(topic, category string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/"+category+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
