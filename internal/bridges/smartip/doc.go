// Package smartip coordinates Genelec SmartIP loudspeakers for smartipd.
//
// Each device is owned by one Coordinator. The coordinator polls the device's
// HTTP control API, keeps the latest telemetry snapshot, tracks reachability
// and serializes every request so the firmware never sees two at once.
//
// # Architecture
//
//	┌──────────────┐  MQTT   ┌──────────────┐        ┌─────────────┐  HTTP  ┌─────────┐
//	│ Hosts / UI   │◄───────►│    Bridge    │───────►│ Coordinator │◄──────►│ Speaker │
//	└──────────────┘         └──────────────┘        └─────────────┘        └─────────┘
//	                               │ REST (api package)     │
//	                               └──── Dispatcher ────────┘
//
// # Link States
//
// A coordinator starts Connecting. The first successful poll moves it to
// Online; a failure from Online moves it to Degraded, and FailureThreshold
// consecutive failures move it to Offline. Any success returns it to Online.
// Close moves it to Removed, which is terminal.
//
// The cached snapshot survives failures. It is marked stale and carries the
// current reachability so consumers can keep showing the last known values.
//
// # Commands
//
// Commands are validated by Translate before anything is queued: a volume
// outside the configured range, an LED intensity outside 0..100 or a feature
// the device lacks is rejected without touching the network. Accepted
// commands run one at a time in arrival order, each followed by a telemetry
// read so the result carries the device's confirmed state.
//
// Example:
//
//	c, err := registry.AddDevice(ctx, smartip.CoordinatorOptions{
//	    ID:       "studio-left",
//	    Endpoint: smartip.DeviceEndpoint{Address: "10.0.0.5", Port: 9000, Scheme: "http"},
//	})
//	if err != nil {
//	    return err
//	}
//	result, err := c.Issue(ctx, smartip.SetVolume(-20))
//
// # Subscriptions
//
// Subscribe returns a buffered stream of updates. A slow consumer loses the
// oldest pending updates rather than blocking the coordinator; Dropped
// reports how many. Updates are sent only when the snapshot content or the
// link state changes.
//
// # MQTT Topics
//
//	{prefix}/command/{device_id}  inbound commands
//	{prefix}/ack/{device_id}      command outcomes
//	{prefix}/state/{device_id}    retained link state and snapshot
//	{prefix}/health               retained bridge health
//
// # Thread Safety
//
// Coordinator, Registry, Subscription and Bridge are safe for concurrent use.
package smartip
