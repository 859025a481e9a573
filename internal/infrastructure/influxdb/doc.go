// Package influxdb writes loudspeaker telemetry to InfluxDB v2.
//
// Measurements:
//   - smartip_telemetry: one point per fresh device snapshot (volume,
//     temperature, CPU load, uptime, meter levels)
//   - smartip_link: link state transitions per device
//   - smartip_bridge: bridge counters, written once a minute by smartipd
//
// Writes are batched and never block the caller; failed batches go to the
// SetOnError callback.
package influxdb
