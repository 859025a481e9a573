// Package device keeps the local history of SmartIP device snapshots.
//
// The MQTT bridge calls RecordSnapshot for every link transition, every
// command result and every poll that changed the control state (power,
// volume, mute, input, LEDs, profiles). Meter-only changes are left to
// InfluxDB. The REST API reads the history back with GetHistory.
//
// Rows live in the snapshot_history table created by the embedded
// migrations. RunPruner trims rows older than database.history_retention.
package device
