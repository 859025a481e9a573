// Package mqtt is smartipd's broker client, built on paho.
//
// Hosts drive loudspeakers over a flat topic scheme under a configurable
// prefix (default "smartip"):
//
//	smartip/command/{device_id}   host to smartipd
//	smartip/ack/{device_id}       smartipd to host
//	smartip/state/{device_id}     smartipd to host, retained
//	smartip/health                smartipd to host, retained
//	smartip/system/status         presence, retained; the broker publishes
//	                              the offline variant as Last Will
//
// Subscriptions are remembered and restored after every reconnect. Handler
// errors and panics are logged, never propagated into paho.
package mqtt
