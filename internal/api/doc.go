// Package api implements the REST API and WebSocket stream of smartipd.
//
// This package provides:
//   - Device listing, snapshots, diagnostics and snapshot history
//   - Command submission through the same Dispatcher as the MQTT bridge,
//     so commands are validated, serialised and audited identically
//   - On-demand refresh of a device's telemetry
//   - A WebSocket stream of coordinator updates, filtered per client by
//     device id
//   - Prometheus /metrics and an unauthenticated /api/v1/health
//
// # Routes
//
//	GET  /api/v1/health
//	POST /api/v1/ws-ticket                  any role
//	GET  /api/v1/ws?ticket=...
//	GET  /api/v1/devices                    device:read
//	GET  /api/v1/devices/{id}               device:read
//	GET  /api/v1/devices/{id}/snapshot      device:read
//	GET  /api/v1/devices/{id}/diagnostics   device:read
//	GET  /api/v1/devices/{id}/history       device:read
//	POST /api/v1/devices/{id}/commands      device:operate
//	POST /api/v1/devices/{id}/refresh       device:operate
//	GET  /api/v1/audit                      audit:read
//	GET  /metrics
//
// # Security
//
// When security.jwt.enabled is set every route except health and metrics
// requires a bearer token (see package auth). WebSocket clients first
// exchange their token for a single-use ticket so the token never appears
// in a URL.
package api
