// Package metrics exposes coordinator and API activity to Prometheus.
//
// A Recorder owns its own registry, so several can coexist in tests. It
// implements smartip.Metrics and provides the HTTP middleware and the
// /metrics handler the API mounts.
//
// Exported series:
//
//	smartip_polls_total{device,result}
//	smartip_poll_duration_seconds{device}
//	smartip_commands_total{device,command,result}
//	smartip_command_duration_seconds{command}
//	smartip_link_state{device,state}        1 for the current state, else 0
//	smartip_http_requests_total{route,method,status}
//	smartip_http_request_duration_seconds{route,method}
//
// result is "ok" or the error class reported by the coordinator
// (validation, timeout, busy, protocol, ...).
package metrics
