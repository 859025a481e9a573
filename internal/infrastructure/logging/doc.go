// Package logging configures the slog logger shared by smartipd.
//
// Output is JSON by default or text for development, with service and
// version on every entry. Per-device loggers from ForDevice add device_id.
// Entries logged through the *Context methods inside a traced request also
// carry trace_id and span_id.
//
// Device passwords, bearer tokens and broker credentials must never be
// logged.
package logging
