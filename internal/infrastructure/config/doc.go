// Package config loads smartipd's YAML configuration.
//
// Load reads the file, applies SMARTIP_* environment overrides, fills
// per-device defaults (port 9000, factory credentials, volume limits) and
// validates the result. Secrets such as SMARTIP_DEVICE_PASSWORD and
// SMARTIP_JWT_SECRET are best supplied through the environment.
package config
