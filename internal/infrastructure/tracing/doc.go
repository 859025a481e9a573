// Package tracing configures OpenTelemetry for smartipd.
//
// Setup installs a global tracer provider that exports spans over OTLP/HTTP
// and the W3C trace-context propagator. The coordinator's poll and command
// spans and the API request spans all go through it. When tracing is
// disabled Setup leaves the global no-op provider in place, so
// instrumented code runs unchanged.
//
//	p, err := tracing.Setup(ctx, cfg.Tracing, "smartipd", version)
//	if err != nil {
//	    return err
//	}
//	defer p.Shutdown(context.Background())
package tracing
