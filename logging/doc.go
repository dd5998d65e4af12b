// Package logging provides the minimal Logger interface used across the
// thread engine together with slog based implementations.
//
// Components accept a Logger through functional options and default to
// NoOpLogger. Three implementations ship with the package:
//
//   - SlogAdapter wraps any *slog.Logger
//   - ThreadLogger adds contextual attributes (component, context, execution)
//     and domain helpers for reactor calls, action calls and loop iterations
//   - NoOpLogger discards everything
//
// Usage:
//
//	logger := logging.NewThreadLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "console"})
//	eng := engine.New(store, func(o *engine.Options) { o.Logger = logger })
package logging
