// Package logx wraps zerolog behind a small, service-aware logging API.
//
// The Service owns the configured sinks (console, file) and can swap them
// at runtime via Apply(); Loggers handed out before an Apply() keep working
// and pick up the new sinks transparently.
package logx
