// Package zap implements the log.Logger facade on top of go.uber.org/zap,
// with OpenTelemetry trace correlation on every contextual log call.
package zap
