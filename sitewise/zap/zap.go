package zap

import (
	"context"
	"fmt"
	"strings"

	logpkg "github.com/sitewise-io/lib-sitewise/sitewise/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the baseline encoder and sampling profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// Config holds logger initialization inputs.
type Config struct {
	Environment Environment
	// Level overrides the environment default ("debug" locally, "info"
	// elsewhere) when non-empty.
	Level string
}

// Logger adapts go.uber.org/zap to the log.Logger facade. If the context
// passed to Log carries an active OpenTelemetry span, trace_id and span_id
// are appended so log lines correlate with traces.
type Logger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

// New builds a structured logger for the given environment. The returned
// AtomicLevel handle adjusts verbosity at runtime.
func New(cfg Config) (*Logger, zap.AtomicLevel, error) {
	base, err := baseConfig(cfg.Environment)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}

		base.Level = zap.NewAtomicLevelAt(parsed)
	}

	base.DisableStacktrace = true

	built, err := base.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{logger: built, level: base.Level}, base.Level, nil
}

// Wrap adapts an existing zap logger.
func Wrap(logger *zap.Logger) *Logger {
	return &Logger{logger: logger, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func baseConfig(env Environment) (zap.Config, error) {
	switch env {
	case EnvironmentProduction, EnvironmentStaging:
		return zap.NewProductionConfig(), nil
	case EnvironmentDevelopment, EnvironmentLocal, "":
		return zap.NewDevelopmentConfig(), nil
	default:
		return zap.Config{}, fmt.Errorf("invalid environment %q", env)
	}
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log implements log.Logger.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zapFields := toZapFields(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	switch level {
	case logpkg.LevelDebug:
		l.must().Debug(msg, zapFields...)
	case logpkg.LevelWarn:
		l.must().Warn(msg, zapFields...)
	case logpkg.LevelError:
		l.must().Error(msg, zapFields...)
	default:
		l.must().Info(msg, zapFields...)
	}
}

// With returns a child logger with additional fields.
//
//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{logger: l.must().With(toZapFields(fields)...), level: l.level}
}

// WithGroup returns a child logger nesting subsequent fields under name.
//
//nolint:ireturn
func (l *Logger) WithGroup(name string) logpkg.Logger {
	return &Logger{logger: l.must().With(zap.Namespace(name)), level: l.level}
}

// Enabled reports whether the logger would emit at the given level.
func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.must().Core().Enabled(toZapLevel(level))
}

// Sync flushes buffered entries, respecting context cancellation.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.must().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Raw exposes the underlying zap logger.
func (l *Logger) Raw() *zap.Logger {
	return l.must()
}

func toZapLevel(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []logpkg.Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		zapFields[i] = zap.Any(f.Key, f.Value)
	}

	return zapFields
}
