// Package log defines the logging interface used throughout the
// control plane and a zap-backed implementation, mirroring the
// teacher's common/mlog + common/mzap split.
package log

import (
	"context"

	"go.uber.org/zap"
)

// Logger is the common interface for log implementations. Every
// scheduler loop, store-client call and status-propagation step logs
// through this interface.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Debug(args ...any)
	Debugf(format string, args ...any)
	Fatal(args ...any)

	// WithFields returns a derived Logger that always includes the
	// given key/value pairs (e.g. "build_id", id, "evaluation_id", id).
	WithFields(fields ...any) Logger

	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a Logger backed by zap, configured from a textual level
// ("debug", "info", "warn", "error") and a debug flag that forces
// development (console, caller-annotated) output.
func New(level string, debug bool) (Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err == nil {
		cfg.Level = lvl
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &zapLogger{s: l.Sugar()}, nil
}

func (l *zapLogger) Info(args ...any)              { l.s.Info(args...) }
func (l *zapLogger) Infof(f string, args ...any)    { l.s.Infof(f, args...) }
func (l *zapLogger) Warn(args ...any)               { l.s.Warn(args...) }
func (l *zapLogger) Warnf(f string, args ...any)    { l.s.Warnf(f, args...) }
func (l *zapLogger) Error(args ...any)              { l.s.Error(args...) }
func (l *zapLogger) Errorf(f string, args ...any)   { l.s.Errorf(f, args...) }
func (l *zapLogger) Debug(args ...any)              { l.s.Debug(args...) }
func (l *zapLogger) Debugf(f string, args ...any)   { l.s.Debugf(f, args...) }
func (l *zapLogger) Fatal(args ...any)              { l.s.Fatal(args...) }
func (l *zapLogger) Sync() error                    { return l.s.Sync() }

func (l *zapLogger) WithFields(fields ...any) Logger {
	return &zapLogger{s: l.s.With(fields...)}
}

type ctxKey struct{}

// WithContext attaches a Logger to ctx so it can be recovered deep in
// a call chain without threading it through every signature.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext recovers the Logger attached by WithContext, falling
// back to a bare no-op-safe default if none is present.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}

	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Info(args ...any)            {}
func (nopLogger) Infof(string, ...any)        {}
func (nopLogger) Warn(args ...any)            {}
func (nopLogger) Warnf(string, ...any)        {}
func (nopLogger) Error(args ...any)           {}
func (nopLogger) Errorf(string, ...any)       {}
func (nopLogger) Debug(args ...any)           {}
func (nopLogger) Debugf(string, ...any)       {}
func (nopLogger) Fatal(args ...any)           {}
func (nopLogger) Sync() error                 { return nil }
func (n nopLogger) WithFields(...any) Logger  { return n }
