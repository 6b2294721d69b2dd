package drawbatch

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	DebugEnabled() bool
	SetDebug(enabled bool)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// DefaultLogger is a Logger over a zap sugared logger. SetDebug flips the
// shared atomic level, so it is safe from any goroutine.
type DefaultLogger struct {
	level zap.AtomicLevel
	base  zapcore.Level
	sugar *zap.SugaredLogger
}

// NewDefaultLogger builds a console logger named prefix.
func NewDefaultLogger(prefix string, debug bool) *DefaultLogger {
	level := "info"
	if debug {
		level = "debug"
	}
	l, err := NewLogger(LoggingConfig{Level: level, Format: "console", Name: prefix})
	if err != nil {
		// Console config with a known level cannot fail to build.
		panic(err)
	}
	return l
}

// NewLogger builds a logger from the [logging] config section. Format "json"
// selects zap's production encoder; anything else the colored console one.
func NewLogger(cfg LoggingConfig) (*DefaultLogger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	atom := zap.NewAtomicLevelAt(level)
	zapCfg.Level = atom

	z, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Name != "" {
		z = z.Named(cfg.Name)
	}

	base := level
	if base < zapcore.InfoLevel {
		base = zapcore.InfoLevel
	}
	return &DefaultLogger{level: atom, base: base, sugar: z.Sugar()}, nil
}

// Zap exposes the underlying logger for callers that want structured fields.
func (l *DefaultLogger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

func (l *DefaultLogger) DebugEnabled() bool {
	return l.level.Enabled(zapcore.DebugLevel)
}

func (l *DefaultLogger) SetDebug(enabled bool) {
	if enabled {
		l.level.SetLevel(zapcore.DebugLevel)
		return
	}
	l.level.SetLevel(l.base)
}

func (l *DefaultLogger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *DefaultLogger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *DefaultLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *DefaultLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func (l *DefaultLogger) Sync() {
	_ = l.sugar.Sync()
}

type nopLogger struct{}

func NewNopLogger() Logger { return &nopLogger{} }
func (n *nopLogger) DebugEnabled() bool                { return false }
func (n *nopLogger) SetDebug(enabled bool)             {}
func (n *nopLogger) Debugf(format string, args ...any) {}
func (n *nopLogger) Infof(format string, args ...any)  {}
func (n *nopLogger) Warnf(format string, args ...any)  {}
func (n *nopLogger) Errorf(format string, args ...any) {}
