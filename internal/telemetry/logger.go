// Package telemetry provides structured logging (zerolog) and Prometheus
// metrics for the engine: commit outcomes and latency, vacuum activity,
// lock contention warnings, and page accounting.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with engine-specific child-logger helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger.
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "xkv").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger.
func (l *Logger) GetZerolog() *zerolog.Logger { return &l.zlog }

func (l *Logger) Info(msg string) *zerolog.Event  { return l.zlog.Info().Str("msg", msg) }
func (l *Logger) Debug(msg string) *zerolog.Event { return l.zlog.Debug().Str("msg", msg) }
func (l *Logger) Warn(msg string) *zerolog.Event  { return l.zlog.Warn().Str("msg", msg) }
func (l *Logger) Error(msg string) *zerolog.Event { return l.zlog.Error().Str("msg", msg) }
func (l *Logger) Fatal(msg string) *zerolog.Event { return l.zlog.Fatal().Str("msg", msg) }

// For returns a child logger tagged with a subsystem name (txn, btree,
// vacuum, page, ...).
func (l *Logger) For(component string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", component).Logger()}
}

// WithFields returns a logger with additional structured fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// LogCommit logs a completed commit attempt.
func (l *Logger) LogCommit(txID uint64, duration time.Duration, err error) {
	event := l.zlog.Debug().Uint64("tx", txID).Dur("duration_ms", duration)
	if err != nil {
		event = l.zlog.Warn().Uint64("tx", txID).Dur("duration_ms", duration).Err(err)
	}
	event.Msg("commit completed")
}

// LogVacuumPass logs the result of one vacuum scheduler pass.
func (l *Logger) LogVacuumPass(scanned, reclaimed int, duration time.Duration) {
	l.zlog.Debug().
		Int("scanned", scanned).
		Int("reclaimed", reclaimed).
		Dur("duration_ms", duration).
		Msg("vacuum pass completed")
}

// LockWaitWarn logs a page lock wait that crossed the slow-wait threshold.
// Wired as the warn callback passed to page.Lock.Upgrade and
// page.NewLockManager.
func (l *Logger) LockWaitWarn(pageID uint64, waited time.Duration) {
	l.zlog.Warn().
		Uint64("page", pageID).
		Dur("waited_ms", waited).
		Msg("page lock wait exceeded threshold")
}

// AbandonedTxWarn logs a transaction rolled back by its runtime finalizer
// instead of an explicit Commit/Rollback call. Wired via
// txn.SetAbandonedTxWarning.
func (l *Logger) AbandonedTxWarn(txID uint64) {
	l.zlog.Warn().
		Uint64("tx", txID).
		Msg("transaction garbage collected without commit or rollback; rolled back by finalizer")
}

var global *Logger

// InitGlobalLogger initializes the package-level global logger.
func InitGlobalLogger(cfg Config) {
	global = NewLogger(cfg)
	log.Logger = *global.GetZerolog()
}

// GetGlobalLogger returns the global logger, initializing it with defaults
// on first use.
func GetGlobalLogger() *Logger {
	if global == nil {
		InitGlobalLogger(Config{Level: "info", Pretty: true})
	}
	return global
}
