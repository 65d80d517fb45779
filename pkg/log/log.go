// Package log provides structured logging for the validator using zerolog.
//
// All components (objectstore, lockmanager, congestion, consensus, raftengine)
// log through a single global zerolog.Logger, augmented with component-scoped
// child loggers so fields like "component" are always present without being
// repeated at every call site.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's severity levels so callers never import zerolog directly.
type Level int8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config controls how Init sets up the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the process-wide logger. Init replaces it; callers may also use it
// directly for one-off structured fields.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init (re)configures the global Logger. Call once at process start, before any
// other package begins logging.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	var w io.Writer = out
	if !cfg.JSONOutput {
		w = zerolog.ConsoleWriter{Out: out}
	}
	zerolog.SetGlobalLevel(cfg.Level.zerolog())
	Logger = zerolog.New(w).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagging every entry with component=name.
// Components in this module: objectstore, lockmanager, congestion, consensus,
// raftengine, jwkupdater.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithEpoch returns a child logger tagging every entry with the active epoch.
func WithEpoch(logger zerolog.Logger, epoch uint64) zerolog.Logger {
	return logger.With().Uint64("epoch", epoch).Logger()
}

func Debug(msg string) { Logger.Debug().Msg(msg) }
func Info(msg string)  { Logger.Info().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(err error, msg string) { Logger.Error().Err(err).Msg(msg) }

// Fatal logs at fatal level and exits the process. Reserved for consistency
// errors per the error taxonomy: conservation imbalance mismatch, replay of an
// already-committed index with a different hash, or an attempted revert of a
// shared-object transaction. The validator's process supervisor is expected to
// restart cleanly.
func Fatal(err error, msg string) { Logger.Fatal().Err(err).Msg(msg) }
