// Package ulog is the manager's structured logging wrapper around zerolog.
// Every component gets its own child logger via With<Entity> instead of
// logging through the global Logger directly, so log lines are always
// attributable to the subsystem and unit/job that produced them.
package ulog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once at startup by Init.
var Logger zerolog.Logger

// Level is the subset of zerolog levels the manager exposes on its CLI.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration for Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. cmd/coreinit calls this once, from
// its --log-level and --log-json flags, before starting the event loop;
// pkg/reexec passes no logging setting of its own across execve().
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the owning component
// (e.g. "graph", "job-runner", "exec-pipeline").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithUnit creates a child logger tagged with the unit it concerns.
func WithUnit(logger zerolog.Logger, unitID string) zerolog.Logger {
	return logger.With().Str("unit_id", unitID).Logger()
}

// WithJob creates a child logger tagged with the job it concerns.
func WithJob(logger zerolog.Logger, jobID uint64) zerolog.Logger {
	return logger.With().Uint64("job_id", jobID).Logger()
}
