package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components derive children from it
// via WithComponent so every line carries a stable component field.
var Logger zerolog.Logger

// Config controls the root logger output.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output io.Writer
}

// Init configures the global logger. Safe to call once at startup before any
// component logger is derived.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
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

	if strings.EqualFold(cfg.Format, "console") {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRun creates a child logger scoped to a single flow run.
func WithRun(flowID, runID string) zerolog.Logger {
	return Logger.With().Str("flow_id", flowID).Str("run_id", runID).Logger()
}

// WithNode adds a node field to an existing run-scoped logger.
func WithNode(l zerolog.Logger, nodeID string) zerolog.Logger {
	return l.With().Str("node_id", nodeID).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
