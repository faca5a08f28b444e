package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
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

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// SetLevel changes the effective global log level and returns the
// previous one, so a caller can temporarily raise verbosity (e.g. for
// the lifetime of a single job) and restore it afterward.
func SetLevel(level Level) Level {
	prev := zerolog.GlobalLevel()
	var next zerolog.Level
	switch level {
	case DebugLevel:
		next = zerolog.DebugLevel
	case InfoLevel:
		next = zerolog.InfoLevel
	case WarnLevel:
		next = zerolog.WarnLevel
	case ErrorLevel:
		next = zerolog.ErrorLevel
	default:
		next = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(next)
	return levelFromZerolog(prev)
}

func levelFromZerolog(l zerolog.Level) Level {
	switch l {
	case zerolog.DebugLevel:
		return DebugLevel
	case zerolog.WarnLevel:
		return WarnLevel
	case zerolog.ErrorLevel:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorkerID creates a child logger with worker_id field
func WithWorkerID(workerID string) zerolog.Logger {
	return Logger.With().Str("worker_id", workerID).Logger()
}

// WithJobID creates a child logger with job_id field
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// WithHandlerName creates a child logger with handler field
func WithHandlerName(handler string) zerolog.Logger {
	return Logger.With().Str("handler", handler).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
