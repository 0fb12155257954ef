// Package log provides structured logging for SpinelDB using zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it; until then it
// defaults to a console writer at info level so tests and early boot code
// never log to a nil logger.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Level is a textual log level as accepted in configuration files.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init configures the global logger.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// Init (re)configures the global Logger. Safe to call once at startup;
// not safe to call concurrently with logging from other goroutines.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagging every entry with the
// subsystem that produced it (e.g. "eviction", "replica-worker", "gossip").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSession tags a child logger with a client session id.
func WithSession(sessionID uint64) zerolog.Logger {
	return Logger.With().Uint64("session_id", sessionID).Logger()
}

// WithDB tags a child logger with a logical database index.
func WithDB(index int) zerolog.Logger {
	return Logger.With().Int("db", index).Logger()
}

// WithShard tags a child logger with a shard index within a database.
func WithShard(index int) zerolog.Logger {
	return Logger.With().Int("shard", index).Logger()
}

// WithNodeID tags a child logger with a cluster node id.
func WithNodeID(id string) zerolog.Logger {
	return Logger.With().Str("node_id", id).Logger()
}
