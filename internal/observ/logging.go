package observ

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout, zerolog.InfoLevel, false)
)

func newLogger(out io.Writer, level zerolog.Level, pretty bool) zerolog.Logger {
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Setup configures the process logger. Unknown levels fall back to info.
func Setup(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	SetOutput(os.Stdout, lvl, pretty)
}

// SetOutput redirects logging, mainly for tests.
func SetOutput(out io.Writer, level zerolog.Level, pretty bool) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(out, level, pretty)
}

// Logger returns a logger tagged with the given component.
func Logger(component string) zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger.With().Str("component", component).Logger()
}

// Log writes one structured event line.
func Log(event string, kv map[string]any) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()

	e := l.Info()
	if _, failed := kv["error"]; failed {
		e = l.Warn()
	}
	e.Str("event", event).Fields(kv).Send()
}
