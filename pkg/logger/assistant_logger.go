// Package logger configures the zerolog-based structured logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config for the logger.
type Config struct {
	Level   string // debug, info, warn, error
	Service string
	Pretty  bool // console writer for local development
	Output  io.Writer
}

var (
	base zerolog.Logger
	once sync.Once
)

// Init initializes the base logger. Safe to call once from main.
func Init(cfg Config) zerolog.Logger {
	once.Do(func() {
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		if cfg.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
		zerolog.SetGlobalLevel(parseLevel(cfg.Level))
		base = zerolog.New(out).With().
			Timestamp().
			Str("service", cfg.Service).
			Logger()
	})
	return base
}

// With returns the base logger tagged with a component name.
func With(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
