// Package logger wraps zerolog with the service defaults.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger
type Options struct {
	Level   string
	Format  string
	Service string
	Writer  io.Writer
}

// Logger is the project-wide logging type
type Logger = zerolog.Logger

var (
	once sync.Once
	root atomic.Pointer[zerolog.Logger]
)

// Init builds the root logger. Only the first call has an effect.
func Init(opt Options) {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano

		var w io.Writer = os.Stdout
		if opt.Writer != nil {
			w = opt.Writer
		}
		if strings.ToLower(opt.Format) == "console" {
			w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}

		ctx := zerolog.New(w).Level(ParseLevel(opt.Level)).With().Timestamp()
		if opt.Service != "" {
			ctx = ctx.Str("service", opt.Service)
		}
		l := ctx.Logger()
		root.Store(&l)
	})
}

// Get returns the root logger, initialising it with defaults when needed
func Get() *Logger {
	if l := root.Load(); l != nil {
		return l
	}
	Init(Options{Level: "info", Format: "json"})
	return root.Load()
}

// Named returns a child logger tagged with a component field
func Named(component string) *Logger {
	l := Get().With().Str("component", component).Logger()
	return &l
}

// Nop returns a disabled logger, handy in tests
func Nop() *Logger {
	l := zerolog.Nop()
	return &l
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
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
