// Package applog configures the process-wide zerolog logger and hands out
// component-scoped sub-loggers, the way Tanq16-danzo's utils/logger.go does.
package applog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var initOnce sync.Once

// Init sets the global zerolog level and console writer. Safe to call
// more than once; only the first call takes effect.
func Init(debug bool) {
	initOnce.Do(func() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if debug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		output := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	})
}

// SetOutput redirects the global logger to w, preserving the console
// formatting. Used by tests and by the daemon when logging to a file.
func SetOutput(w io.Writer) {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// For returns a logger scoped to component, e.g. applog.For("engine").
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
