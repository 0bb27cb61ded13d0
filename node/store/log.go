package store

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the package-wide logger, following the global-logger pattern
// used throughout the reference pack's pkg/log package: a single
// zerolog.Logger variable, reconfigured in place rather than threaded
// through every constructor.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogOutput redirects Logger's output, optionally switching to
// structured JSON (the teacher's pkg/log does the same for production
// versus development output).
func SetLogOutput(w io.Writer, jsonOutput bool) {
	if jsonOutput {
		Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
}

// DisableLogging silences Logger entirely.
func DisableLogging() {
	Logger = zerolog.Nop()
}

// componentLogger returns a child logger tagged with the store's name and
// the given component, mirroring pkg/log's WithComponent helper.
func componentLogger(storeName, component string) zerolog.Logger {
	return Logger.With().Str("store", storeName).Str("component", component).Logger()
}
