// Package build provides shared logging plumbing for the subsystem loggers
// the other packages in this module declare. Each package keeps its own
// logger in a local log.go, disabled by default, and does not import this
// package; nothing logs anywhere until a caller installs a backend with
// SetLogWriter and hands each package a NewSubLogger result through that
// package's UseLogger.
package build

import (
	"os"

	"github.com/btcsuite/btclog"
)

// backend is the shared logging backend every subsystem logger is derived
// from. It starts out nil, meaning NewSubLogger returns the disabled logger
// until SetLogWriter installs a real one.
var backend *btclog.Backend

// SetLogWriter installs w as the output for all subsystem loggers created
// with NewSubLogger from this point forward. Packages that already grabbed a
// disabled logger before this call are unaffected; call it during process
// start-up, before driving any channel.
func SetLogWriter(w *os.File) {
	backend = btclog.NewBackend(w)
}

// NewSubLogger returns a new logger tagged with subsystem. If no backend has
// been installed via SetLogWriter, logging is a no-op.
func NewSubLogger(subsystem string) btclog.Logger {
	if backend == nil {
		return btclog.Disabled
	}
	return backend.Logger(subsystem)
}

// ParseLevel sets logger's level from one of the btclog level strings
// ("trace", "debug", "info", "warn", "error", "critical", "off"). An invalid
// level string is a no-op.
func ParseLevel(logger btclog.Logger, level string) {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return
	}
	logger.SetLevel(lvl)
}
