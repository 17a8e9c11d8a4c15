package sigcheck

import "github.com/btcsuite/btclog"

// log is the subsystem logger for this package. It is a no-op until
// UseLogger installs a real backend.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
