package power

import "github.com/go-logr/logr"

// log is discarded until the library user hands us a logger
var log = logr.Discard()

// SetLogger sets the logger used by the library, e.g. ctrl.Log.WithName("pstateEngine")
func SetLogger(logger logr.Logger) {
	log = logger
}
