// Package debug emits developer diagnostics when BDUI_DEBUG or BD_DEBUG is
// set, or when --verbose is passed. Lines go to the root logger at debug
// level under the "debug" component.
package debug

import (
	"os"
	"sync"

	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
)

var (
	mu      sync.Mutex
	enabled = os.Getenv("BDUI_DEBUG") != "" || os.Getenv("BD_DEBUG") != ""
)

// Enabled reports whether debug output is on.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return enabled
}

// SetEnabled toggles debug output, e.g. from a --verbose flag.
func SetEnabled(on bool) {
	mu.Lock()
	enabled = on
	mu.Unlock()
}

// Logf logs a formatted line when debug output is on. The root logger's
// level must admit debug events for it to appear.
func Logf(format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	log := logging.WithComponent("debug")
	log.Debug().Msgf(format, args...)
}
