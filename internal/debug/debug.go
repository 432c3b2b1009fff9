// Package debug provides env-gated diagnostic logging.
// Set TICKMIRROR_DEBUG=1 (or --verbose) to enable.
package debug

import (
	"fmt"
	"os"
)

var (
	enabled     = os.Getenv("TICKMIRROR_DEBUG") != ""
	verboseMode = false
)

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func Printf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Printf(format, args...)
	}
}
