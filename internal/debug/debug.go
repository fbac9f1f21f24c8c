// Package debug provides toggleable verbose tracing for the analyzer
// passes: build flag default off, runtime override via an environment
// variable, output routed through an explicit writer instead of a
// global logger singleton.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// EnableDebug can be overridden at build time:
// go build -ldflags "-X github.com/standardbeagle/verifyio/internal/debug.EnableDebug=true"
var EnableDebug = "false"

var (
	mu     sync.Mutex
	output io.Writer
)

// SetOutput sets the writer debug output is sent to. Pass nil to disable
// debug output entirely (the default).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// Enabled reports whether debug output is currently active.
func Enabled() bool {
	if EnableDebug == "true" {
		return true
	}
	v := os.Getenv("VERIFYIO_DEBUG")
	return v == "1" || v == "true"
}

func writer() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return output
}

// Printf writes a debug line when debug output is enabled and a writer
// is configured.
func Printf(format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	w := writer()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[DEBUG] "+format+"\n", args...)
}

// Log writes a debug line tagged with a pass/component name, e.g.
// debug.Log("decode", "rank %d: %d records", rank, n).
func Log(component, format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	w := writer()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[DEBUG:%s] "+format+"\n", append([]interface{}{component}, args...)...)
}
