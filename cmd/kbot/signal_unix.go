//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals stop the bot. SIGTERM is what systemd and container
// runtimes send; in-flight flushes finish before the process exits.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
