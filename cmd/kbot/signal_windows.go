//go:build windows

package main

import (
	"os"
)

// terminationSignals stop the bot. Windows only delivers os.Interrupt (Ctrl+C).
var terminationSignals = []os.Signal{os.Interrupt}
