//go:build windows

package main

import (
	"os"
	"os/signal"
)

// setupSignalHandling arms sigChan for graceful shutdown on Windows,
// where only Ctrl+C is reliably delivered through os/signal.
func setupSignalHandling(sigChan chan os.Signal) {
	signal.Notify(sigChan, os.Interrupt)
}
