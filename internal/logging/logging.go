// Package logging wraps charmbracelet/log for mcpmon's own diagnostic
// output. mcpmon's stdout is a JSON-RPC wire and must never carry a log
// line, so every logger here is bound to stderr by construction.
//
// Follows the leveled, category-style logger pattern seen across the
// retrieval pack (zjrosen-perles/internal/log.Logger's Level/Category
// shape), adapted from a TUI log-to-file sink to a plain stderr sink,
// using charmbracelet/log as the concrete library (named in a compozy
// manifest) for its small leveled-logger API with ANSI control.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// New builds a logger writing to w (stderr in production, a buffer in
// tests) at the given verbosity. No color setting is passed here, so
// whether ANSI styling appears is left to charmbracelet/log's own
// detection of w: color is not forced off when w is a terminal.
func New(w io.Writer, verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}

	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           level,
		Formatter:       log.TextFormatter,
	})
	return logger
}

// NewStderr builds the process-default logger, writing to os.Stderr.
func NewStderr(verbose bool) *log.Logger {
	return New(os.Stderr, verbose)
}
