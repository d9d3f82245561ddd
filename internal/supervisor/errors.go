package supervisor

import "errors"

// ErrRetryBudgetExhausted is returned by Start (and surfaces as the
// terminal Failed state) once consecutive spawn/initialize failures
// reach the configured retry budget, per spec.md §4.1.
var ErrRetryBudgetExhausted = errors.New("supervisor: retry budget exhausted")

// ErrNotRunning is returned by Stop when the Supervisor was never
// started or has already stopped.
var ErrNotRunning = errors.New("supervisor: not running")

// ErrAlreadyRunning is returned by Start when called more than once.
var ErrAlreadyRunning = errors.New("supervisor: already running")
