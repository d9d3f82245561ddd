// Package supervisor implements mcpmon's Supervisor (spec.md §4.1): the
// state machine that sequences spawn, debounced and crash-triggered
// restart, and graceful shutdown, wiring together the Process Controller,
// Change Source, Forwarder, Session Recorder and Message Buffer.
//
// Follows internal/process/manager.go's atomic ProcessState enum for the
// idea of a small closed set of states transitioned under a single lock,
// and zjrosen-perles/internal/orchestration/controlplane/supervisor.go
// for the shape of a supervisor owning a worker's full lifecycle (spawn,
// monitor, restart) and publishing its transitions to an event bus.
package supervisor

import "fmt"

// State is one of the Supervisor's lifecycle states (spec.md §4.1).
type State int

const (
	Idle State = iota
	Starting
	Ready
	Restarting
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Restarting:
		return "restarting"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the edges spec.md §4.1 allows. Any
// transition not listed here is a programming error in the Supervisor
// itself, not a condition callers need to handle.
var validTransitions = map[State]map[State]bool{
	Idle:       {Starting: true},
	Starting:   {Ready: true, Failed: true, Stopping: true, Starting: true},
	Ready:      {Restarting: true, Stopping: true},
	Restarting: {Starting: true, Stopping: true},
	Stopping:   {Stopped: true},
	Stopped:    {},
	Failed:     {},
}

// checkTransition reports an error if moving from `from` to `to` is not
// an edge the state machine allows.
func checkTransition(from, to State) error {
	if from == to {
		return nil
	}
	if edges, ok := validTransitions[from]; ok && edges[to] {
		return nil
	}
	return fmt.Errorf("supervisor: illegal transition %s -> %s", from, to)
}
