package runner

import "time"

// State is a position in the run lifecycle.
type State string

const (
	StateInit          State = "init"
	StateSpawned       State = "spawned"
	StateCapturing     State = "capturing"
	StateCompleted     State = "completed"
	StateErrorObserved State = "error_observed"
	StateLaunchFailed  State = "launch_failed"
	StateStopped       State = "stopped"
	StateCleanedUp     State = "cleaned_up"
)

// Terminal reports whether s is an outcome.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateErrorObserved, StateLaunchFailed, StateStopped:
		return true
	}
	return false
}

// EventKind classifies an OutputEvent.
type EventKind string

const (
	KindLine         EventKind = "line"
	KindCompleted    EventKind = "completed"
	KindLaunchFailed EventKind = "launch_failed"
	KindStopped      EventKind = "stopped"
)

// OutputEvent is one entry of a run's output queue. Every run ends with
// exactly one event whose Kind is not KindLine.
type OutputEvent struct {
	RunID string    `json:"run_id"`
	Kind  EventKind `json:"kind"`
	Line  string    `json:"line"`
	Time  time.Time `json:"time"`
}

// Terminal reports whether the event ends the run.
func (e OutputEvent) Terminal() bool {
	return e.Kind != KindLine
}
