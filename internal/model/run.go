package model

import (
	"time"
)

// State is a run lifecycle state.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StatePassed    State = "PASSED"
	StateFailed    State = "FAILED"
	StateErrored   State = "ERRORED"
	StateCancelled State = "CANCELLED"
)

// transitions lists the legal edges of the run state machine. Terminal
// states have no outgoing edges, which makes every terminal write final.
var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StatePassed, StateFailed, StateErrored, StateCancelled},
}

// Terminal reports whether no further transition is permitted from s.
func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateErrored, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal edge.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StatePassed, StateFailed, StateErrored, StateCancelled:
		return true
	}
	return false
}

// Run target kinds.
const (
	TargetTestCase = "testcase"
	TargetScenario = "scenario"
)

// Summary holds per-run step counters derived from the runner exit state.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Run is one execution attempt of a scenario or a single test case.
// The engine owns all mutations; everyone else sees snapshots.
type Run struct {
	ID          string            `json:"id"`
	State       State             `json:"state"`
	TargetType  string            `json:"target_type"` // "testcase" | "scenario"
	TargetID    int64             `json:"target_id"`
	TargetName  string            `json:"target_name,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Reason      string            `json:"reason,omitempty"` // terminal diagnostic
	Summary     Summary           `json:"summary"`
	SubmittedAt time.Time         `json:"submitted_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// LogChunk is a single captured output line of a run. Chunks are append
// only and sequence numbers are strictly increasing per run, starting at 0.
type LogChunk struct {
	RunID  string    `json:"run_id"`
	Seq    int64     `json:"seq"`
	TS     time.Time `json:"ts"`
	Stream string    `json:"stream"` // "stdout" | "stderr" | "system"
	Line   string    `json:"line"`
}

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)
