package model

import (
	"errors"
)

var (
	// ErrNotFound signals an unknown run, scenario, test case or group.
	ErrNotFound = errors.New("not found")

	// ErrInvalidScenario rejects a run submission before any run is created.
	ErrInvalidScenario = errors.New("invalid scenario")

	// ErrQueueSaturated is the backpressure signal: the caller may retry
	// later, no run was created.
	ErrQueueSaturated = errors.New("run queue is saturated")

	// ErrInvalidTransition marks an illegal run state transition. The
	// offending transition is logged and dropped, never escalated.
	ErrInvalidTransition = errors.New("invalid run state transition")

	// ErrAlreadyTerminal is returned when cancelling a finished run.
	ErrAlreadyTerminal = errors.New("run already reached a terminal state")
)
