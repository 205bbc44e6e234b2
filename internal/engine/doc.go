package engine

// Package engine implements the run orchestration core: accepting run
// submissions, supervising robot subprocess executions, capturing their
// output and reconciling outcomes into durable run records.
//
// Overview
// The Engine owns a bounded FIFO queue and a fixed pool of workers. A
// submission resolves the target scenario into an immutable snapshot,
// persists a QUEUED run and enqueues its ID. Workers consume IDs strictly
// in submission order, so at most N runs execute at once.
//
// Data flow:
//
//   Engine                 worker                  runner{cmd}
//     |                      |                        |
//   Submit -> persist+queue->|                        |
//     |                      | QUEUED -> RUNNING      |
//     |                      | Execute/Run ---------->| os/exec.Start
//     |                      |<--- stdout/stderr -----| line capture goroutines
//     |                      |   (append to LogSink)  |
//     |                      |<------ Result ---------| (process exits)
//     |                      | RUNNING -> terminal    |
//   Cancel ---------------->(cancel run context)      |
//
// Invariants:
//   - Every run state mutation goes through the per-run transition function;
//     transitions out of a terminal state are dropped, so the first terminal
//     write wins any race between cancellation and natural completion.
//   - A transition is persisted before its snapshot becomes visible.
//   - Log chunk sequence numbers are strictly increasing per run and all
//     captured output is flushed to the sink before the terminal transition.
//   - At most Workers runs are RUNNING at any instant.
