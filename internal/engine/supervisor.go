package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/roborun/roborun/internal/model"
)

// outcome is what one supervised execution reconciles to.
type outcome struct {
	state   model.State
	reason  string
	summary model.Summary
}

// robot exit codes: 0 all passed, 1..250 number of failed tests,
// 251 and above signal runner-level errors.
const maxFailureExitCode = 250

// executeScenario runs one scenario as a single subprocess: the steps are
// rendered into a suite file in a fresh workdir and handed to the
// configured runner command. All captured output reaches the log sink
// before this function returns.
func (e *Engine) executeScenario(ctx context.Context, run model.Run, scenario model.ResolvedScenario) outcome {
	total := len(scenario.Steps)

	// appends and attachments must survive run cancellation
	persistCtx := context.WithoutCancel(ctx)

	workdir, err := os.MkdirTemp(e.cfg.WorkDir, "roborun-"+run.ID+"-")
	if err != nil {
		return e.errored(persistCtx, run.ID, total, fmt.Sprintf("creating workdir: %v", err))
	}

	suitePath := filepath.Join(workdir, "suite.robot")
	if err := os.WriteFile(suitePath, []byte(scenario.Suite()), 0o644); err != nil {
		return e.errored(persistCtx, run.ID, total, fmt.Sprintf("writing suite file: %v", err))
	}
	outputXML := filepath.Join(workdir, "output.xml")
	logHTML := filepath.Join(workdir, "log.html")

	timeout := scenario.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}

	command := Command{
		Path:    e.cfg.RunnerPath,
		Args:    e.runnerArgs(run, scenario, outputXML, logHTML, suitePath),
		Dir:     workdir,
		Timeout: timeout,
		Grace:   e.cfg.GraceTimeout,
	}

	lineFn := func(_ context.Context, stream, line string) {
		if _, err := e.sink.Append(persistCtx, run.ID, stream, line); err != nil {
			slog.ErrorContext(persistCtx, "appending run output failed",
				"run_id", run.ID, "stream", stream, "error", err)
		}
	}

	res := runCommand(ctx, command, lineFn)
	e.recordAttachments(persistCtx, run.ID, outputXML, logHTML)

	switch {
	case errors.Is(ctx.Err(), context.Canceled) && !res.TimedOut:
		e.systemLine(persistCtx, run.ID, "execution cancelled")
		return outcome{
			state:   model.StateCancelled,
			reason:  "cancelled by request",
			summary: model.Summary{Total: total},
		}

	case res.TimedOut:
		reason := fmt.Sprintf("execution timeout after %s", timeout)
		return e.errored(persistCtx, run.ID, total, reason)

	case res.Err == nil:
		return outcome{
			state:   model.StatePassed,
			summary: model.Summary{Total: total, Passed: total},
		}
	}

	var exitErr *exec.ExitError
	if errors.As(res.Err, &exitErr) {
		code := exitErr.ExitCode()
		if code >= 1 && code <= maxFailureExitCode {
			failed := code
			if failed > total {
				failed = total
			}
			return outcome{
				state:   model.StateFailed,
				reason:  fmt.Sprintf("%d of %d steps failed", failed, total),
				summary: model.Summary{Total: total, Passed: total - failed, Failed: failed},
			}
		}
		return e.errored(persistCtx, run.ID, total, fmt.Sprintf("runner exited with code %d", code))
	}

	return e.errored(persistCtx, run.ID, total, fmt.Sprintf("starting runner: %v", res.Err))
}

func (e *Engine) runnerArgs(run model.Run, scenario model.ResolvedScenario, outputXML, logHTML, suitePath string) []string {
	args := append([]string(nil), e.cfg.RunnerArgs...)
	args = append(args, "--output", outputXML, "--log", logHTML)

	// run variables override scenario inputs
	merged := make(map[string]string, len(scenario.Inputs)+len(run.Variables))
	for k, v := range scenario.Inputs {
		merged[k] = v
	}
	for k, v := range run.Variables {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-v", k+":"+merged[k])
	}

	return append(args, suitePath)
}

// errored reports the diagnostic into the run's log before surfacing it
// as the terminal reason.
func (e *Engine) errored(ctx context.Context, runID string, total int, reason string) outcome {
	e.systemLine(ctx, runID, reason)
	return outcome{
		state:   model.StateErrored,
		reason:  reason,
		summary: model.Summary{Total: total},
	}
}

func (e *Engine) systemLine(ctx context.Context, runID, line string) {
	if _, err := e.sink.Append(ctx, runID, model.StreamSystem, line); err != nil {
		slog.ErrorContext(ctx, "appending system line failed", "run_id", runID, "error", err)
	}
}

func (e *Engine) recordAttachments(ctx context.Context, runID string, paths ...string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		a := model.Attachment{
			RunID:       runID,
			Name:        filepath.Base(path),
			Path:        path,
			ContentType: contentTypeFor(path),
			CreatedAt:   time.Now().UTC(),
		}
		if err := e.store.AddAttachment(ctx, a); err != nil {
			slog.ErrorContext(ctx, "recording attachment failed",
				"run_id", runID, "path", path, "error", err)
		}
	}
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".xml":
		return "application/xml"
	case ".html":
		return "text/html"
	}
	return "application/octet-stream"
}
