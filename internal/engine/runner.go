package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roborun/roborun/internal/model"
)

// Command describes one subprocess execution.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
	Grace   time.Duration // time between SIGTERM and SIGKILL
}

// Result is the terminal result of a single subprocess execution.
type Result struct {
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	TimedOut bool
	Err      error
}

// LineFunc receives one captured output line. Called from the capture
// goroutines, one stream at a time per stream.
type LineFunc func(ctx context.Context, stream, line string)

const maxLine = 1024 * 1024

// runCommand starts the command, streams its stdout and stderr line-wise
// into lineFn and blocks until the process exits and both capture
// goroutines finish. Every line produced before the process terminated has
// therefore been delivered when runCommand returns.
//
// On timeout, or when ctx is cancelled, the process receives SIGTERM and
// is killed after the grace period.
func runCommand(ctx context.Context, command Command, lineFn LineFunc) Result {
	var res Result

	if command.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", command.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Env = command.Env
	cmd.Dir = command.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = command.Grace
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.Err = err
		return res
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.Err = err
		return res
	}

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		return res
	}

	var g errgroup.Group
	g.Go(func() error {
		captureLines(ctx, stdout, model.StreamStdout, lineFn)
		return nil
	})
	g.Go(func() error {
		captureLines(ctx, stderr, model.StreamStderr, lineFn)
		return nil
	})
	_ = g.Wait() // both pipes drained before Wait

	res.Err = cmd.Wait()
	res.Stopped = time.Now().UTC()
	res.State = cmd.ProcessState
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	return res
}

func captureLines(ctx context.Context, r io.Reader, stream string, lineFn LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		if lineFn != nil {
			lineFn(ctx, stream, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.DebugContext(ctx, "capturing output", "stream", stream, "error", err)
	}
}
