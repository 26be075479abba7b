package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

// killGrace bounds how long Run waits for output after a timed out command
// has been killed.
const killGrace = 5 * time.Second

// Runner executes external commands on behalf of the build. A failure that
// is not tolerated is handed to the Aborter when one is set; a Runner
// without one only returns the *ExitError and leaves escalation to the
// caller.
type Runner struct {
	Logger  *slog.Logger
	Aborter Aborter
	// ProcRoot is the process table consulted when a timed out command's
	// children are killed. Defaults to /proc.
	ProcRoot string
}

// NewRunner returns a Runner that reports fatal command failures to its
// caller and aborts nothing itself.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{Logger: logger}
}

func (r *Runner) logger() *slog.Logger {
	if r != nil && r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run spawns the command, waits for it up to its timeout and interprets the
// exit status according to the fail policy.
func (r *Runner) Run(ctx context.Context, command Command) (Result, error) {
	args, err := command.argv()
	if err != nil {
		return Result{}, err
	}

	sink, closeSink, err := openSink(command.LogFile)
	if err != nil {
		return Result{}, err
	}
	defer closeSink()

	runCtx := ctx
	if command.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.Stdin = command.Stdin
	cmd.Dir = command.Dir
	cmd.Env = mergeEnv(os.Environ(), command.Env)
	procRoot := r.procRoot()
	cmd.Cancel = func() error {
		return killTree(procRoot, cmd.Process.Pid)
	}
	cmd.WaitDelay = killGrace

	logger := r.logger().With("command", command.String())
	logger.Debug("running command", "dir", command.Dir, "timeout", command.Timeout)

	result := Result{}
	runErr := cmd.Run()
	if command.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		// The child never started; report it the way a shell would.
		fmt.Fprintf(sink, "EXEC ERROR: %v\n", runErr)
		result.ExitCode = 127
	}

	if result.ExitCode != 0 {
		fmt.Fprintf(sink, "EXIT CODE: %d\n", result.ExitCode)
	}
	if result.TimedOut {
		fmt.Fprintf(sink, "TIMEOUT ERROR: %s\n", command.String())
	}

	if !result.Failed() || command.FailOK {
		if result.Failed() {
			logger.Warn("tolerated command failure", "exit_code", result.ExitCode, "timed_out", result.TimedOut)
		}
		return result, nil
	}

	failure := &ExitError{Command: command.String(), Result: result}
	logger.Error("command failed", "exit_code", result.ExitCode, "timed_out", result.TimedOut)
	fmt.Fprintf(sink, "FAILED COMMAND: %s\n", command.String())
	if r.Aborter == nil {
		return result, failure
	}
	fmt.Fprintf(sink, "SENDING SIGTERM to pid = %d\n", os.Getpid())
	closeSink()
	r.Aborter.Abort(failure)
	return result, failure
}

func (r *Runner) procRoot() string {
	if r != nil && r.ProcRoot != "" {
		return r.ProcRoot
	}
	return procfs.DefaultMountPoint
}

func (c Command) argv() ([]string, error) {
	switch {
	case c.Shell != "" && len(c.Args) > 0:
		return nil, errors.New("command has both an argument vector and a shell string")
	case c.Shell != "":
		return []string{"/bin/sh", "-c", c.Shell}, nil
	case len(c.Args) == 0 || strings.TrimSpace(c.Args[0]) == "":
		return nil, errors.New("no command provided")
	default:
		return c.Args, nil
	}
}

// openSink opens the log file in append mode, or falls back to stderr. The
// returned close function is safe to call more than once.
func openSink(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open command log %s: %w", path, err)
	}
	closed := false
	return f, func() {
		if !closed {
			closed = true
			f.Close()
		}
	}, nil
}

// mergeEnv overlays extra onto base. Keys in extra replace those in base.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; override {
			continue
		}
		merged = append(merged, kv)
	}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+extra[key])
	}
	return merged
}
