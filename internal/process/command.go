package process

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// NoTimeout disables the wall-clock bound on a command.
const NoTimeout time.Duration = 0

// Command describes one external invocation.
//
// Exactly one of Args or Shell must be set. Shell strings are handed to
// /bin/sh -c and are only used where a pipeline is unavoidable.
type Command struct {
	Args  []string
	Shell string

	// Env is merged over the current process environment; Env wins on conflict.
	Env map[string]string

	// Dir is the working directory of the child. Empty means inherit.
	Dir string

	// Stdin feeds the child. Nil means /dev/null.
	Stdin io.Reader

	Timeout time.Duration

	// LogFile receives stdout and stderr in append mode. Empty means the
	// caller's stderr.
	LogFile string

	// FailOK tolerates a non-zero exit or a timeout.
	FailOK bool
}

// String renders the command the way it is written to the build log.
func (c Command) String() string {
	if c.Shell != "" {
		return c.Shell
	}
	return strings.Join(c.Args, " ")
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	TimedOut bool
}

// Failed reports whether the command exited non-zero or ran out of time.
func (r Result) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// ExitError is returned for a failed command that was not tolerated.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	if e.Result.TimedOut {
		return fmt.Sprintf("command %q timed out", e.Command)
	}
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.Result.ExitCode)
}

// Executor runs commands. *Runner is the production implementation.
type Executor interface {
	Run(ctx context.Context, command Command) (Result, error)
}
