// Package interpret executes a namespace's build script. Every line that
// completes leaves a progress stamp, so an interrupted build resumes where
// it stopped.
package interpret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cochaviz/grs/internal/artifacts"
	"github.com/cochaviz/grs/internal/buildlog"
	"github.com/cochaviz/grs/internal/fetch"
	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
	"github.com/cochaviz/grs/internal/rotate"
)

// ErrNoMedium is returned by hashit when no image has been produced yet in
// this process.
var ErrNoMedium = errors.New("hashit: no medium has been produced")

// State is the phase of a build.
type State int32

const (
	StateLoading State = iota
	StatePreSteps
	StateExecuting
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StatePreSteps:
		return "presteps"
	case StateExecuting:
		return "executing"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// BuildLog is the canonical log of the namespace.
type BuildLog interface {
	Log(msg string, stamped bool) error
	Rotate(upperLimit int) error
}

// Mounts sets up and tears down the bind mounts of the build root.
type Mounts interface {
	MountAll(ctx context.Context) error
	UnmountAll(ctx context.Context) error
}

type Pivoter interface {
	Pivot(ctx context.Context, subchroot string) error
}

type Populator interface {
	Populate(ctx context.Context, cycle int) error
}

type ScriptRunner interface {
	RunScript(ctx context.Context, name string) error
}

type KernelBuilder interface {
	Kernel(ctx context.Context, config string) error
}

// MediaProducer creates images of the build root.
type MediaProducer interface {
	TarIt(ctx context.Context, altName string) (artifacts.Medium, error)
	ISOIt(ctx context.Context, altName string) (artifacts.Medium, error)
	NetbootIt(ctx context.Context, altName string) (artifacts.Medium, error)
}

type Hasher interface {
	Hash(ctx context.Context, medium artifacts.Medium) error
}

type Synchronizer interface {
	Sync(ctx context.Context) error
}

type Seeder interface {
	Seed(ctx context.Context) error
}

// RouteChecker is consulted before anything is fetched.
type RouteChecker interface {
	DefaultRoute() (fetch.Route, error)
}

// Components are the collaborators the directives dispatch to.
type Components struct {
	Log      BuildLog
	Mounts   Mounts
	Pivot    Pivoter
	Populate Populator
	Scripts  ScriptRunner
	Kernel   KernelBuilder
	Media    MediaProducer
	Hasher   Hasher
	Sync     Synchronizer
	Seed     Seeder
	Network  RouteChecker
}

// Interpreter runs one build of one namespace.
type Interpreter struct {
	Components

	// ScriptPath is the build script.
	ScriptPath string
	// StampDir holds the progress stamps.
	StampDir string
	// RunID identifies this run in the logs.
	RunID string

	// Update restricts the run to '+' lines and re-runs them every time.
	Update bool
	// Mock logs each directive instead of executing it.
	Mock bool
	// UpperLimit bounds log rotation.
	UpperLimit int

	// Aborter escalates a fatal directive failure.
	Aborter process.Aborter
	Logger  *slog.Logger

	state  atomic.Int32
	medium artifacts.Tracker
}

type handler func(ctx context.Context, d Directive) error

func (i *Interpreter) logger() *slog.Logger {
	return logging.Ensure(i.Logger).With("component", "interpreter")
}

// State returns the current phase. It is safe to call from a signal
// handler goroutine.
func (i *Interpreter) State() State {
	return State(i.state.Load())
}

func (i *Interpreter) setState(s State) {
	i.state.Store(int32(s))
	i.logger().Debug("state changed", "state", s)
}

// Run performs the pre-steps, executes the build script and unmounts the
// build root. A failing step is logged to the build log and escalated
// through the Aborter.
func (i *Interpreter) Run(ctx context.Context) error {
	defer i.setState(StateTerminated)
	i.setState(StateLoading)

	stamps := Stamps{Dir: i.StampDir}
	if err := os.MkdirAll(i.StampDir, 0o755); err != nil {
		return i.fail(fmt.Sprintf("mkdir %s", i.StampDir), fmt.Errorf("create stamp directory: %w", err))
	}

	limit := i.UpperLimit
	if limit <= 0 {
		limit = rotate.DefaultUpperLimit
	}
	if err := i.Log.Rotate(limit); err != nil {
		return fmt.Errorf("rotate build log: %w", err)
	}
	i.note(fmt.Sprintf("run %s started (update=%t, mock=%t)", i.RunID, i.Update, i.Mock))

	if !i.Mock {
		if err := i.Mounts.UnmountAll(ctx); err != nil {
			return i.fail("unmount", err)
		}
	}

	i.setState(StatePreSteps)
	if err := i.preSteps(ctx, stamps); err != nil {
		return err
	}

	script, err := ParseFile(i.ScriptPath)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return i.fail(parseErr.Text, err)
		}
		return i.fail(i.ScriptPath, err)
	}

	i.setState(StateExecuting)
	handlers := i.handlers()
	for _, d := range script.Directives {
		if i.Update && !d.Update {
			continue
		}
		stamp := stamps.Line(d.Line)
		ignoreStamp := i.Update && d.Update
		if !ignoreStamp && stamps.Done(stamp) {
			continue
		}

		if i.Mock {
			i.note(d.Text)
			continue
		}

		if d.Verb != VerbNone {
			i.logger().Info("executing directive", "line", d.Line, "verb", d.Verb, "args", d.Args)
			if err := handlers[d.Verb](ctx, d); err != nil {
				return i.fail(d.Text, err)
			}
		}
		if err := stamps.Mark(stamp); err != nil {
			return i.fail(d.Text, err)
		}
	}

	i.setState(StateDraining)
	if !i.Mock {
		if err := i.Mounts.UnmountAll(ctx); err != nil {
			return i.fail("unmount", err)
		}
	}
	i.note(fmt.Sprintf("run %s finished", i.RunID))
	return nil
}

// preSteps syncs the repository unless already done, always for an update
// run, and seeds the root unless already done, never for an update run.
func (i *Interpreter) preSteps(ctx context.Context, stamps Stamps) error {
	needSync := !stamps.Done(stamps.Sync()) || i.Update
	needSeed := !stamps.Done(stamps.Seed()) && !i.Update

	if i.Mock {
		if needSync {
			i.note("sync")
		}
		if needSeed {
			i.note("seed")
		}
		return nil
	}

	if (needSync || needSeed) && i.Network != nil {
		if route, err := i.Network.DefaultRoute(); err != nil {
			i.logger().Warn("network preflight failed", "error", err)
		} else {
			i.logger().Debug("network preflight", "interface", route.Interface, "gateway", route.Gateway)
		}
	}

	if needSync {
		if err := i.Sync.Sync(ctx); err != nil {
			return i.fail("sync", err)
		}
		if err := stamps.Mark(stamps.Sync()); err != nil {
			return i.fail("sync", err)
		}
	}
	if needSeed {
		if err := i.Seed.Seed(ctx); err != nil {
			return i.fail("seed", err)
		}
		if err := stamps.Mark(stamps.Seed()); err != nil {
			return i.fail("seed", err)
		}
	}
	return nil
}

func (i *Interpreter) handlers() map[Verb]handler {
	produce := func(create func(context.Context, string) (artifacts.Medium, error)) handler {
		return func(ctx context.Context, d Directive) error {
			medium, err := create(ctx, d.Arg())
			if err != nil {
				return err
			}
			i.medium.Set(medium)
			return nil
		}
	}
	return map[Verb]handler{
		VerbLog: func(_ context.Context, d Directive) error {
			msg := d.Arg()
			if msg == "stamp" {
				msg = buildlog.Banner
			}
			return i.Log.Log(msg, true)
		},
		VerbMount: func(ctx context.Context, _ Directive) error {
			return i.Mounts.MountAll(ctx)
		},
		VerbUnmount: func(ctx context.Context, _ Directive) error {
			return i.Mounts.UnmountAll(ctx)
		},
		VerbPopulate: func(ctx context.Context, d Directive) error {
			return i.Populate.Populate(ctx, d.Cycle)
		},
		VerbRunScript: func(ctx context.Context, d Directive) error {
			return i.Scripts.RunScript(ctx, d.Arg())
		},
		VerbPivot: func(ctx context.Context, d Directive) error {
			return i.Pivot.Pivot(ctx, d.Arg())
		},
		VerbKernel: func(ctx context.Context, d Directive) error {
			return i.Kernel.Kernel(ctx, d.Arg())
		},
		VerbTarIt:     produce(i.Media.TarIt),
		VerbISOIt:     produce(i.Media.ISOIt),
		VerbNetbootIt: produce(i.Media.NetbootIt),
		VerbHashIt: func(ctx context.Context, _ Directive) error {
			medium, ok := i.medium.Current()
			if !ok {
				return ErrNoMedium
			}
			return i.Hasher.Hash(ctx, medium)
		},
	}
}

// note writes a stamped line to the build log. A build log that cannot be
// written is reported on the daemon log only.
func (i *Interpreter) note(msg string) {
	if err := i.Log.Log(msg, true); err != nil {
		i.logger().Error("write build log", "error", err)
	}
}

// fail records a fatal step in the build log and then escalates it. The
// components' runner must not abort on its own, or the log lines written
// here would be lost.
func (i *Interpreter) fail(text string, err error) error {
	i.note("Bad command: " + text)
	i.note("Error: " + strings.TrimSpace(err.Error()))
	i.logger().Error("build step failed", "step", text, "error", err)

	if i.Aborter != nil {
		i.Aborter.Abort(err)
	}
	return err
}
