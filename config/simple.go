package simple

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cochaviz/grs/internal/buildlog"
	"github.com/cochaviz/grs/internal/chroot"
	"github.com/cochaviz/grs/internal/config"
	"github.com/cochaviz/grs/internal/daemon"
	"github.com/cochaviz/grs/internal/fetch"
	"github.com/cochaviz/grs/internal/interpret"
	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/media"
	"github.com/cochaviz/grs/internal/process"
	"github.com/cochaviz/grs/internal/rotate"
)

var DefaultConfigPath = config.DefaultPath

// RunOptions select how a build is executed.
type RunOptions struct {
	Update bool
	Mock   bool
	// RunID tags the build log banner. A random one is used when empty.
	RunID string
}

// Load reads the namespace configuration, falling back to the default path.
func Load(path string) (*config.Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	return config.Load(path)
}

// NewInterpreter wires the build components of a namespace around runner.
// The mount manager is returned separately so that a shutdown coordinator
// can release the mounts.
func NewInterpreter(ns config.Namespace, opts RunOptions, runner process.Executor, aborter process.Aborter, logger *slog.Logger) (*interpret.Interpreter, *chroot.Manager, error) {
	logger = logging.Ensure(logger).With(logging.NamespaceKey, ns.Name)

	buildLog, err := buildlog.Open(ns.LogFile)
	if err != nil {
		return nil, nil, err
	}
	mounts := chroot.NewManager(ns.PortageConfigRoot, ns.Package, ns.LogFile, runner, logger)

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	interpreter := &interpret.Interpreter{
		Components: interpret.Components{
			Log:    buildLog,
			Mounts: mounts,
			Pivot: &chroot.Pivoter{
				Root:       ns.PortageConfigRoot,
				UpperLimit: rotate.DefaultUpperLimit,
				Mounts:     mounts,
				Logger:     logger,
			},
			Populate: &chroot.Populator{
				LibDir:     ns.LibDir,
				WorkDir:    ns.WorkDir,
				Root:       ns.PortageConfigRoot,
				Nameserver: ns.Nameserver,
				LogFile:    ns.LogFile,
				Runner:     runner,
				Logger:     logger,
			},
			Scripts: &chroot.ScriptRunner{
				LibDir:  ns.LibDir,
				Root:    ns.PortageConfigRoot,
				LogFile: ns.LogFile,
				NetNS:   ns.NetNS,
				Runner:  runner,
				Logger:  logger,
			},
			Kernel: &media.KernelBuilder{
				LibDir:     ns.LibDir,
				Root:       ns.PortageConfigRoot,
				KernelRoot: ns.KernelRoot,
				Package:    ns.Package,
				LogFile:    ns.LogFile,
				Runner:     runner,
				Logger:     logger,
			},
			Media: &media.Producer{
				Name:       ns.Name,
				LibDir:     ns.LibDir,
				WorkDir:    ns.WorkDir,
				TmpDir:     ns.TmpDir,
				Root:       ns.PortageConfigRoot,
				KernelRoot: ns.KernelRoot,
				LogFile:    ns.LogFile,
				Runner:     runner,
				Logger:     logger,
			},
			Hasher: &media.Hasher{Runner: runner, Logger: logger},
			Sync: &fetch.Synchronizer{
				RepoURI: ns.RepoURI,
				Branch:  ns.Name,
				LibDir:  ns.LibDir,
				LogFile: ns.LogFile,
				Runner:  runner,
				Logger:  logger,
			},
			Seed: &fetch.Seeder{
				StageURI:   ns.StageURI,
				TmpDir:     ns.TmpDir,
				Root:       ns.PortageConfigRoot,
				Package:    ns.Package,
				LogFile:    ns.LogFile,
				UpperLimit: rotate.DefaultUpperLimit,
				Runner:     runner,
				Network:    fetch.NetworkCheck{},
				Logger:     logger,
			},
			Network: fetch.NetworkCheck{},
		},
		ScriptPath: ns.ScriptPath(),
		StampDir:   ns.TmpDir,
		RunID:      runID,
		Update:     opts.Update,
		Mock:       opts.Mock,
		UpperLimit: rotate.DefaultUpperLimit,
		Aborter:    aborter,
		Logger:     logger.With("run", runID),
	}
	return interpreter, mounts, nil
}

// Interpret runs the build of ns in the calling process. SIGINT and SIGTERM
// tear the build down: every process of the build is terminated and the
// build root unmounted before exiting.
func Interpret(ctx context.Context, ns config.Namespace, opts RunOptions, logger *slog.Logger) error {
	base := logging.Ensure(logger)
	logger = base.With("component", "config.simple", logging.NamespaceKey, ns.Name)

	var scope daemon.Scope
	cgroup, err := daemon.JoinCgroup(daemon.DefaultCgroupRoot, ns.Name, os.Getpid())
	if err != nil {
		logger.Warn("cgroup unavailable, tracking the process group instead", "error", err)
		group, groupErr := daemon.CurrentGroup()
		if groupErr != nil {
			return groupErr
		}
		scope = group
	} else {
		scope = cgroup
	}

	pidFile := daemon.PIDFile{Path: ns.PIDFile}
	coordinator := daemon.NewCoordinator(scope, logger)
	if daemon.Detached() {
		coordinator.OnExit = append(coordinator.OnExit, func() {
			if err := pidFile.Remove(); err != nil {
				logger.Error("remove pidfile", "error", err)
			}
		})
		defer pidFile.Remove()
	}
	stop := coordinator.Watch()
	defer stop()

	// The interpreter is the only place a failure escalates, so that the
	// failing line reaches the build log before the process is torn down.
	runner := process.NewRunner(logger)
	interpreter, mounts, err := NewInterpreter(ns, opts, runner, process.NewSelfAborter(logger), base)
	if err != nil {
		return err
	}
	coordinator.SetMounts(Teardown(mounts, logger))

	logger.Info("build started", "update", opts.Update, "mock", opts.Mock)
	if err := interpreter.Run(ctx); err != nil {
		return fmt.Errorf("build %s: %w", ns.Name, err)
	}
	logger.Info("build finished")
	return nil
}

// Teardown returns a copy of mounts for the shutdown path: its umounts
// never abort and one busy mount does not keep the others mounted.
func Teardown(mounts *chroot.Manager, logger *slog.Logger) *chroot.Manager {
	teardown := *mounts
	teardown.Runner = process.NewRunner(logger)
	teardown.BestEffort = true
	return &teardown
}

// Start detaches a daemon running args for ns.
func Start(ns config.Namespace, args []string, logger *slog.Logger) (int, error) {
	return daemon.New(ns.Name, ns.PIDFile, args, logger).Start()
}

// Stop terminates the daemon of ns, if any.
func Stop(ns config.Namespace, logger *slog.Logger) error {
	return daemon.New(ns.Name, ns.PIDFile, nil, logger).Stop()
}

// Restart stops the daemon of ns and starts a new one running args.
func Restart(ns config.Namespace, args []string, logger *slog.Logger) (int, error) {
	return daemon.New(ns.Name, ns.PIDFile, args, logger).Restart()
}

// Status describes one namespace.
type Status struct {
	Name       string
	PID        int
	Running    bool
	AnyMounted bool
	AllMounted bool
	Progress   interpret.Progress
	// Generations are the rotated build roots kept next to the live one.
	Generations []int
}

// StatusOf reports daemon liveness, mount state and progress of ns.
func StatusOf(ns config.Namespace) (Status, error) {
	status := Status{Name: ns.Name}

	pid, running, err := daemon.PIDFile{Path: ns.PIDFile}.Running()
	if err != nil {
		return status, err
	}
	status.PID, status.Running = pid, running

	mounts := chroot.NewManager(ns.PortageConfigRoot, ns.Package, "", nil, nil)
	if status.AnyMounted, status.AllMounted, err = mounts.Status(); err != nil {
		return status, err
	}

	if status.Progress, err = (interpret.Stamps{Dir: ns.TmpDir}).Progress(); err != nil {
		return status, err
	}
	if status.Generations, err = rotate.Generations(ns.PortageConfigRoot); err != nil {
		return status, err
	}
	return status, nil
}

// Check parses the build script of ns without running it.
func Check(ns config.Namespace) (*interpret.Script, error) {
	return interpret.ParseFile(ns.ScriptPath())
}

// Clean removes the progress stamps of ns so that the next run starts from
// the beginning. A running daemon is left alone.
func Clean(ns config.Namespace, logger *slog.Logger) (int, error) {
	logger = logging.Ensure(logger).With("component", "config.simple", "namespace", ns.Name)
	if pid, running, err := (daemon.PIDFile{Path: ns.PIDFile}).Running(); err != nil {
		return 0, err
	} else if running {
		return 0, fmt.Errorf("namespace %s is being built by pid %d", ns.Name, pid)
	}
	removed, err := interpret.Stamps{Dir: ns.TmpDir}.Clear()
	if err != nil {
		return removed, err
	}
	logger.Info("progress cleared", "stamps", removed, "dir", filepath.Clean(ns.TmpDir))
	return removed, nil
}
