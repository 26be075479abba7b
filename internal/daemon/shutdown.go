package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
)

// Unmounter releases the mounts of the build root.
type Unmounter interface {
	UnmountAll(ctx context.Context) error
}

// Coordinator owns the teardown of an interrupted build. It is constructed
// before signals are registered and receives the mount manager once that
// exists.
type Coordinator struct {
	Scope  Scope
	Self   int
	Logger *slog.Logger

	// Terminate stops one process; DefaultTerminator in production.
	Terminate func(pid int) error
	// OnExit runs just before the process exits.
	OnExit []func()
	// Exit ends the process; os.Exit in production.
	Exit func(code int)

	mu     sync.Mutex
	mounts Unmounter
	once   sync.Once
}

// NewCoordinator returns a coordinator for the calling process.
func NewCoordinator(scope Scope, logger *slog.Logger) *Coordinator {
	term := process.DefaultTerminator()
	return &Coordinator{
		Scope:     scope,
		Self:      os.Getpid(),
		Logger:    logger,
		Terminate: term.Terminate,
		Exit:      os.Exit,
	}
}

// SetMounts hands the coordinator the mount manager of the running build.
func (c *Coordinator) SetMounts(m Unmounter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounts = m
}

func (c *Coordinator) logger() *slog.Logger {
	return logging.Ensure(c.Logger).With("component", "shutdown")
}

// Watch runs Shutdown on the first SIGINT or SIGTERM. The returned function
// stops watching.
func (c *Coordinator) Watch() func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-signals:
			if s, ok := sig.(unix.Signal); ok {
				c.Shutdown(s)
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(signals)
		close(done)
	}
}

// Shutdown terminates every other member of the scope until none remain,
// unmounts the build root and exits with 128 plus the signal number. Only
// the first call has an effect.
func (c *Coordinator) Shutdown(sig unix.Signal) {
	c.once.Do(func() {
		logger := c.logger()
		logger.Warn("shutting down build", "signal", sig.String())

		c.drain(logger)

		c.mu.Lock()
		mounts := c.mounts
		c.mu.Unlock()
		if mounts != nil {
			// The build context may already be cancelled.
			if err := mounts.UnmountAll(context.Background()); err != nil {
				logger.Error("unmount build root", "error", err)
			}
		}

		for _, hook := range c.OnExit {
			hook()
		}
		exit := c.Exit
		if exit == nil {
			exit = os.Exit
		}
		exit(128 + int(sig))
	})
}

func (c *Coordinator) drain(logger *slog.Logger) {
	if c.Scope == nil {
		return
	}
	// A process that cannot be signalled is given up on, otherwise the
	// loop would never end.
	stuck := map[int]bool{}
	for {
		members, err := c.Scope.Members()
		if err != nil {
			logger.Error("list build processes", "error", err)
			return
		}
		var others []int
		for _, pid := range members {
			if pid != c.Self && !stuck[pid] {
				others = append(others, pid)
			}
		}
		if len(others) == 0 {
			return
		}
		for _, pid := range others {
			logger.Info("terminating build process", "pid", pid)
			if err := c.Terminate(pid); err != nil {
				logger.Error("terminate build process", "pid", pid, "error", err)
				stuck[pid] = true
			}
		}
	}
}
