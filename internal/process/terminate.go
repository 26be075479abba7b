package process

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Terminator stops a process politely first and forcibly after Attempts
// graceful signals have gone unanswered.
type Terminator struct {
	Attempts int
	Interval time.Duration

	// kill is swapped out in tests.
	kill func(pid int, sig unix.Signal) error
}

// DefaultTerminator matches the daemon stop sequence: ten SIGTERMs 200ms
// apart, then SIGKILL until the process is gone.
func DefaultTerminator() Terminator {
	return Terminator{Attempts: 10, Interval: 200 * time.Millisecond}
}

func (t Terminator) send(pid int, sig unix.Signal) error {
	if t.kill != nil {
		return t.kill(pid, sig)
	}
	return unix.Kill(pid, sig)
}

// Terminate returns once the process no longer exists. A process that is
// already gone is not an error.
func (t Terminator) Terminate(pid int) error {
	for i := 0; i < t.Attempts; i++ {
		if err := t.send(pid, unix.SIGTERM); err != nil {
			return ignoreGone(err)
		}
		time.Sleep(t.Interval)
		if !t.alive(pid) {
			return nil
		}
	}
	for {
		if err := t.send(pid, unix.SIGKILL); err != nil {
			return ignoreGone(err)
		}
		time.Sleep(t.Interval)
		if !t.alive(pid) {
			return nil
		}
	}
}

func (t Terminator) alive(pid int) bool {
	return t.send(pid, 0) == nil
}

func ignoreGone(err error) error {
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Alive reports whether pid refers to a running process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Aborter escalates a fatal build failure.
type Aborter interface {
	Abort(reason error)
}

// AborterFunc adapts a function to the Aborter interface.
type AborterFunc func(reason error)

func (f AborterFunc) Abort(reason error) { f(reason) }

// SelfAborter terminates the calling process. The SIGTERM it sends is
// received by the daemon's shutdown handler, which tears down the process
// scope and the chroot mounts before exiting.
type SelfAborter struct {
	Logger     *slog.Logger
	Terminator Terminator
}

// NewSelfAborter allows the shutdown handler a few seconds before the
// process is killed outright.
func NewSelfAborter(logger *slog.Logger) *SelfAborter {
	return &SelfAborter{
		Logger:     logger,
		Terminator: Terminator{Attempts: 10, Interval: time.Second},
	}
}

func (a *SelfAborter) Abort(reason error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pid := os.Getpid()
	logger.Error("aborting build", "pid", pid, "error", reason)
	if err := a.Terminator.Terminate(pid); err != nil {
		logger.Error("self termination failed", "error", err)
		os.Exit(1)
	}
}
