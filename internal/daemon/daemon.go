package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
)

// DefaultLogDir receives the stderr of detached daemons.
const DefaultLogDir = "/var/log/grs"

// markerEnv is set in the environment of a re-executed daemon.
const markerEnv = "GRS_DAEMON"

// ErrAlreadyRunning is returned by Start when the pidfile names a live
// process.
var ErrAlreadyRunning = errors.New("daemon already running")

// Detached reports whether the calling process was started by Start.
func Detached() bool {
	return os.Getenv(markerEnv) == "1"
}

// Daemon starts and stops the background build of one namespace.
type Daemon struct {
	Name    string
	PIDFile PIDFile
	// Args re-executes this binary as the daemon, without the program name.
	Args       []string
	Terminator process.Terminator
	Logger     *slog.Logger

	// executable is swapped out in tests.
	executable func() (string, error)
}

// New returns a daemon for a namespace with the production stop sequence.
func New(name, pidFile string, args []string, logger *slog.Logger) *Daemon {
	return &Daemon{
		Name:       name,
		PIDFile:    PIDFile{Path: pidFile},
		Args:       args,
		Terminator: process.DefaultTerminator(),
		Logger:     logger,
	}
}

func (d *Daemon) logger() *slog.Logger {
	return logging.Ensure(d.Logger).With("component", "daemon", "namespace", d.Name)
}

// Start detaches a new session running Args and records its pid. A live
// daemon is left alone and reported with ErrAlreadyRunning; a stale
// pidfile is removed first.
func (d *Daemon) Start() (int, error) {
	logger := d.logger()
	pid, running, err := d.PIDFile.Running()
	if err != nil {
		return 0, err
	}
	if running {
		logger.Info("daemon already running", "pid", pid)
		return pid, ErrAlreadyRunning
	}

	lookup := d.executable
	if lookup == nil {
		lookup = os.Executable
	}
	exe, err := lookup()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	cmd := exec.Command(exe, d.Args...)
	cmd.Dir = "/"
	cmd.Env = append(os.Environ(), markerEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid = cmd.Process.Pid
	if err := d.PIDFile.Write(pid); err != nil {
		return pid, err
	}
	// The daemon outlives this process; nothing waits for it.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release daemon: %w", err)
	}
	logger.Info("daemon started", "pid", pid, "pidfile", d.PIDFile.Path)
	return pid, nil
}

// Stop terminates the recorded daemon and removes its pidfile. Stopping a
// daemon that is not running is not an error.
func (d *Daemon) Stop() error {
	logger := d.logger()
	pid, running, err := d.PIDFile.Running()
	if err != nil {
		return err
	}
	if !running {
		logger.Info("daemon not running")
		return nil
	}
	logger.Info("stopping daemon", "pid", pid)
	if err := d.Terminator.Terminate(pid); err != nil {
		return fmt.Errorf("stop daemon %d: %w", pid, err)
	}
	return d.PIDFile.Remove()
}

// Restart stops and starts the daemon.
func (d *Daemon) Restart() (int, error) {
	if err := d.Stop(); err != nil {
		return 0, err
	}
	return d.Start()
}

// Settle finishes detaching inside the daemon: it resets the umask, moves
// to / and sends stdout and stderr to <logDir>/grs-daemon-<pid>.err. The
// returned file backs the redirected descriptors.
func Settle(logDir string) (*os.File, error) {
	unix.Umask(0o022)
	if err := os.Chdir("/"); err != nil {
		return nil, fmt.Errorf("chdir /: %w", err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create daemon log directory: %w", err)
	}
	path := filepath.Join(logDir, "grs-daemon-"+strconv.Itoa(os.Getpid())+".err")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	for _, fd := range []int{1, 2} {
		if err := unix.Dup3(int(f.Fd()), fd, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("redirect fd %d: %w", fd, err)
		}
	}
	return f, nil
}
