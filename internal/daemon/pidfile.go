// Package daemon runs one namespace build as a detached background process
// and tears it down cleanly when it is interrupted.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio"

	"github.com/cochaviz/grs/internal/process"
)

// PIDFile records the pid of a running daemon.
type PIDFile struct {
	Path string
}

// Read returns the recorded pid. A missing file yields os.ErrNotExist.
func (p PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile %s: invalid contents %q", p.Path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Write atomically replaces the pidfile with pid.
func (p PIDFile) Write(pid int) error {
	if err := renameio.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// Remove deletes the pidfile. A missing file is not an error.
func (p PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pidfile: %w", err)
	}
	return nil
}

// Running reports the pid of a live daemon. A pidfile naming a dead
// process, or holding garbage, is removed.
func (p PIDFile) Running() (int, bool, error) {
	pid, err := p.Read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 0, false, nil
	case err != nil:
		return 0, false, p.Remove()
	case process.Alive(pid):
		return pid, true, nil
	default:
		return pid, false, p.Remove()
	}
}
