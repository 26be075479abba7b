package chroot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vishvananda/netns"

	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
)

// ScriptPath is where a script is placed inside the build root.
const ScriptPath = "/tmp/script"

// ScriptRunner executes scripts from libdir/scripts inside the build root.
type ScriptRunner struct {
	LibDir  string
	Root    string
	LogFile string

	// NetNS, when set, names the network namespace the script runs in.
	NetNS string

	Runner process.Executor
	Logger *slog.Logger

	lookupNetNS func(name string) (netns.NsHandle, error)
}

// RunScript copies the script into the root, runs it chrooted without a
// timeout and removes it again.
func (s *ScriptRunner) RunScript(ctx context.Context, name string) error {
	script, err := cleanRelative(name)
	if err != nil {
		return err
	}
	source := filepath.Join(s.LibDir, "scripts", script)
	target := filepath.Join(s.Root, ScriptPath)

	args := []string{"chroot", s.Root, ScriptPath}
	if s.NetNS != "" {
		if err := s.checkNetNS(); err != nil {
			return err
		}
		args = append([]string{"ip", "netns", "exec", s.NetNS}, args...)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o1777); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	if err := copyFile(source, target, 0o755); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Ensure(s.Logger).Warn("failed to remove script", "path", target, "error", err)
		}
	}()

	logging.Ensure(s.Logger).Info("running script", "script", script, "netns", s.NetNS)
	if _, err := s.Runner.Run(ctx, process.Command{Args: args, Timeout: process.NoTimeout, LogFile: s.LogFile}); err != nil {
		return fmt.Errorf("run script %s: %w", script, err)
	}
	return nil
}

func (s *ScriptRunner) checkNetNS() error {
	lookup := s.lookupNetNS
	if lookup == nil {
		lookup = netns.GetFromName
	}
	handle, err := lookup(s.NetNS)
	if err != nil {
		return fmt.Errorf("network namespace %s: %w", s.NetNS, err)
	}
	return handle.Close()
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
