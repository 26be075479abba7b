package chroot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"

	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
)

const mountTimeout = 60 * time.Second

// MountKind selects how an entry is mounted.
type MountKind int

const (
	// MountBind binds the host path /Target onto Target under the root.
	MountBind MountKind = iota
	// MountBindFrom binds an arbitrary host Source onto Target.
	MountBindFrom
	// MountVirtual mounts a filesystem of type FSType named Source onto Target.
	MountVirtual
)

func (k MountKind) String() string {
	switch k {
	case MountBind:
		return "bind"
	case MountBindFrom:
		return "bind-from"
	case MountVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// MountEntry is one mount of the chroot. Target is relative to the root.
type MountEntry struct {
	Kind   MountKind
	Source string
	Target string
	FSType string
}

// Bind mounts the host path at the same place inside the root.
func Bind(target string) MountEntry {
	return MountEntry{Kind: MountBind, Target: strings.TrimPrefix(target, "/")}
}

// BindFrom mounts source from the host at target inside the root.
func BindFrom(source, target string) MountEntry {
	return MountEntry{Kind: MountBindFrom, Source: source, Target: strings.TrimPrefix(target, "/")}
}

// Virtual mounts a filesystem such as tmpfs at target inside the root.
func Virtual(fstype, name, target string) MountEntry {
	return MountEntry{Kind: MountVirtual, FSType: fstype, Source: name, Target: strings.TrimPrefix(target, "/")}
}

// DefaultEntries is the mount set of a Gentoo build root. Parents come
// before their children.
func DefaultEntries(packageDir string) []MountEntry {
	return []MountEntry{
		Bind("dev"),
		Bind("dev/pts"),
		Virtual("tmpfs", "shm", "dev/shm"),
		Bind("proc"),
		Bind("sys"),
		Bind("usr/portage"),
		BindFrom(packageDir, "usr/portage/packages"),
	}
}

// Manager mounts and unmounts the entries of one build root. It keeps no
// record of what it mounted; every decision is made from the live mount
// table.
type Manager struct {
	Root    string
	Entries []MountEntry
	LogFile string
	Runner  process.Executor
	Logger  *slog.Logger

	// ProcRoot is the proc filesystem whose self/mountinfo is consulted.
	// Defaults to /proc.
	ProcRoot string
	// BestEffort makes UnmountAll try every entry even when some fail,
	// reporting the failures together at the end.
	BestEffort bool
}

// NewManager returns a Manager for the default Gentoo mount set.
func NewManager(root, packageDir, logFile string, runner process.Executor, logger *slog.Logger) *Manager {
	return &Manager{
		Root:    root,
		Entries: DefaultEntries(packageDir),
		LogFile: logFile,
		Runner:  runner,
		Logger:  logger,
	}
}

func (m *Manager) logger() *slog.Logger {
	return logging.Ensure(m.Logger).With("component", "mounts")
}

func (m *Manager) procRoot() string {
	if m.ProcRoot != "" {
		return m.ProcRoot
	}
	return procfs.DefaultMountPoint
}

// TargetPath returns the absolute mount point of entry.
func (m *Manager) TargetPath(entry MountEntry) string {
	return filepath.Join(m.Root, entry.Target)
}

// IsMounted reports whether path, with symlinks resolved, is a mount target
// in the live mount table. Bind mounts of a directory onto itself are found,
// which a device-number comparison would miss.
func (m *Manager) IsMounted(path string) (bool, error) {
	targets, err := readMountTargets(m.procRoot())
	if err != nil {
		return false, err
	}
	_, ok := targets[canonical(path)]
	return ok, nil
}

// Status reports whether any and whether all entries are mounted.
func (m *Manager) Status() (anyMounted, allMounted bool, err error) {
	targets, err := readMountTargets(m.procRoot())
	if err != nil {
		return false, false, err
	}
	allMounted = len(m.Entries) > 0
	for _, entry := range m.Entries {
		if _, ok := targets[canonical(m.TargetPath(entry))]; ok {
			anyMounted = true
		} else {
			allMounted = false
		}
	}
	return anyMounted, allMounted, nil
}

// MountAll mounts every entry in order, first unmounting whatever is
// already mounted.
func (m *Manager) MountAll(ctx context.Context) error {
	anyMounted, _, err := m.Status()
	if err != nil {
		return err
	}
	if anyMounted {
		if err := m.UnmountAll(ctx); err != nil {
			return err
		}
	}

	for _, entry := range m.Entries {
		target := m.TargetPath(entry)
		if entry.Kind == MountBindFrom {
			if err := os.MkdirAll(entry.Source, 0o755); err != nil {
				return fmt.Errorf("create mount source %s: %w", entry.Source, err)
			}
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create mount target %s: %w", target, err)
		}

		var args []string
		switch entry.Kind {
		case MountBind:
			args = []string{"mount", "--bind", "/" + entry.Target, target}
		case MountBindFrom:
			args = []string{"mount", "--bind", entry.Source, target}
		case MountVirtual:
			args = []string{"mount", "-t", entry.FSType, entry.Source, target}
		default:
			return fmt.Errorf("unsupported mount kind %d for %s", entry.Kind, entry.Target)
		}

		m.logger().Debug("mounting", "kind", entry.Kind, "target", target)
		if _, err := m.Runner.Run(ctx, process.Command{Args: args, Timeout: mountTimeout, LogFile: m.LogFile}); err != nil {
			return fmt.Errorf("mount %s: %w", target, err)
		}
	}
	return nil
}

// UnmountAll force-unmounts every mounted entry in reverse order. Entries
// that are not mounted are skipped. Without BestEffort the first failure
// stops the walk.
func (m *Manager) UnmountAll(ctx context.Context) error {
	var failures []error
	for i := len(m.Entries) - 1; i >= 0; i-- {
		target := m.TargetPath(m.Entries[i])
		mounted, err := m.IsMounted(target)
		if err != nil {
			if !m.BestEffort {
				return err
			}
			failures = append(failures, err)
			continue
		}
		if !mounted {
			continue
		}
		m.logger().Debug("unmounting", "target", target)
		command := process.Command{
			Args:    []string{"umount", "--force", target},
			Timeout: mountTimeout,
			LogFile: m.LogFile,
			FailOK:  m.BestEffort,
		}
		result, err := m.Runner.Run(ctx, command)
		if err == nil && result.Failed() {
			err = &process.ExitError{Command: command.String(), Result: result}
		}
		if err == nil {
			continue
		}
		err = fmt.Errorf("unmount %s: %w", target, err)
		if !m.BestEffort {
			return err
		}
		m.logger().Warn("unmount failed, continuing", "target", target, "error", err)
		failures = append(failures, err)
	}
	return errors.Join(failures...)
}

// canonical resolves symlinks where the path exists and otherwise returns
// the cleaned absolute path.
func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// readMountTargets collects the mount points of the calling process from
// procRoot/self/mountinfo.
func readMountTargets(procRoot string) (map[string]struct{}, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc filesystem %s: %w", procRoot, err)
	}
	self, err := fs.Self()
	if err != nil {
		return nil, fmt.Errorf("find own process in %s: %w", procRoot, err)
	}
	infos, err := self.MountInfo()
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}

	targets := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		targets[unescapeMountField(info.MountPoint)] = struct{}{}
	}
	return targets, nil
}

// unescapeMountField decodes the octal escapes the kernel uses for spaces,
// tabs, newlines and backslashes in mount paths. procfs hands the mount
// point over as written in the table.
func unescapeMountField(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}
	var b strings.Builder
	for i := 0; i < len(field); i++ {
		if field[i] == '\\' && i+4 <= len(field) {
			if v, err := strconv.ParseUint(field[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(field[i])
	}
	return b.String()
}
