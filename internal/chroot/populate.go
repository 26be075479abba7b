package chroot

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/renameio"

	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
)

// DefaultCycle selects the highest cycle present.
const DefaultCycle = -1

const rsyncTimeout = 60 * time.Second

var cyclePattern = regexp.MustCompile(`^(.+)\.CYCLE\.(\d+)$`)

// Populator copies the core files of a namespace into its build root.
type Populator struct {
	LibDir     string
	WorkDir    string
	Root       string
	Nameserver string
	LogFile    string
	Runner     process.Executor
	Logger     *slog.Logger
}

// Populate stages libdir/core in the work directory, selects a cycle
// variant of every cycled file and syncs the result into the root. A cycle
// of 0 leaves cycled files untouched.
func (p *Populator) Populate(ctx context.Context, cycle int) error {
	if err := os.MkdirAll(p.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}

	stage := process.Command{
		Args:    []string{"rsync", "-av", "--delete", "--exclude=.git*", filepath.Join(p.LibDir, "core") + "/", p.WorkDir},
		Timeout: rsyncTimeout,
		LogFile: p.LogFile,
	}
	if _, err := p.Runner.Run(ctx, stage); err != nil {
		return fmt.Errorf("stage core files: %w", err)
	}

	if cycle != 0 {
		chosen, err := SelectCycle(p.WorkDir, cycle)
		if err != nil {
			return err
		}
		logging.Ensure(p.Logger).Info("selected cycle", "requested", cycle, "chosen", chosen)
	}

	install := process.Command{
		Args:    []string{"rsync", "-av", p.WorkDir + "/", p.Root},
		Timeout: rsyncTimeout,
		LogFile: p.LogFile,
	}
	if _, err := p.Runner.Run(ctx, install); err != nil {
		return fmt.Errorf("install core files: %w", err)
	}

	etc := filepath.Join(p.Root, "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", etc, err)
	}
	resolv := []byte(fmt.Sprintf("nameserver %s\n", p.Nameserver))
	if err := renameio.WriteFile(filepath.Join(etc, "resolv.conf"), resolv, 0o644); err != nil {
		return fmt.Errorf("write resolv.conf: %w", err)
	}
	return nil
}

type cycledFile struct {
	path   string
	target string
}

// SelectCycle resolves every <name>.CYCLE.<N> file under dir. The variant
// of the chosen cycle is renamed to <name> and all other variants are
// removed. A negative cycle chooses the highest N found. It returns the
// chosen cycle, or -1 when dir holds no cycled files.
func SelectCycle(dir string, cycle int) (int, error) {
	cycled := make(map[int][]cycledFile)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		match := cyclePattern.FindStringSubmatch(d.Name())
		if match == nil {
			return nil
		}
		n, err := strconv.Atoi(match[2])
		if err != nil {
			return nil
		}
		cycled[n] = append(cycled[n], cycledFile{path: path, target: filepath.Join(filepath.Dir(path), match[1])})
		return nil
	})
	if err != nil {
		return -1, fmt.Errorf("scan %s for cycled files: %w", dir, err)
	}
	if len(cycled) == 0 {
		return -1, nil
	}

	numbers := make([]int, 0, len(cycled))
	for n := range cycled {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	chosen := cycle
	if chosen < 0 {
		chosen = numbers[len(numbers)-1]
	}

	for _, n := range numbers {
		for _, f := range cycled[n] {
			if n == chosen {
				if err := os.Rename(f.path, f.target); err != nil {
					return -1, fmt.Errorf("select %s: %w", f.path, err)
				}
				continue
			}
			if err := os.Remove(f.path); err != nil {
				return -1, fmt.Errorf("remove %s: %w", f.path, err)
			}
		}
	}
	return chosen, nil
}
