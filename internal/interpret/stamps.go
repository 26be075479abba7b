package interpret

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const stampPrefix = ".completed_"

// Stamps are the zero-byte progress markers of one namespace. A stamp is
// only written after its step succeeded, so a restarted build resumes at
// the first step without one.
type Stamps struct {
	Dir string
}

// Sync is the stamp of the repository sync pre-step.
func (s Stamps) Sync() string { return filepath.Join(s.Dir, stampPrefix+"sync") }

// Seed is the stamp of the stage seed pre-step.
func (s Stamps) Seed() string { return filepath.Join(s.Dir, stampPrefix+"seed") }

// Line is the stamp of build script line n.
func (s Stamps) Line(n int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s%02d", stampPrefix, n))
}

// Done reports whether the stamp exists.
func (s Stamps) Done(stamp string) bool {
	_, err := os.Lstat(stamp)
	return err == nil
}

// Mark creates the stamp.
func (s Stamps) Mark(stamp string) error {
	f, err := os.OpenFile(stamp, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("write progress stamp: %w", err)
	}
	return f.Close()
}

// Progress summarises the stamps present.
type Progress struct {
	Synced bool
	Seeded bool
	Lines  []int
}

// Progress lists the stamps present, with line numbers in ascending order.
func (s Stamps) Progress() (Progress, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return Progress{}, nil
	}
	if err != nil {
		return Progress{}, fmt.Errorf("read progress stamps: %w", err)
	}

	var p Progress
	for _, entry := range entries {
		suffix, ok := strings.CutPrefix(entry.Name(), stampPrefix)
		if !ok {
			continue
		}
		switch suffix {
		case "sync":
			p.Synced = true
		case "seed":
			p.Seeded = true
		default:
			if n, err := strconv.Atoi(suffix); err == nil && n > 0 {
				p.Lines = append(p.Lines, n)
			}
		}
	}
	sort.Ints(p.Lines)
	return p, nil
}

// Clear removes every stamp so the next run starts from scratch.
func (s Stamps) Clear() (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read progress stamps: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), stampPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("remove progress stamp: %w", err)
		}
		removed++
	}
	return removed, nil
}
