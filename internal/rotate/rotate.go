// Package rotate shifts numbered siblings of a file or directory out of the
// way: name.0 becomes name.1 and so on. Gaps in the numbering are preserved
// and anything at or beyond the upper limit is removed.
package rotate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultUpperLimit is the number of generations kept for logs and roots.
const DefaultUpperLimit = 20

// Rotate renames every path.N to path.N+1, processing the highest N first.
// Entries with N >= upperLimit are deleted instead. The bare path is left
// untouched.
func Rotate(path string, upperLimit int) error {
	found, err := siblings(path)
	if err != nil {
		return err
	}

	indices := make([]int, 0, len(found))
	for n := range found {
		indices = append(indices, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indices)))
	for _, n := range indices {
		current := found[n]
		if n >= upperLimit {
			if err := os.RemoveAll(current); err != nil {
				return fmt.Errorf("remove %s: %w", current, err)
			}
			continue
		}
		next := Numbered(path, n+1)
		if err := os.Rename(current, next); err != nil {
			return fmt.Errorf("rotate %s: %w", current, err)
		}
	}
	return nil
}

// FullRotate rotates the numbered siblings and then moves the bare path to
// path.0. The order matters: moving the bare path first would collide with
// an existing path.0.
func FullRotate(path string, upperLimit int) error {
	if err := Rotate(path, upperLimit); err != nil {
		return err
	}
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.Rename(path, Numbered(path, 0)); err != nil {
		return fmt.Errorf("rotate %s: %w", path, err)
	}
	return nil
}

// Numbered returns path with a numeric generation suffix.
func Numbered(path string, n int) string {
	return path + "." + strconv.Itoa(n)
}

// Generations lists the numeric suffixes currently present next to path in
// ascending order.
func Generations(path string) ([]int, error) {
	found, err := siblings(path)
	if err != nil {
		return nil, err
	}
	indices := make([]int, 0, len(found))
	for n := range found {
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}

// siblings maps each numeric suffix next to path to the sibling's full name.
func siblings(path string) (map[int]string, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	prefix := base + "."
	found := make(map[int]string)
	for _, entry := range entries {
		suffix, ok := strings.CutPrefix(entry.Name(), prefix)
		if !ok || !isDigits(suffix) {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if _, dup := found[n]; !dup {
			found[n] = filepath.Join(dir, entry.Name())
		}
	}
	return found, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
