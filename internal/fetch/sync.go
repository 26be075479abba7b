// Package fetch brings a namespace's inputs onto the host: the git
// repository holding its build script and core files, and the stage
// tarball its root is seeded from.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
)

const gitTimeout = 60 * time.Second

// Synchronizer keeps the namespace libdir a clean checkout of the branch
// named after the namespace.
type Synchronizer struct {
	RepoURI string
	Branch  string
	LibDir  string
	LogFile string

	Runner process.Executor
	Logger *slog.Logger
}

// Sync clones the repository, or resets, cleans and pulls an existing
// clone, then checks out the branch.
func (s *Synchronizer) Sync(ctx context.Context) error {
	logger := logging.Ensure(s.Logger).With("component", "sync", "repo", s.RepoURI)

	var steps [][]string
	if isGitDir(s.LibDir) {
		logger.Info("updating repository", "libdir", s.LibDir)
		steps = [][]string{
			{"git", "-C", s.LibDir, "reset", "HEAD", "--hard"},
			{"git", "-C", s.LibDir, "clean", "-f", "-x", "-d"},
			{"git", "-C", s.LibDir, "pull"},
		}
	} else {
		logger.Info("cloning repository", "libdir", s.LibDir)
		if err := os.MkdirAll(filepath.Dir(s.LibDir), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(s.LibDir), err)
		}
		steps = [][]string{{"git", "clone", s.RepoURI, s.LibDir}}
	}
	steps = append(steps, []string{"git", "-C", s.LibDir, "checkout", s.Branch})

	for _, args := range steps {
		if _, err := s.Runner.Run(ctx, process.Command{Args: args, Timeout: gitTimeout, LogFile: s.LogFile}); err != nil {
			return fmt.Errorf("sync repository: %w", err)
		}
	}
	return nil
}

// isGitDir treats a directory with .git/config as a clone.
func isGitDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	if err != nil || !info.IsDir() {
		return false
	}
	info, err = os.Stat(filepath.Join(dir, ".git", "config"))
	return err == nil && info.Mode().IsRegular()
}
