package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"

	"github.com/cochaviz/grs/internal/artifacts"
	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
	"github.com/cochaviz/grs/internal/rotate"
)

const unpackTimeout = 120 * time.Second

// Seeder replaces the build root with a freshly unpacked stage tarball.
type Seeder struct {
	StageURI   string
	TmpDir     string
	Root       string
	Package    string
	LogFile    string
	UpperLimit int

	Runner process.Executor
	Client *http.Client
	// Network, when set, must report a default route before a stage is
	// downloaded. Cached and file:// stages are not checked.
	Network RouteFinder
	Logger  *slog.Logger
}

// RouteFinder reports the default route of the host.
type RouteFinder interface {
	DefaultRoute() (Route, error)
}

func (s *Seeder) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "seed")
}

// StagePath is where the stage tarball is cached.
func (s *Seeder) StagePath() (string, error) {
	name, err := artifacts.BaseNameFromURI(s.StageURI)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.TmpDir, name), nil
}

// Seed rotates the old root and package directory away, fetches the stage
// tarball unless it is cached and unpacks it into an empty root.
func (s *Seeder) Seed(ctx context.Context) error {
	stage, err := s.StagePath()
	if err != nil {
		return err
	}
	cached := true
	if _, err := os.Stat(stage); errors.Is(err, os.ErrNotExist) {
		cached = false
	} else if err != nil {
		return fmt.Errorf("stat stage %s: %w", stage, err)
	}
	// Fail before the old root is rotated away.
	if !cached && s.Network != nil && !strings.HasPrefix(s.StageURI, "file:") {
		if _, err := s.Network.DefaultRoute(); err != nil {
			return fmt.Errorf("download stage %s: %w", s.StageURI, err)
		}
	}

	limit := s.UpperLimit
	if limit <= 0 {
		limit = rotate.DefaultUpperLimit
	}
	for _, dir := range []string{s.Root, s.Package} {
		if err := rotate.FullRotate(dir, limit); err != nil {
			return fmt.Errorf("rotate %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if !cached {
		if err := s.download(ctx, stage); err != nil {
			return err
		}
	}

	unpack := process.Command{
		Args:    []string{"tar", "--xattrs", "-xf", stage, "-C", s.Root},
		Timeout: unpackTimeout,
		LogFile: s.LogFile,
	}
	s.logger().Info("unpacking stage", "stage", stage, "root", s.Root)
	if _, err := s.Runner.Run(ctx, unpack); err != nil {
		return fmt.Errorf("unpack stage: %w", err)
	}
	return nil
}

// download stores the stage at dest. A partial download never appears
// under dest.
func (s *Seeder) download(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}

	src, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := renameio.TempFile("", dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Cleanup()

	s.logger().Info("downloading stage", "uri", s.StageURI, "dest", dest)
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("download %s: %w", s.StageURI, err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("store %s: %w", dest, err)
	}
	return nil
}

func (s *Seeder) open(ctx context.Context) (io.ReadCloser, error) {
	if strings.HasPrefix(s.StageURI, "file:") {
		path, err := artifacts.PathFromURI(s.StageURI)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open stage: %w", err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.StageURI, nil)
	if err != nil {
		return nil, fmt.Errorf("build stage request: %w", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.StageURI, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", s.StageURI, resp.Status)
	}
	return resp.Body, nil
}
