package chroot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/rotate"
)

// Mounter is the part of Manager that pivoting depends on.
type Mounter interface {
	Status() (anyMounted, allMounted bool, err error)
	MountAll(ctx context.Context) error
	UnmountAll(ctx context.Context) error
}

// Pivoter promotes a directory inside the build root to be the build root.
type Pivoter struct {
	Root       string
	UpperLimit int
	Mounts     Mounter
	Logger     *slog.Logger
}

// Pivot rotates Root to Root.0 and moves Root.0/subchroot to Root. Mounts
// are restored afterwards only if every entry was mounted before; a
// partially mounted root stays unmounted.
func (p *Pivoter) Pivot(ctx context.Context, subchroot string) error {
	inner, err := cleanRelative(subchroot)
	if err != nil {
		return err
	}

	anyMounted, allMounted, err := p.Mounts.Status()
	if err != nil {
		return err
	}
	if anyMounted {
		if err := p.Mounts.UnmountAll(ctx); err != nil {
			return err
		}
	}

	limit := p.UpperLimit
	if limit <= 0 {
		limit = rotate.DefaultUpperLimit
	}
	if err := rotate.FullRotate(p.Root, limit); err != nil {
		return fmt.Errorf("rotate build root: %w", err)
	}

	source := filepath.Join(rotate.Numbered(p.Root, 0), inner)
	if err := os.Rename(source, p.Root); err != nil {
		return fmt.Errorf("promote %s: %w", source, err)
	}
	logging.Ensure(p.Logger).Info("pivoted build root", "root", p.Root, "from", source, "remount", allMounted)

	if allMounted {
		return p.Mounts.MountAll(ctx)
	}
	return nil
}

func cleanRelative(name string) (string, error) {
	name = strings.TrimSpace(name)
	cleaned := filepath.Clean(name)
	if name == "" || cleaned == "." || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid directory %q: must be relative to the build root", name)
	}
	return cleaned, nil
}
