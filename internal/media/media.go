// Package media turns a finished build root into distributable images and
// checksums them.
package media

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
)

const (
	packTimeout = 600 * time.Second
	stepTimeout = 60 * time.Second
)

// Producer builds the tarball, ISO and netboot images of one namespace.
type Producer struct {
	// Name is the default image name, usually the namespace name.
	Name string

	LibDir     string
	WorkDir    string
	TmpDir     string
	Root       string
	KernelRoot string
	LogFile    string

	Runner process.Executor
	Logger *slog.Logger

	// Now dates the image names. Defaults to time.Now.
	Now func() time.Time
}

func (p *Producer) logger() *slog.Logger {
	return logging.Ensure(p.Logger).With("component", "media")
}

func (p *Producer) today() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// imageName picks the alternate name when one is given.
func (p *Producer) imageName(altName string) (string, error) {
	name := strings.TrimSpace(altName)
	if name == "" {
		name = p.Name
	}
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("invalid image name %q", name)
	}
	return name, nil
}

// outputDir is the directory holding the build root, where tarballs and
// ISOs are written.
func (p *Producer) outputDir() string {
	return filepath.Dir(filepath.Clean(p.Root))
}
