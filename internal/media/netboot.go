package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"

	"github.com/cochaviz/grs/internal/artifacts"
	"github.com/cochaviz/grs/internal/process"
)

// NetbootIt builds a netboot pair in the temp directory: the root's kernel
// as kernel-<name>-YYYYMMDD and an initramfs-<name>-YYYYMMDD that carries
// the squashed root under mnt/cdrom. The root's own initramfs is the base
// the new one is assembled from.
func (p *Producer) NetbootIt(ctx context.Context, altName string) (artifacts.Medium, error) {
	name, err := p.imageName(altName)
	if err != nil {
		return artifacts.Medium{}, err
	}
	today := p.today()
	medium := artifacts.Medium{
		Kind: artifacts.NetbootMedium,
		Name: artifacts.InitramfsName(name, today),
		Dir:  p.TmpDir,
	}

	if err := os.MkdirAll(p.TmpDir, 0o755); err != nil {
		return artifacts.Medium{}, fmt.Errorf("create temp directory: %w", err)
	}
	kernel := filepath.Join(p.TmpDir, artifacts.KernelName(name, today))
	if err := copyFile(filepath.Join(p.Root, "boot", "kernel"), kernel, 0o644); err != nil {
		return artifacts.Medium{}, err
	}

	initramfsRoot := filepath.Join(p.KernelRoot, "initramfs")
	if err := os.RemoveAll(initramfsRoot); err != nil {
		return artifacts.Medium{}, fmt.Errorf("clear initramfs root: %w", err)
	}
	if err := os.MkdirAll(initramfsRoot, 0o755); err != nil {
		return artifacts.Medium{}, fmt.Errorf("create initramfs root: %w", err)
	}

	if err := p.unpackInitramfs(ctx, filepath.Join(p.Root, "boot", "initramfs"), initramfsRoot); err != nil {
		return artifacts.Medium{}, err
	}

	squashDir := filepath.Join(initramfsRoot, "mnt", "cdrom")
	if err := os.RemoveAll(squashDir); err != nil {
		return artifacts.Medium{}, fmt.Errorf("clear %s: %w", squashDir, err)
	}
	if err := os.MkdirAll(squashDir, 0o755); err != nil {
		return artifacts.Medium{}, fmt.Errorf("create %s: %w", squashDir, err)
	}
	squash := process.Command{
		Args:    []string{"mksquashfs", p.Root, filepath.Join(squashDir, "image.squashfs"), "-xattrs", "-comp", "xz"},
		Timeout: process.NoTimeout,
		LogFile: p.LogFile,
	}
	if _, err := p.Runner.Run(ctx, squash); err != nil {
		return artifacts.Medium{}, fmt.Errorf("squash build root: %w", err)
	}

	if err := copyFile(filepath.Join(p.LibDir, "scripts", "init"), filepath.Join(initramfsRoot, "init"), 0o755); err != nil {
		return artifacts.Medium{}, err
	}

	// cpio and xz read each other's streams; only a shell pipeline expresses that.
	repack := process.Command{
		Shell:   fmt.Sprintf("find . -print | cpio -H newc -o | xz -9e --check=none -z -f > %s", shellQuote(medium.Path())),
		Dir:     initramfsRoot,
		Timeout: packTimeout,
		LogFile: p.LogFile,
	}
	p.logger().Info("packing initramfs", "path", medium.Path())
	if _, err := p.Runner.Run(ctx, repack); err != nil {
		return artifacts.Medium{}, fmt.Errorf("pack initramfs: %w", err)
	}
	return medium, nil
}

// unpackInitramfs decompresses an xz initramfs and extracts it into dir.
func (p *Producer) unpackInitramfs(ctx context.Context, archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open initramfs: %w", err)
	}
	defer f.Close()

	stream, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("read initramfs %s: %w", archive, err)
	}

	extract := process.Command{
		Args:    []string{"cpio", "-idv"},
		Dir:     dir,
		Stdin:   stream,
		Timeout: packTimeout,
		LogFile: p.LogFile,
	}
	if _, err := p.Runner.Run(ctx, extract); err != nil {
		return fmt.Errorf("extract initramfs: %w", err)
	}
	return nil
}

func shellQuote(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, `'\''`...)
			continue
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
