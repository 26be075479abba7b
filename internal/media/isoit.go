package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/grs/internal/artifacts"
	"github.com/cochaviz/grs/internal/process"
)

const grubConfig = `set default=0
set timeout=5

menuentry "%s" {
	linux /boot/kernel root=/dev/ram0 init=/init loop=/rootfs looptype=squashfs cdroot
	initrd /boot/initramfs
}
`

// ISOIt squashes the build root into workdir/iso/rootfs, stages the kernel
// and initramfs next to a grub configuration and writes the tree as an
// ISO9660 image <name>-YYYYMMDD.iso beside the build root.
func (p *Producer) ISOIt(ctx context.Context, altName string) (artifacts.Medium, error) {
	name, err := p.imageName(altName)
	if err != nil {
		return artifacts.Medium{}, err
	}
	medium := artifacts.Medium{
		Kind: artifacts.ISOMedium,
		Name: artifacts.ISOName(name, p.today()),
		Dir:  p.outputDir(),
	}

	isoDir := filepath.Join(p.WorkDir, "iso")
	if err := os.RemoveAll(isoDir); err != nil {
		return artifacts.Medium{}, fmt.Errorf("clear iso staging directory: %w", err)
	}
	grubDir := filepath.Join(isoDir, "boot", "grub")
	if err := os.MkdirAll(grubDir, 0o755); err != nil {
		return artifacts.Medium{}, fmt.Errorf("create iso staging directory: %w", err)
	}

	squash := process.Command{
		Args:    []string{"mksquashfs", p.Root, filepath.Join(isoDir, "rootfs"), "-xattrs", "-comp", "xz"},
		Timeout: process.NoTimeout,
		LogFile: p.LogFile,
	}
	p.logger().Info("squashing build root", "root", p.Root)
	if _, err := p.Runner.Run(ctx, squash); err != nil {
		return artifacts.Medium{}, fmt.Errorf("squash build root: %w", err)
	}

	for _, file := range []string{"kernel", "initramfs"} {
		src := filepath.Join(p.Root, "boot", file)
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			p.logger().Warn("boot file missing from build root", "path", src)
			continue
		}
		if err := copyFile(src, filepath.Join(isoDir, "boot", file), 0o644); err != nil {
			return artifacts.Medium{}, err
		}
	}
	if err := os.WriteFile(filepath.Join(grubDir, "grub.cfg"), []byte(fmt.Sprintf(grubConfig, name)), 0o644); err != nil {
		return artifacts.Medium{}, fmt.Errorf("write grub configuration: %w", err)
	}

	p.logger().Info("writing iso image", "path", medium.Path())
	if err := writeISO(isoDir, medium.Path(), sanitizeVolumeLabel(name)); err != nil {
		return artifacts.Medium{}, err
	}
	return medium, nil
}

// writeISO replaces imagePath atomically with an image of sourceDir.
func writeISO(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage iso tree: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}
	out, err := renameio.TempFile("", imagePath)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	defer out.Cleanup()

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

// sanitizeVolumeLabel maps name onto the d-characters an ISO9660 volume
// identifier allows.
func sanitizeVolumeLabel(parts ...string) string {
	const maxLen = 32

	label := strings.Join(parts, "_")
	var b strings.Builder
	for _, r := range label {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	if b.Len() == 0 {
		return "GRS"
	}
	return b.String()
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
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
