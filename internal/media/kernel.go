package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/cochaviz/grs/internal/artifacts"
	"github.com/cochaviz/grs/internal/logging"
	"github.com/cochaviz/grs/internal/process"
)

// DefaultKernelConfig is the kernel configuration under libdir/scripts.
const DefaultKernelConfig = "kernel-config"

var (
	configVersionLine = regexp.MustCompile(`^#\s+(\S+)\s+(\S+).+$`)
	revisedVersion    = regexp.MustCompile(`^(\S+?)-(\S+?)-(\S+)$`)
	flavoredVersion   = regexp.MustCompile(`^(\S+?)-(\S+)$`)
)

// KernelBuilder compiles a kernel outside the build root, installs it into
// the root and packages it for binary reuse.
type KernelBuilder struct {
	LibDir     string
	Root       string
	KernelRoot string
	Package    string
	LogFile    string

	Runner process.Executor
	Logger *slog.Logger
}

// KernelRelease describes the kernel a configuration was written for.
type KernelRelease struct {
	// Version is the Gentoo kernel version, e.g. 6.6.30-gentoo-r1.
	Version string
	// Atom is the exact sources package, e.g. =sys-kernel/gentoo-sources-6.6.30-r1.
	Atom string
}

// ParseKernelConfig reads the release from the third line of a kernel
// .config, which make writes as "# Linux/<arch> <version> Kernel Configuration".
func ParseKernelConfig(path string) (KernelRelease, error) {
	f, err := os.Open(path)
	if err != nil {
		return KernelRelease{}, fmt.Errorf("open kernel config: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var line string
	for i := 0; i < 3; i++ {
		if !scanner.Scan() {
			return KernelRelease{}, fmt.Errorf("kernel config %s: too short", path)
		}
		line = scanner.Text()
	}

	match := configVersionLine.FindStringSubmatch(line)
	if match == nil {
		return KernelRelease{}, fmt.Errorf("kernel config %s: no version on line 3", path)
	}
	version := match[2]

	var pkg string
	if m := revisedVersion.FindStringSubmatch(version); m != nil {
		pkg = fmt.Sprintf("%s-sources-%s-%s", m[2], m[1], m[3])
	} else if m := flavoredVersion.FindStringSubmatch(version); m != nil {
		pkg = fmt.Sprintf("%s-sources-%s", m[2], m[1])
	} else {
		return KernelRelease{}, fmt.Errorf("kernel config %s: version %q has no flavor", path, version)
	}
	return KernelRelease{Version: version, Atom: "=sys-kernel/" + pkg}, nil
}

// Kernel builds the kernel described by libdir/scripts/<config>, or by the
// default config when config is empty.
func (k *KernelBuilder) Kernel(ctx context.Context, config string) error {
	if config == "" {
		config = DefaultKernelConfig
	}
	if strings.ContainsRune(config, filepath.Separator) {
		return fmt.Errorf("invalid kernel config name %q", config)
	}
	configPath := filepath.Join(k.LibDir, "scripts", config)
	release, err := ParseKernelConfig(configPath)
	if err != nil {
		return err
	}

	logger := logging.Ensure(k.Logger).With("component", "kernel", "version", release.Version)
	imageDir := filepath.Join(k.KernelRoot, release.Version)
	bootDir := filepath.Join(imageDir, "boot")

	if err := os.RemoveAll(imageDir); err != nil {
		return fmt.Errorf("clear kernel image directory: %w", err)
	}
	if err := os.MkdirAll(bootDir, 0o755); err != nil {
		return fmt.Errorf("create kernel boot directory: %w", err)
	}

	logger.Info("installing kernel sources", "atom", release.Atom)
	emerge := process.Command{
		Args:    []string{"emerge", "--nodeps", "-1n", release.Atom},
		Env:     map[string]string{"USE": "symlink", "ROOT": k.KernelRoot, "ACCEPT_KEYWORDS": "**"},
		Timeout: packTimeout,
		LogFile: k.LogFile,
	}
	if _, err := k.Runner.Run(ctx, emerge); err != nil {
		return fmt.Errorf("emerge kernel sources: %w", err)
	}

	genkernel := process.Command{
		Args: []string{
			"genkernel",
			"--logfile=/dev/null",
			"--no-save-config",
			fmt.Sprintf("--makeopts=-j%d", runtime.NumCPU()+1),
			"--no-firmware",
			"--symlink",
			"--no-mountboot",
			"--kernel-config=" + configPath,
			"--kerneldir=" + filepath.Join(k.KernelRoot, "usr", "src", "linux"),
			"--bootdir=" + bootDir,
			"--module-prefix=" + imageDir,
			"--modprobedir=" + filepath.Join(imageDir, "etc", "modprobe.d"),
			"all",
		},
		Timeout: process.NoTimeout,
		LogFile: k.LogFile,
	}
	logger.Info("building kernel")
	if _, err := k.Runner.Run(ctx, genkernel); err != nil {
		return fmt.Errorf("genkernel: %w", err)
	}

	if err := k.stripModules(ctx, filepath.Join(imageDir, "lib", "modules")); err != nil {
		return err
	}

	install := process.Command{
		Args:    []string{"rsync", "-a", imageDir + "/", k.Root},
		Timeout: stepTimeout,
		LogFile: k.LogFile,
	}
	if _, err := k.Runner.Run(ctx, install); err != nil {
		return fmt.Errorf("install kernel: %w", err)
	}

	imagesDir := filepath.Join(k.Package, "linux-images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", imagesDir, err)
	}
	tarball := filepath.Join(imagesDir, artifacts.KernelImageName(release.Version))
	if err := os.Remove(tarball); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old kernel package: %w", err)
	}
	pack := process.Command{
		Args:    []string{"tar", "-Jcf", tarball, "."},
		Dir:     imageDir,
		Timeout: packTimeout,
		LogFile: k.LogFile,
	}
	logger.Info("packaging kernel", "path", tarball)
	if _, err := k.Runner.Run(ctx, pack); err != nil {
		return fmt.Errorf("package kernel: %w", err)
	}
	return nil
}

func (k *KernelBuilder) stripModules(ctx context.Context, modulesDir string) error {
	var modules []string
	err := filepath.WalkDir(modulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".ko") {
			modules = append(modules, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("find kernel modules: %w", err)
	}
	for _, module := range modules {
		strip := process.Command{
			Args:    []string{"objcopy", "-v", "--strip-unneeded", module},
			Timeout: stepTimeout,
			LogFile: k.LogFile,
		}
		if _, err := k.Runner.Run(ctx, strip); err != nil {
			return fmt.Errorf("strip %s: %w", module, err)
		}
	}
	return nil
}
