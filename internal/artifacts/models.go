package artifacts

import (
	"fmt"
	"path/filepath"
	"time"
)

// MediumKind is the type of image a build produced.
type MediumKind string

const (
	TarballMedium MediumKind = "tarball" // Compressed archive of the build root
	ISOMedium     MediumKind = "iso"     // ISO9660 image with a squashfs root
	NetbootMedium MediumKind = "netboot" // Initramfs carrying the squashed root
)

// DateLayout stamps artifact names with the build day.
const DateLayout = "20060102"

// Medium is a produced image and where it lives.
type Medium struct {
	Kind MediumKind
	Name string
	Dir  string
}

// Path returns the medium file.
func (m Medium) Path() string {
	return filepath.Join(m.Dir, m.Name)
}

// DigestPath returns the checksum file that accompanies the medium.
func (m Medium) DigestPath() string {
	return m.Path() + ".DIGESTS"
}

func (m Medium) String() string {
	return fmt.Sprintf("%s %s", m.Kind, m.Path())
}

// TarballName returns <name>-YYYYMMDD.tar.xz.
func TarballName(name string, at time.Time) string {
	return fmt.Sprintf("%s-%s.tar.xz", name, at.Format(DateLayout))
}

// ISOName returns <name>-YYYYMMDD.iso.
func ISOName(name string, at time.Time) string {
	return fmt.Sprintf("%s-%s.iso", name, at.Format(DateLayout))
}

// InitramfsName returns initramfs-<name>-YYYYMMDD.
func InitramfsName(name string, at time.Time) string {
	return fmt.Sprintf("initramfs-%s-%s", name, at.Format(DateLayout))
}

// KernelName returns kernel-<name>-YYYYMMDD.
func KernelName(name string, at time.Time) string {
	return fmt.Sprintf("kernel-%s-%s", name, at.Format(DateLayout))
}

// KernelImageName returns the name of the packaged kernel for a version.
func KernelImageName(version string) string {
	return fmt.Sprintf("linux-image-%s.tar.xz", version)
}
