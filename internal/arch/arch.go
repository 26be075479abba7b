package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is a machine name as reported by uname -m.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	I686    Architecture = "i686"
	AArch64 Architecture = "aarch64"
	ARMV7L  Architecture = "armv7l"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
	MIPS    Architecture = "mips"
	MIPSEL  Architecture = "mipsel"
	MIPS64  Architecture = "mips64"
)

// keywords maps machine names to Gentoo keywords, which name the release
// directories on the distfiles mirrors.
var keywords = map[Architecture]string{
	X86_64:  "amd64",
	I686:    "x86",
	AArch64: "arm64",
	ARMV7L:  "arm",
	PPC64LE: "ppc",
	S390X:   "s390",
	MIPS:    "mips",
	MIPSEL:  "mips",
	MIPS64:  "mips",
}

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		I686,
		AArch64,
		ARMV7L,
		PPC64LE,
		S390X,
		MIPS,
		MIPSEL,
		MIPS64,
	}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	_, ok := keywords[a]
	return ok
}

func (a Architecture) String() string {
	return string(a)
}

// Keyword returns the Gentoo keyword for a, or "" when a is unsupported.
func (a Architecture) Keyword() string {
	return keywords[a]
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Host returns the architecture the binary was compiled for.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

// Normalize maps machine names, Go architecture names and Gentoo keywords
// onto a canonical Architecture. Returns "" when the string is unknown.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case "x86", "i386", "i486", "i586", string(I686), "386":
		return I686
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMV7L), "arm", "armv7", "armhf":
		return ARMV7L
	case string(PPC64LE), "ppc64", "ppc64el", "ppc":
		return PPC64LE
	case string(S390X), "s390":
		return S390X
	case string(MIPS64), "mips64el", "mips64le":
		return MIPS64
	case string(MIPS):
		return MIPS
	case string(MIPSEL), "mipsle":
		return MIPSEL
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
