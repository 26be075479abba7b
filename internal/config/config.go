// Package config loads the build namespaces from /etc/grs/systems.yaml.
//
// A Config is built once at process start and is read-only afterwards: it has
// no setters and every accessor hands out copies.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/grs/internal/arch"
)

// DefaultPath is where the namespace list is read from.
const DefaultPath = "/etc/grs/systems.yaml"

// BuildScriptName is the build script's file name inside a namespace libdir.
const BuildScriptName = "build"

// Namespace is one named build configuration.
type Namespace struct {
	Name              string
	Nameserver        string
	RepoURI           string
	StageURI          string
	LibDir            string
	LogFile           string
	TmpDir            string
	WorkDir           string
	Package           string
	KernelRoot        string
	PortageConfigRoot string
	PIDFile           string

	// NetNS names a network namespace scripts are run in. Empty means the
	// host namespace.
	NetNS string
}

// ScriptPath returns the namespace's build script.
func (n Namespace) ScriptPath() string {
	return filepath.Join(n.LibDir, BuildScriptName)
}

// Config is the ordered list of namespaces. The run position of a namespace
// is its index in Names.
type Config struct {
	namespaces []Namespace
}

// Len returns the number of namespaces.
func (c *Config) Len() int {
	return len(c.namespaces)
}

// Names returns the namespace names in file order.
func (c *Config) Names() []string {
	names := make([]string, len(c.namespaces))
	for i, ns := range c.namespaces {
		names[i] = ns.Name
	}
	return names
}

// At returns the namespace at run position i.
func (c *Config) At(i int) (Namespace, error) {
	if i < 0 || i >= len(c.namespaces) {
		return Namespace{}, fmt.Errorf("run position %d out of range [0, %d)", i, len(c.namespaces))
	}
	return c.namespaces[i], nil
}

// Index returns the run position of name, or -1.
func (c *Config) Index(name string) int {
	for i, ns := range c.namespaces {
		if ns.Name == name {
			return i
		}
	}
	return -1
}

// Lookup returns the namespace called name.
func (c *Config) Lookup(name string) (Namespace, bool) {
	if i := c.Index(name); i >= 0 {
		return c.namespaces[i], true
	}
	return Namespace{}, false
}

// Select resolves names to namespaces, preserving the order given. No names
// selects every namespace.
func (c *Config) Select(names ...string) ([]Namespace, error) {
	if len(names) == 0 {
		out := make([]Namespace, len(c.namespaces))
		copy(out, c.namespaces)
		return out, nil
	}
	out := make([]Namespace, 0, len(names))
	for _, name := range names {
		ns, ok := c.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown namespace %q", name)
		}
		out = append(out, ns)
	}
	return out, nil
}

// ValidationError reports an unusable namespace definition.
type ValidationError struct {
	Namespace string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for %s: %s %s", e.Namespace, e.Field, e.Reason)
}

// Fields is the shape shared by the defaults block and a system entry.
type Fields struct {
	Nameserver        string `yaml:"nameserver,omitempty"`
	RepoURI           string `yaml:"repo_uri,omitempty"`
	StageURI          string `yaml:"stage_uri,omitempty"`
	LibDir            string `yaml:"libdir,omitempty"`
	LogFile           string `yaml:"logfile,omitempty"`
	TmpDir            string `yaml:"tmpdir,omitempty"`
	WorkDir           string `yaml:"workdir,omitempty"`
	Package           string `yaml:"package,omitempty"`
	KernelRoot        string `yaml:"kernelroot,omitempty"`
	PortageConfigRoot string `yaml:"portage_configroot,omitempty"`
	PIDFile           string `yaml:"pidfile,omitempty"`
	NetNS             string `yaml:"netns,omitempty"`
}

type systemEntry struct {
	Name   string `yaml:"name"`
	Fields `yaml:",inline"`
}

type file struct {
	Defaults Fields        `yaml:"defaults,omitempty"`
	Systems  []systemEntry `yaml:"systems"`
}

// Defaults returns the templates applied to unset fields. "%s" is replaced by
// the namespace name.
func Defaults() Fields {
	return Fields{
		Nameserver:        "8.8.8.8",
		RepoURI:           "https://anongit.gentoo.org/git/proj/grs.git",
		StageURI:          DefaultStageURI(arch.Host()),
		LibDir:            "/var/lib/grs/%s",
		LogFile:           "/var/log/grs/%s.log",
		TmpDir:            "/var/tmp/grs/%s",
		WorkDir:           "/var/tmp/grs/%s/work",
		Package:           "/var/tmp/grs/%s/packages",
		KernelRoot:        "/var/tmp/grs/%s/kernel",
		PortageConfigRoot: "/var/tmp/grs/%s/system",
		PIDFile:           "/run/grs-%s.pid",
	}
}

// DefaultStageURI points at the hardened stage3 of the given architecture.
func DefaultStageURI(a arch.Architecture) string {
	keyword := a.Keyword()
	if keyword == "" {
		keyword = "amd64"
	}
	return fmt.Sprintf(
		"https://distfiles.gentoo.org/releases/%[1]s/autobuilds/current-stage3-%[1]s-hardened-openrc/stage3-%[1]s-hardened-openrc.tar.xz",
		keyword,
	)
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration %s: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("load configuration %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var doc file
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}

	templates := merge(doc.Defaults, Defaults())
	cfg := &Config{namespaces: make([]Namespace, 0, len(doc.Systems))}
	seen := make(map[string]bool, len(doc.Systems))

	for _, entry := range doc.Systems {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
		}
		if strings.ContainsAny(name, "/ \t") {
			return nil, &ValidationError{Namespace: name, Field: "name", Reason: "must not contain slashes or whitespace"}
		}
		if seen[name] {
			return nil, &ValidationError{Namespace: name, Field: "name", Reason: "is defined more than once"}
		}
		seen[name] = true

		ns := resolve(name, merge(entry.Fields, templates))
		if err := validate(ns); err != nil {
			return nil, err
		}
		cfg.namespaces = append(cfg.namespaces, ns)
	}

	if len(cfg.namespaces) == 0 {
		return nil, &ValidationError{Field: "systems", Reason: "must list at least one namespace"}
	}
	return cfg, nil
}

// merge fills the empty fields of primary from fallback.
func merge(primary, fallback Fields) Fields {
	pick := func(a, b string) string {
		if strings.TrimSpace(a) != "" {
			return a
		}
		return b
	}
	return Fields{
		Nameserver:        pick(primary.Nameserver, fallback.Nameserver),
		RepoURI:           pick(primary.RepoURI, fallback.RepoURI),
		StageURI:          pick(primary.StageURI, fallback.StageURI),
		LibDir:            pick(primary.LibDir, fallback.LibDir),
		LogFile:           pick(primary.LogFile, fallback.LogFile),
		TmpDir:            pick(primary.TmpDir, fallback.TmpDir),
		WorkDir:           pick(primary.WorkDir, fallback.WorkDir),
		Package:           pick(primary.Package, fallback.Package),
		KernelRoot:        pick(primary.KernelRoot, fallback.KernelRoot),
		PortageConfigRoot: pick(primary.PortageConfigRoot, fallback.PortageConfigRoot),
		PIDFile:           pick(primary.PIDFile, fallback.PIDFile),
		NetNS:             pick(primary.NetNS, fallback.NetNS),
	}
}

func resolve(name string, f Fields) Namespace {
	expand := func(v string) string {
		return strings.ReplaceAll(strings.TrimSpace(v), "%s", name)
	}
	return Namespace{
		Name:              name,
		Nameserver:        expand(f.Nameserver),
		RepoURI:           expand(f.RepoURI),
		StageURI:          expand(f.StageURI),
		LibDir:            filepath.Clean(expand(f.LibDir)),
		LogFile:           filepath.Clean(expand(f.LogFile)),
		TmpDir:            filepath.Clean(expand(f.TmpDir)),
		WorkDir:           filepath.Clean(expand(f.WorkDir)),
		Package:           filepath.Clean(expand(f.Package)),
		KernelRoot:        filepath.Clean(expand(f.KernelRoot)),
		PortageConfigRoot: filepath.Clean(expand(f.PortageConfigRoot)),
		PIDFile:           filepath.Clean(expand(f.PIDFile)),
		NetNS:             expand(f.NetNS),
	}
}

func validate(ns Namespace) error {
	paths := []struct {
		field string
		value string
	}{
		{"libdir", ns.LibDir},
		{"logfile", ns.LogFile},
		{"tmpdir", ns.TmpDir},
		{"workdir", ns.WorkDir},
		{"package", ns.Package},
		{"kernelroot", ns.KernelRoot},
		{"portage_configroot", ns.PortageConfigRoot},
		{"pidfile", ns.PIDFile},
	}
	for _, p := range paths {
		if !filepath.IsAbs(p.value) {
			return &ValidationError{Namespace: ns.Name, Field: p.field, Reason: fmt.Sprintf("must be an absolute path, got %q", p.value)}
		}
	}
	if ns.PortageConfigRoot == "/" {
		return &ValidationError{Namespace: ns.Name, Field: "portage_configroot", Reason: "must not be the host root"}
	}
	if ns.RepoURI == "" {
		return &ValidationError{Namespace: ns.Name, Field: "repo_uri", Reason: "must not be empty"}
	}
	if ns.StageURI == "" {
		return &ValidationError{Namespace: ns.Name, Field: "stage_uri", Reason: "must not be empty"}
	}
	return nil
}
