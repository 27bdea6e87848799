// Package config loads the optional .extbuild YAML file and applies
// EXTBUILD_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up from the workspace upward.
const FileName = ".extbuild"

// Default values for build configuration.
const (
	DefaultTimeout   = 15 * time.Minute
	DefaultMaxOutput = 1 << 20 // 1 MB
	DefaultScript    = "pydev/setup_cython.py"
	DefaultDocsURL   = "https://www.jetbrains.com/help/pycharm/cython-speedups.html"
)

// DefaultArgs are passed to the build script when none are configured.
var DefaultArgs = []string{"build_ext", "--inplace"}

// Elevation modes.
const (
	ElevationAuto  = "auto"
	ElevationNever = "never"
)

// Config holds the parsed .extbuild configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version      int      `yaml:"version"`
	Interpreter  string   `yaml:"interpreter"`  // toolchain executable; looked up on PATH when empty
	HelpersRoot  string   `yaml:"helpers_root"` // directory containing the build script
	RawScript    string   `yaml:"script"`       // relative to helpers_root
	RawArgs      []string `yaml:"args"`
	Dir          string   `yaml:"dir"`        // working directory; inherited when empty
	RawTimeout   string   `yaml:"timeout"`    // e.g. "15m", "90s"
	RawMaxOutput int      `yaml:"max_output"` // bytes per stream
	Elevation    string   `yaml:"elevation"`  // auto | never
	Prompt       string   `yaml:"prompt"`     // elevation prompt
	Remote       bool     `yaml:"remote"`     // remote toolchains suppress the build offer
	DocsURL      string   `yaml:"docs_url"`
}

// Timeout returns the configured timeout or the default.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultTimeout
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// Script returns the build script path relative to the helpers root.
func (c *Config) Script() string {
	if c.RawScript != "" {
		return c.RawScript
	}
	return DefaultScript
}

// Args returns the build script arguments.
func (c *Config) Args() []string {
	if len(c.RawArgs) > 0 {
		return slices.Clone(c.RawArgs)
	}
	return slices.Clone(DefaultArgs)
}

// Elevate reports whether the build may fall back to elevated privileges.
func (c *Config) Elevate() bool {
	return c.Elevation != ElevationNever
}

// Docs returns the documentation link shown with the build offer.
func (c *Config) Docs() string {
	if c.DocsURL != "" {
		return c.DocsURL
	}
	return DefaultDocsURL
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Elevation {
	case "", ElevationAuto, ElevationNever:
	default:
		return fmt.Errorf("elevation must be %q or %q, got %q", ElevationAuto, ElevationNever, c.Elevation)
	}
	if c.RawTimeout != "" {
		if _, err := time.ParseDuration(c.RawTimeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", c.RawTimeout, err)
		}
	}
	return nil
}

// Envs holds the EXTBUILD_* environment overrides. Unset variables leave
// the file value untouched.
type Envs struct {
	Interpreter *string `env:"EXTBUILD_INTERPRETER"`
	HelpersRoot *string `env:"EXTBUILD_HELPERS_ROOT"`
	Timeout     *string `env:"EXTBUILD_TIMEOUT"`
	Elevation   *string `env:"EXTBUILD_ELEVATION"`
	Remote      *bool   `env:"EXTBUILD_REMOTE"`
}

// apply overlays the set environment variables onto c.
func (e *Envs) apply(c *Config) {
	if e.Interpreter != nil {
		c.Interpreter = *e.Interpreter
	}
	if e.HelpersRoot != nil {
		c.HelpersRoot = *e.HelpersRoot
	}
	if e.Timeout != nil {
		c.RawTimeout = *e.Timeout
	}
	if e.Elevation != nil {
		c.Elevation = *e.Elevation
	}
	if e.Remote != nil {
		c.Remote = *e.Remote
	}
}

// resolvePaths makes relative paths absolute against root. A bare
// interpreter name such as "python3" is left for PATH lookup.
func (c *Config) resolvePaths(root string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}
	c.HelpersRoot = abs(c.HelpersRoot)
	c.Dir = abs(c.Dir)
	if strings.ContainsRune(c.Interpreter, filepath.Separator) {
		c.Interpreter = abs(c.Interpreter)
	}
}

// LoadResult holds the parsed config and where it was found.
type LoadResult struct {
	Config *Config
	Root   string // directory containing .extbuild; falls back to workspace
	Path   string // path of the file read, empty when defaults were used
}

// Load reads the nearest .extbuild file at or above workspace and applies
// environment overrides. If no file exists, a default Config is used.
func Load(workspace string) (*LoadResult, error) {
	root, err := findConfigRoot(workspace)
	if err != nil {
		// No .extbuild found; use workspace as root.
		root = workspace
	}

	res := &LoadResult{Config: &Config{}, Root: root}
	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, res.Config); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", FileName, err)
		}
		res.Path = path
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	var envs Envs
	if err := env.Parse(&envs); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	envs.apply(res.Config)
	res.Config.resolvePaths(root)

	if err := res.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return res, nil
}

// findConfigRoot walks upward from dir looking for a directory containing
// the configuration file.
func findConfigRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}
