package supervisor

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"
)

// Command describes a process to run. It is immutable once built:
// NewCommand copies its inputs and the accessors return copies.
type Command struct {
	path   string
	args   []string
	env    map[string]string
	unset  []string
	dir    string
	target string
}

// CommandOption configures a Command at construction time.
type CommandOption func(*Command)

// WithEnv sets environment variable overrides applied on top of the
// inherited environment.
func WithEnv(env map[string]string) CommandOption {
	return func(c *Command) {
		for k, v := range env {
			c.env[k] = v
		}
	}
}

// WithUnset removes variables from the inherited environment.
func WithUnset(names ...string) CommandOption {
	return func(c *Command) {
		c.unset = append(c.unset, names...)
	}
}

// WithDir sets the working directory. Empty means inherit.
func WithDir(dir string) CommandOption {
	return func(c *Command) {
		c.dir = dir
	}
}

// WithTarget sets the directory whose writability decides whether the
// command must be elevated. It defaults to the working directory.
func WithTarget(dir string) CommandOption {
	return func(c *Command) {
		c.target = dir
	}
}

// NewCommand builds a Command for path with the given arguments.
func NewCommand(path string, args []string, opts ...CommandOption) *Command {
	c := &Command{
		path: path,
		args: slices.Clone(args),
		env:  make(map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Path returns the executable path.
func (c *Command) Path() string { return c.path }

// Args returns a copy of the arguments, excluding the executable.
func (c *Command) Args() []string { return slices.Clone(c.args) }

// Argv returns the executable followed by its arguments.
func (c *Command) Argv() []string {
	return append([]string{c.path}, c.args...)
}

// Env returns a copy of the environment overrides.
func (c *Command) Env() map[string]string { return maps.Clone(c.env) }

// Unset returns a copy of the names removed from the inherited environment.
func (c *Command) Unset() []string { return slices.Clone(c.unset) }

// Dir returns the working directory, or "" to inherit.
func (c *Command) Dir() string { return c.dir }

// Target returns the directory checked for writability before spawning.
func (c *Command) Target() string {
	if c.target != "" {
		return c.target
	}
	if c.dir != "" {
		return c.dir
	}
	return "."
}

// String returns the command line for logging.
func (c *Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Environ returns base with the command's overrides applied. base is not
// modified.
func (c *Command) Environ(base []string) []string {
	out := make([]string, 0, len(base)+len(c.env))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := c.env[name]; ok {
			continue
		}
		if slices.Contains(c.unset, name) {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range c.sortedEnvKeys() {
		out = append(out, fmt.Sprintf("%s=%s", k, c.env[k]))
	}
	return out
}

// inheritedEnviron is the process environment used as the base for spawns.
// It is a variable so tests can pin it.
var inheritedEnviron = os.Environ

func (c *Command) sortedEnvKeys() []string {
	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
