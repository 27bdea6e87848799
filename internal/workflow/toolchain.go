package workflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/deixis/extbuild/internal/config"
	"github.com/deixis/extbuild/internal/supervisor"
)

// Toolchain is the interpreter the extensions are built for.
type Toolchain struct {
	Interpreter string `json:"interpreter"`
	Version     string `json:"version,omitempty"`
	HelpersRoot string `json:"helpers_root"`
	Remote      bool   `json:"remote"`
}

// CommandResolver looks up the toolchain for the current workspace.
type CommandResolver interface {
	Resolve(ctx context.Context) (Toolchain, error)
}

// ConfigResolver resolves the toolchain from configuration, falling back
// to the first python3 or python on PATH.
type ConfigResolver struct {
	Config    *config.Config
	Workspace string // helpers root when none is configured
	LookPath  func(file string) (string, error)
}

// interpreterNames are probed on PATH, in order, when no interpreter is
// configured.
var interpreterNames = []string{"python3", "python"}

// versionProbeTimeout bounds the interpreter --version call.
const versionProbeTimeout = 5 * time.Second

// Resolve returns the configured toolchain. The interpreter must exist
// and the helpers root must contain the build script. Remote toolchains
// are returned as configured without touching the local filesystem.
func (r *ConfigResolver) Resolve(ctx context.Context) (Toolchain, error) {
	tc := Toolchain{
		Interpreter: r.Config.Interpreter,
		HelpersRoot: r.Config.HelpersRoot,
		Remote:      r.Config.Remote,
	}
	if tc.HelpersRoot == "" {
		tc.HelpersRoot = r.Workspace
	}
	if tc.Remote {
		return tc, nil
	}

	interp, err := r.interpreter()
	if err != nil {
		return tc, err
	}
	tc.Interpreter = interp

	script := filepath.Join(tc.HelpersRoot, r.Config.Script())
	if _, err := os.Stat(script); err != nil {
		return tc, fmt.Errorf("build script: %w", err)
	}

	tc.Version = probeVersion(ctx, interp)
	return tc, nil
}

func (r *ConfigResolver) interpreter() (string, error) {
	names := interpreterNames
	if r.Config.Interpreter != "" {
		if filepath.IsAbs(r.Config.Interpreter) {
			if _, err := os.Stat(r.Config.Interpreter); err != nil {
				return "", NewErrToolchainUnavailable(r.Config.Interpreter)
			}
			return r.Config.Interpreter, nil
		}
		names = []string{r.Config.Interpreter}
	}
	for _, name := range names {
		if p, err := r.lookPath(name); err == nil {
			return p, nil
		}
	}
	return "", NewErrToolchainUnavailable(names[0])
}

func (r *ConfigResolver) lookPath(file string) (string, error) {
	if r.LookPath != nil {
		return r.LookPath(file)
	}
	return exec.LookPath(file)
}

// probeVersion returns the interpreter's --version output, or "" if it
// cannot be run. Python 2 prints the version on stderr.
func probeVersion(ctx context.Context, interp string) string {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, interp, "--version").CombinedOutput()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// toolInfo holds install hints for a known interpreter.
type toolInfo struct {
	Install string
}

var knownTools = map[string]toolInfo{
	"python3": {Install: "https://www.python.org/downloads/"},
	"python":  {Install: "https://www.python.org/downloads/"},
}

// ErrToolchainUnavailable is returned when the interpreter cannot be
// found. It includes actionable hints when the interpreter is known.
type ErrToolchainUnavailable struct {
	Name string
	Info *toolInfo
}

func NewErrToolchainUnavailable(name string) ErrToolchainUnavailable {
	e := ErrToolchainUnavailable{Name: name}
	if info, ok := knownTools[name]; ok {
		e.Info = &info
	}
	return e
}

func (e ErrToolchainUnavailable) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is required but not installed.", e.Name)
	if e.Info != nil {
		fmt.Fprintf(&b, "\n\nInstall: %s", e.Info.Install)
	}
	fmt.Fprintf(&b, "\nOr set interpreter in %s or EXTBUILD_INTERPRETER.", config.FileName)
	return b.String()
}

// Environment overrides applied to every build.
var buildEnv = map[string]string{
	"PYTHONUNBUFFERED":        "1",
	"PYTHONDONTWRITEBYTECODE": "1",
}

// inheritedEnv is the lookup BuildCommand uses in Engine.Command.
var inheritedEnv = os.LookupEnv

// BuildCommand returns the command that compiles the extensions for tc.
// lookupEnv reads the environment the build would inherit; it is used
// to reset a Python home that does not belong to tc.
func BuildCommand(tc Toolchain, cfg *config.Config, lookupEnv func(string) (string, bool)) (*supervisor.Command, error) {
	if tc.Interpreter == "" {
		return nil, NewErrToolchainUnavailable(interpreterNames[0])
	}

	env := make(map[string]string, len(buildEnv)+1)
	for k, v := range buildEnv {
		env[k] = v
	}
	var unset []string
	if _, ok := lookupEnv("PYTHONHOME"); ok {
		unset = append(unset, "PYTHONHOME")
	}
	if venv, ok := lookupEnv("VIRTUAL_ENV"); ok && venv != "" && !within(tc.Interpreter, venv) {
		unset = append(unset, "VIRTUAL_ENV")
		if path, ok := lookupEnv("PATH"); ok {
			env["PATH"] = dropPathEntry(path, filepath.Join(venv, venvBin()))
		}
	}

	dir := cfg.Dir
	if dir == "" {
		dir = tc.HelpersRoot
	}
	args := append([]string{filepath.Join(tc.HelpersRoot, cfg.Script())}, cfg.Args()...)
	return supervisor.NewCommand(tc.Interpreter, args,
		supervisor.WithEnv(env),
		supervisor.WithUnset(unset...),
		supervisor.WithDir(dir),
		supervisor.WithTarget(tc.HelpersRoot),
	), nil
}

// within reports whether path lies inside dir.
func within(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func dropPathEntry(path, entry string) string {
	entry = filepath.Clean(entry)
	parts := filepath.SplitList(path)
	kept := parts[:0]
	for _, p := range parts {
		if p != "" && filepath.Clean(p) == entry {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, string(filepath.ListSeparator))
}

func venvBin() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}
