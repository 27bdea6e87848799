package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// DefaultPrompt is shown by elevation wrappers that accept a prompt.
const DefaultPrompt = "Please enter your password to compile cython extensions: "

// ErrElevationUnsupported is returned by Wrap when the host has no usable
// elevation mechanism.
var ErrElevationUnsupported = errors.New("privilege elevation is not supported on this platform")

// Elevator wraps a command so that it runs with administrator privileges
// after an out-of-band credential prompt. The wrapped process keeps the
// same exit code and stream contract as the original.
//
// Interactive reports whether the wrapper prompts on the controlling
// terminal. Such a wrapper must stay in the terminal's foreground process
// group to read the password.
type Elevator interface {
	Supported() bool
	Interactive() bool
	Wrap(cmd *Command) ([]string, error)
}

// PlatformElevator picks the elevation mechanism for the host OS:
// osascript on macOS, pkexec in a graphical Linux/BSD session, sudo when
// a terminal is available. Windows is not supported.
type PlatformElevator struct {
	GOOS     string // defaults to runtime.GOOS
	Prompt   string // defaults to DefaultPrompt
	LookPath func(file string) (string, error)
	Getenv   func(key string) string

	// Terminal reports whether a controlling terminal can take a password
	// prompt. Defaults to opening /dev/tty.
	Terminal func() bool
}

// Supported reports whether a wrapper binary is available.
func (e *PlatformElevator) Supported() bool {
	_, err := e.wrapper()
	return err == nil
}

// Interactive reports whether the selected wrapper is sudo.
func (e *PlatformElevator) Interactive() bool {
	w, err := e.wrapper()
	return err == nil && w.kind == "sudo"
}

// Wrap returns the argv that runs cmd through the platform wrapper. The
// command is re-expressed as a /bin/sh script that restores the working
// directory and environment overrides, since wrappers sanitise both.
func (e *PlatformElevator) Wrap(cmd *Command) ([]string, error) {
	w, err := e.wrapper()
	if err != nil {
		return nil, err
	}
	dir := cmd.Dir()
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}
	script := ShellScript(cmd, dir)

	switch w.kind {
	case "osascript":
		src := fmt.Sprintf("do shell script %s with prompt %s with administrator privileges",
			appleScriptQuote(script), appleScriptQuote(e.prompt()))
		return []string{w.path, "-e", src}, nil
	case "pkexec":
		return []string{w.path, "/bin/sh", "-c", script}, nil
	default:
		return []string{w.path, "-p", e.prompt(), "/bin/sh", "-c", script}, nil
	}
}

type wrapper struct {
	kind string
	path string
}

func (e *PlatformElevator) wrapper() (wrapper, error) {
	switch e.goos() {
	case "windows", "plan9", "js", "wasip1":
		return wrapper{}, ErrElevationUnsupported
	case "darwin":
		if p, err := e.lookPath("osascript"); err == nil {
			return wrapper{kind: "osascript", path: p}, nil
		}
		return wrapper{}, ErrElevationUnsupported
	}

	if e.graphical() {
		if p, err := e.lookPath("pkexec"); err == nil {
			return wrapper{kind: "pkexec", path: p}, nil
		}
	}
	if p, err := e.lookPath("sudo"); err == nil && e.terminal() {
		return wrapper{kind: "sudo", path: p}, nil
	}
	return wrapper{}, ErrElevationUnsupported
}

func (e *PlatformElevator) graphical() bool {
	return e.getenv("DISPLAY") != "" || e.getenv("WAYLAND_DISPLAY") != ""
}

func (e *PlatformElevator) terminal() bool {
	if e.Terminal != nil {
		return e.Terminal()
	}
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func (e *PlatformElevator) goos() string {
	if e.GOOS != "" {
		return e.GOOS
	}
	return runtime.GOOS
}

func (e *PlatformElevator) prompt() string {
	if e.Prompt != "" {
		return e.Prompt
	}
	return DefaultPrompt
}

func (e *PlatformElevator) lookPath(file string) (string, error) {
	if e.LookPath != nil {
		return e.LookPath(file)
	}
	return exec.LookPath(file)
}

func (e *PlatformElevator) getenv(key string) string {
	if e.Getenv != nil {
		return e.Getenv(key)
	}
	return os.Getenv(key)
}

// ShellScript renders cmd as a POSIX shell command line that changes to
// dir, applies the environment overrides, and execs the command.
func ShellScript(cmd *Command, dir string) string {
	var b strings.Builder
	if dir != "" {
		b.WriteString("cd ")
		b.WriteString(Quote(dir))
		b.WriteString(" && ")
	}
	b.WriteString("exec env")
	for _, name := range cmd.Unset() {
		b.WriteString(" -u ")
		b.WriteString(Quote(name))
	}
	env := cmd.Env()
	for _, k := range cmd.sortedEnvKeys() {
		b.WriteString(" ")
		b.WriteString(Quote(k + "=" + env[k]))
	}
	for _, arg := range cmd.Argv() {
		b.WriteString(" ")
		b.WriteString(Quote(arg))
	}
	return b.String()
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func appleScriptQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
