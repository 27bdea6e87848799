// Package workflow connects the extension build to its host: it decides
// whether the build is offered, resolves the toolchain into a command,
// runs it through the supervisor and reports failures. It is consumed by
// both the MCP server and the CLI commands.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/deixis/extbuild/internal/config"
	"github.com/deixis/extbuild/internal/report"
	"github.com/deixis/extbuild/internal/supervisor"
	"github.com/google/uuid"
)

// User-facing strings.
const (
	OfferTitle   = "Python Debugger Extension Available"
	OfferMessage = "Cython extension speeds up Python debugging"
	TaskTitle    = "Compile Cython Extensions"
	ErrorTitle   = "Compile Cython Extensions Error"
)

// Executor runs a single command. Implemented by supervisor.Supervisor.
type Executor interface {
	Execute(ctx context.Context, cmd *supervisor.Command, elevateIfNeeded bool, progress supervisor.ProgressSink) *supervisor.Result
}

// ErrorSink displays a failure to the user.
type ErrorSink interface {
	ShowError(title, message string)
}

// ErrorFunc adapts a function to ErrorSink.
type ErrorFunc func(title, message string)

func (f ErrorFunc) ShowError(title, message string) { f(title, message) }

// Engine holds shared dependencies for the offer and build operations.
type Engine struct {
	Config     *config.Config
	Supervisor Executor
	Resolver   CommandResolver
	Errors     ErrorSink    // nil drops failure reports
	Runs       report.Store // nil disables result retention
}

// New wires an Engine from configuration: a supervisor bounded by the
// configured timeout and output cap, the platform elevator, and a
// resolver rooted at workspace.
func New(cfg *config.Config, workspace string) *Engine {
	return &Engine{
		Config: cfg,
		Supervisor: &supervisor.Supervisor{
			Timeout:   cfg.Timeout(),
			MaxOutput: cfg.MaxOutputBytes(),
			Elevator:  &supervisor.PlatformElevator{Prompt: cfg.Prompt},
		},
		Resolver: &ConfigResolver{Config: cfg, Workspace: workspace},
	}
}

// Offer describes whether the build should be proposed to the user.
type Offer struct {
	Available bool      `json:"available"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	DocsURL   string    `json:"docs_url"`
	Reason    string    `json:"reason,omitempty"` // why the offer is suppressed
	Toolchain Toolchain `json:"toolchain"`
}

// ErrRemoteToolchain is returned when the toolchain runs on another host,
// where a local build cannot help.
var ErrRemoteToolchain = errors.New("toolchain is remote; extensions must be built on that host")

// Offer reports whether the build is available for the current
// toolchain. It never runs the build.
func (e *Engine) Offer(ctx context.Context) Offer {
	o := Offer{
		Title:   OfferTitle,
		Message: OfferMessage,
		DocsURL: e.Config.Docs(),
	}
	tc, err := e.Resolver.Resolve(ctx)
	o.Toolchain = tc
	switch {
	case err != nil:
		o.Reason = err.Error()
	case tc.Remote:
		o.Reason = ErrRemoteToolchain.Error()
	default:
		o.Available = true
	}
	return o
}

// Command resolves the toolchain and builds the command that compiles
// the extensions.
func (e *Engine) Command(ctx context.Context) (*supervisor.Command, error) {
	tc, err := e.Resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if tc.Remote {
		return nil, ErrRemoteToolchain
	}
	return BuildCommand(tc, e.Config, inheritedEnv)
}

// Build runs the extension build once and returns its result. Every
// failed result is reported to the error sink exactly once; success and
// cancellation are not.
func (e *Engine) Build(ctx context.Context, progress supervisor.ProgressSink) *supervisor.Result {
	var res *supervisor.Result
	cmd, err := e.Command(ctx)
	if err != nil {
		res = &supervisor.Result{
			RunID:    uuid.New().String(),
			Status:   supervisor.LaunchFailure,
			ExitCode: -1,
			Error:    err.Error(),
		}
		if ctx.Err() != nil {
			res.Status = supervisor.Cancelled
			res.Error = ctx.Err().Error()
		}
	} else {
		log.Printf("%s: %s", TaskTitle, cmd)
		res = e.Supervisor.Execute(ctx, cmd, e.Config.Elevate(), progress)
	}

	if res.RunID != "" && e.Runs != nil {
		if err := e.Runs.Save(res); err != nil {
			log.Printf("saving run %s: %v", res.RunID, err)
		}
	}
	if res.Status.Failed() && e.Errors != nil {
		e.Errors.ShowError(ErrorTitle, res.Message())
	}
	return res
}

// Summary renders a one-line description of a result.
func Summary(r *supervisor.Result) string {
	var b strings.Builder
	b.WriteString(string(r.Status))
	if r.Status != supervisor.LaunchFailure && r.ExitCode >= 0 {
		fmt.Fprintf(&b, " (exit %d)", r.ExitCode)
	}
	if r.Elevated {
		b.WriteString(" [elevated]")
	}
	if r.Truncated {
		b.WriteString(" [output truncated]")
	}
	return b.String()
}
