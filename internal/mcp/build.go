package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/deixis/extbuild/internal/config"
	"github.com/deixis/extbuild/internal/supervisor"
	"github.com/deixis/extbuild/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// recentRuns is how many stored runs ext_status lists.
const recentRuns = 5

type statusParams struct{}

func (h *handler) statusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ statusParams) (*mcp.CallToolResult, any, error) {
	offer := h.current().Offer(ctx)

	var b strings.Builder
	if offer.Available {
		fmt.Fprintln(&b, "Status: AVAILABLE")
	} else {
		fmt.Fprintln(&b, "Status: UNAVAILABLE")
	}
	fmt.Fprintf(&b, "%s: %s\n", offer.Title, offer.Message)
	fmt.Fprintln(&b)

	tc := offer.Toolchain
	if tc.Interpreter != "" {
		fmt.Fprintf(&b, "Interpreter: %s\n", tc.Interpreter)
	}
	if tc.Version != "" {
		fmt.Fprintf(&b, "Version: %s\n", tc.Version)
	}
	fmt.Fprintf(&b, "Helpers: %s\n", tc.HelpersRoot)
	if tc.Remote {
		fmt.Fprintln(&b, "Remote: yes")
	}
	if offer.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", offer.Reason)
	}
	fmt.Fprintf(&b, "Docs: %s\n", offer.DocsURL)

	if runs := h.store.Recent(recentRuns); len(runs) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Recent runs:")
		for _, r := range runs {
			fmt.Fprintf(&b, "  %s: %s\n", r.RunID, workflow.Summary(r))
		}
	}
	return textResult(b.String())
}

type buildParams struct {
	NoElevate bool `json:"no_elevate,omitempty" jsonschema:"Never fall back to elevated privileges, even if the helpers directory is not writable. Default: false."`
}

func (h *handler) buildHandler(ctx context.Context, req *mcp.CallToolRequest, params buildParams) (*mcp.CallToolResult, any, error) {
	engine := *h.current()
	if params.NoElevate {
		cfg := *engine.Config
		cfg.Elevation = config.ElevationNever
		engine.Config = &cfg
	}
	errs := &collectedErrors{}
	engine.Errors = errs
	engine.Runs = h.store

	var progress supervisor.ProgressSink
	if token := req.Params.GetProgressToken(); token != nil {
		progress = &notifier{ctx: ctx, session: req.Session, token: token}
	}

	res := engine.Build(ctx, progress)
	return textResult(formatBuild(res, errs.messages()))
}

func formatBuild(res *supervisor.Result, errs []string) string {
	var b strings.Builder

	switch {
	case res.Status == supervisor.Success:
		fmt.Fprintln(&b, "Status: PASS")
	case res.Status == supervisor.Cancelled:
		fmt.Fprintln(&b, "Status: CANCELLED")
	default:
		fmt.Fprintln(&b, "Status: FAIL")
	}
	fmt.Fprintf(&b, "Run: %s\n", res.RunID)
	fmt.Fprintf(&b, "Result: %s\n", workflow.Summary(res))
	if len(res.Command) > 0 {
		fmt.Fprintf(&b, "Command: %s\n", strings.Join(res.Command, " "))
	}
	fmt.Fprintln(&b)

	if !res.Status.Failed() {
		if res.Status == supervisor.Success {
			fmt.Fprintln(&b, "Extensions compiled.")
		}
		return b.String()
	}

	for _, msg := range errs {
		fmt.Fprintf(&b, "%s:\n", workflow.ErrorTitle)
		for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
			fmt.Fprintf(&b, "  %s\n", line)
		}
		fmt.Fprintln(&b)
	}
	fmt.Fprintf(&b, "Inspect with ext_inspect(run_id=%q).\n", res.RunID)
	return b.String()
}

// notifier forwards build output as MCP progress notifications.
type notifier struct {
	ctx     context.Context
	session *mcp.ServerSession
	token   any
	n       int
}

// Progress is called from the supervisor's single forwarding goroutine.
func (p *notifier) Progress(text string) {
	p.n++
	_ = p.session.NotifyProgress(p.ctx, &mcp.ProgressNotificationParams{
		ProgressToken: p.token,
		Message:       text,
		Progress:      float64(p.n),
	})
}

// collectedErrors is an error sink that keeps messages for the tool
// result.
type collectedErrors struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collectedErrors) ShowError(_, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message)
}

func (c *collectedErrors) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs
}
