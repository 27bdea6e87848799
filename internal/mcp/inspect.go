package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/deixis/extbuild/internal/report"
	"github.com/deixis/extbuild/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type inspectParams struct {
	RunID  string `json:"run_id" jsonschema:"the run ID from an ext_build result"`
	Stream string `json:"stream,omitempty" jsonschema:"stdout or stderr. Defaults to both."`
	Grep   string `json:"grep,omitempty" jsonschema:"only lines containing this substring"`
	Tail   int    `json:"tail,omitempty" jsonschema:"only the last N matching lines. Defaults to all."`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	switch params.Stream {
	case "", report.Stdout, report.Stderr:
	default:
		return errorResult(fmt.Sprintf("stream must be %q or %q, got %q", report.Stdout, report.Stderr, params.Stream))
	}

	result, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}

	lines := report.Tail(report.Search(result, params.Stream, params.Grep), params.Tail)

	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s)\n", result.RunID, workflow.Summary(result))
	if len(result.Command) > 0 {
		fmt.Fprintf(&b, "Command: %s\n", strings.Join(result.Command, " "))
	}
	if result.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", result.Error)
	}
	fmt.Fprintln(&b)

	if len(lines) == 0 {
		fmt.Fprintln(&b, "No matching output.")
		return textResult(b.String())
	}
	for _, l := range lines {
		fmt.Fprintf(&b, "%s:%d: %s\n", l.Stream, l.Number, l.Text)
	}
	if result.Truncated {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Output was truncated at the capture limit.")
	}
	return textResult(b.String())
}
