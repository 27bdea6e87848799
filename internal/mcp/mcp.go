// Package mcp provides the extbuild MCP server, registering the build
// tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"sync"
	"time"

	"github.com/deixis/extbuild"
	"github.com/deixis/extbuild/internal/config"
	"github.com/deixis/extbuild/internal/report"
	"github.com/deixis/extbuild/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	mu     sync.Mutex
	engine *workflow.Engine
	store  *report.LRUStore
}

// NewServer creates an MCP server with the extbuild tools registered.
// The engine is replaced when the client reports a workspace root.
func NewServer(engine *workflow.Engine, store *report.LRUStore) *mcp.Server {
	h := &handler{engine: engine, store: store}

	opts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "extbuild", Version: extbuild.Version}, opts)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "ext_status",
		Description: "Report whether the Cython debugger extensions can be built here: resolved interpreter, helpers root, and recent build runs.",
	}, h.statusHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "ext_build",
		Description: `Compile the Cython debugger extensions (setup_cython.py build_ext --inplace).

Streams build output as progress notifications when a progress token is supplied.
Falls back to elevated privileges when the helpers directory is not writable,
unless no_elevate is set. Results are stored for drill-down via ext_inspect.`,
	}, h.buildHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "ext_inspect",
		Description: `Show captured output from an ext_build run.

Use the run_id from the ext_build output. Optionally filter by stream (stdout or stderr)
and by a substring, and limit to the last N lines.`,
	}, h.inspectHandler)

	return s
}

// current returns the engine in use.
func (h *handler) current() *workflow.Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine
}

// updateWorkspaceFromRoots queries the client for MCP roots and rebuilds
// the engine from the first file root's configuration. It runs during
// session initialization, before any tool calls.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}
	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}

	loaded, err := config.Load(u.Path)
	if err != nil {
		return
	}
	engine := workflow.New(loaded.Config, loaded.Root)

	h.mu.Lock()
	h.engine = engine
	h.mu.Unlock()
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
