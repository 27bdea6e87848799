// Command extbuild compiles the Cython debugger extensions under
// supervision and serves the same workflow over MCP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/deixis/extbuild"
	"github.com/deixis/extbuild/internal/config"
	extmcp "github.com/deixis/extbuild/internal/mcp"
	"github.com/deixis/extbuild/internal/progress"
	"github.com/deixis/extbuild/internal/report"
	"github.com/deixis/extbuild/internal/supervisor"
	"github.com/deixis/extbuild/internal/workflow"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("extbuild: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = statusMain(args)
	case "build":
		err = buildMain(args)
	case "mcp":
		err = mcpMain(args)
	case "version":
		fmt.Println(extbuild.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "extbuild: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: extbuild <command> [flags]

Commands:
  status      Show whether the extensions can be built here
  build       Compile the extensions (setup_cython.py build_ext --inplace)
  mcp         Start the MCP server
  version     Print the version
  help        Show this help

Configuration is read from the nearest .extbuild file and EXTBUILD_* variables.
Use "extbuild <command> -h" for command-specific flags.`)
}

// --- status ---

func statusMain(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output the offer as JSON")
	_ = fs.Parse(args)

	loaded, err := loadConfig()
	if err != nil {
		return err
	}
	offer := workflow.New(loaded.Config, loaded.Root).Offer(context.Background())

	if *jsonFlag {
		return writeJSON(os.Stdout, offer)
	}
	fmt.Print(formatOffer(offer, loaded.Path))
	if !offer.Available {
		os.Exit(1)
	}
	return nil
}

func formatOffer(o workflow.Offer, configPath string) string {
	var b []byte
	w := func(format string, args ...any) {
		b = fmt.Appendf(b, format, args...)
	}

	if o.Available {
		w("%s\n%s\n\n", o.Title, o.Message)
	} else {
		w("unavailable: %s\n\n", o.Reason)
	}
	if o.Toolchain.Interpreter != "" {
		w("  %-12s %s\n", "interpreter", o.Toolchain.Interpreter)
	}
	if o.Toolchain.Version != "" {
		w("  %-12s %s\n", "version", o.Toolchain.Version)
	}
	w("  %-12s %s\n", "helpers", o.Toolchain.HelpersRoot)
	if configPath != "" {
		w("  %-12s %s\n", "config", configPath)
	}
	w("  %-12s %s\n", "docs", o.DocsURL)
	if o.Available {
		w("\nRun \"extbuild build\" to compile.\n")
	}
	return string(b)
}

// --- build ---

func buildMain(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	interpreterFlag := fs.String("interpreter", "", "override the configured interpreter")
	helpersFlag := fs.String("helpers", "", "override the configured helpers root")
	timeoutFlag := fs.Duration("timeout", 0, "override configured timeout (e.g. 5m)")
	noElevateFlag := fs.Bool("no-elevate", false, "never fall back to elevated privileges")
	jsonFlag := fs.Bool("json", false, "output the result as JSON")
	verboseFlag := fs.Bool("v", false, "print the full captured output")
	_ = fs.Parse(args)

	loaded, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loaded.Config
	if *interpreterFlag != "" {
		cfg.Interpreter = *interpreterFlag
	}
	if *helpersFlag != "" {
		abs, err := filepath.Abs(*helpersFlag)
		if err != nil {
			return fmt.Errorf("resolving helpers root: %w", err)
		}
		cfg.HelpersRoot = abs
	}
	if *timeoutFlag > 0 {
		cfg.RawTimeout = timeoutFlag.String()
	}
	if *noElevateFlag {
		cfg.Elevation = config.ElevationNever
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	display := progress.New(os.Stderr)
	eng := workflow.New(cfg, loaded.Root)
	eng.Errors = display

	display.Start(workflow.TaskTitle)
	res := eng.Build(ctx, display)
	display.Finish(res)

	if *jsonFlag {
		if err := writeJSON(os.Stdout, res); err != nil {
			return err
		}
	} else if *verboseFlag {
		fmt.Print(formatOutput(res))
	}

	if res.Status != supervisor.Success {
		os.Exit(1)
	}
	return nil
}

func formatOutput(res *supervisor.Result) string {
	var b []byte
	w := func(format string, args ...any) {
		b = fmt.Appendf(b, format, args...)
	}

	w("run %s: %s in %s\n", res.RunID, workflow.Summary(res), res.Duration.Round(time.Millisecond))
	for _, l := range report.Search(res, "", "") {
		w("  %s| %s\n", l.Stream, l.Text)
	}
	return string(b)
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(extmcp.Instructions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return serve(ctx, *httpAddr)
}

func serve(ctx context.Context, httpAddr string) error {
	loaded, err := loadConfig()
	if err != nil {
		return err
	}

	disk := report.NewDiskStore()
	defer func() {
		if err := disk.Close(); err != nil {
			log.Printf("removing run results: %v", err)
		}
	}()
	store := report.NewLRUStore(5, disk)

	server := extmcp.NewServer(workflow.New(loaded.Config, loaded.Root), store)

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// --- shared ---

func loadConfig() (*config.LoadResult, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining workspace: %w", err)
	}
	loaded, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return loaded, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
