package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/deixis/extbuild/internal/config"
	"github.com/deixis/extbuild/internal/report"
	"github.com/deixis/extbuild/internal/supervisor"
)

type stubResolver struct {
	tc  Toolchain
	err error
}

func (r stubResolver) Resolve(context.Context) (Toolchain, error) { return r.tc, r.err }

type stubExecutor struct {
	result  *supervisor.Result
	calls   int
	cmd     *supervisor.Command
	elevate bool
}

func (s *stubExecutor) Execute(_ context.Context, cmd *supervisor.Command, elevate bool, _ supervisor.ProgressSink) *supervisor.Result {
	s.calls++
	s.cmd = cmd
	s.elevate = elevate
	return s.result
}

type shownError struct{ title, message string }

type recordingSink struct{ shown []shownError }

func (r *recordingSink) ShowError(title, message string) {
	r.shown = append(r.shown, shownError{title, message})
}

func localToolchain() Toolchain {
	return Toolchain{Interpreter: "/usr/bin/python3", HelpersRoot: "/opt/helpers"}
}

func newTestEngine(res *supervisor.Result, resolver CommandResolver) (*Engine, *stubExecutor, *recordingSink) {
	exec := &stubExecutor{result: res}
	sink := &recordingSink{}
	return &Engine{
		Config:     &config.Config{},
		Supervisor: exec,
		Resolver:   resolver,
		Errors:     sink,
	}, exec, sink
}

func TestOffer_Available(t *testing.T) {
	e, _, _ := newTestEngine(nil, stubResolver{tc: localToolchain()})
	o := e.Offer(context.Background())
	if !o.Available {
		t.Errorf("Available = false, want true (reason %q)", o.Reason)
	}
	if o.Title != OfferTitle || o.Message != OfferMessage {
		t.Errorf("offer = %q / %q, want %q / %q", o.Title, o.Message, OfferTitle, OfferMessage)
	}
	if o.DocsURL != config.DefaultDocsURL {
		t.Errorf("DocsURL = %q, want default", o.DocsURL)
	}
}

func TestOffer_RemoteSuppressed(t *testing.T) {
	tc := localToolchain()
	tc.Remote = true
	e, _, _ := newTestEngine(nil, stubResolver{tc: tc})
	o := e.Offer(context.Background())
	if o.Available {
		t.Error("Available = true, want false for remote toolchain")
	}
	if o.Reason == "" {
		t.Error("Reason is empty")
	}
}

func TestOffer_NoToolchain(t *testing.T) {
	e, _, _ := newTestEngine(nil, stubResolver{err: NewErrToolchainUnavailable("python3")})
	o := e.Offer(context.Background())
	if o.Available {
		t.Error("Available = true, want false without toolchain")
	}
	if !strings.Contains(o.Reason, "python3 is required") {
		t.Errorf("Reason = %q, want install hint", o.Reason)
	}
}

func TestBuild_NonZeroExitReportedOnce(t *testing.T) {
	res := &supervisor.Result{RunID: "r1", Status: supervisor.NonZeroExit, ExitCode: 1, Stderr: "error: gcc failed"}
	e, exec, sink := newTestEngine(res, stubResolver{tc: localToolchain()})

	got := e.Build(context.Background(), nil)
	if got != res {
		t.Fatalf("Build returned %+v, want executor result", got)
	}
	if exec.calls != 1 {
		t.Errorf("Execute calls = %d, want 1", exec.calls)
	}
	if len(sink.shown) != 1 {
		t.Fatalf("ShowError calls = %d, want 1", len(sink.shown))
	}
	want := shownError{ErrorTitle, "Non-zero exit code (1): \nerror: gcc failed"}
	if sink.shown[0] != want {
		t.Errorf("ShowError = %+v, want %+v", sink.shown[0], want)
	}
}

func TestBuild_PermissionDenied(t *testing.T) {
	res := &supervisor.Result{RunID: "r1", Status: supervisor.PermissionDenied, ExitCode: 1}
	e, _, sink := newTestEngine(res, stubResolver{tc: localToolchain()})
	e.Build(context.Background(), nil)
	if len(sink.shown) != 1 || sink.shown[0].message != "Permission denied" {
		t.Errorf("ShowError = %+v, want one Permission denied", sink.shown)
	}
}

func TestBuild_NoErrorOnSuccessOrCancel(t *testing.T) {
	for _, status := range []supervisor.Status{supervisor.Success, supervisor.Cancelled} {
		t.Run(string(status), func(t *testing.T) {
			e, _, sink := newTestEngine(&supervisor.Result{RunID: "r", Status: status}, stubResolver{tc: localToolchain()})
			e.Build(context.Background(), nil)
			if len(sink.shown) != 0 {
				t.Errorf("ShowError calls = %d, want 0", len(sink.shown))
			}
		})
	}
}

func TestBuild_CancelledDuringResolve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, exec, sink := newTestEngine(nil, stubResolver{err: context.Canceled})

	got := e.Build(ctx, nil)
	if got.Status != supervisor.Cancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if exec.calls != 0 {
		t.Errorf("Execute calls = %d, want 0", exec.calls)
	}
	if len(sink.shown) != 0 {
		t.Errorf("ShowError = %+v, want none for cancellation", sink.shown)
	}
}

func TestBuild_ResolverFailure(t *testing.T) {
	e, exec, sink := newTestEngine(nil, stubResolver{err: NewErrToolchainUnavailable("python3")})
	got := e.Build(context.Background(), nil)
	if got.Status != supervisor.LaunchFailure {
		t.Errorf("Status = %s, want launch_failure", got.Status)
	}
	if got.RunID == "" {
		t.Error("RunID is empty")
	}
	if exec.calls != 0 {
		t.Errorf("Execute calls = %d, want 0", exec.calls)
	}
	if len(sink.shown) != 1 || !strings.Contains(sink.shown[0].message, "python3 is required") {
		t.Errorf("ShowError = %+v, want one toolchain error", sink.shown)
	}
}

func TestBuild_RemoteRefused(t *testing.T) {
	tc := localToolchain()
	tc.Remote = true
	e, exec, sink := newTestEngine(nil, stubResolver{tc: tc})
	got := e.Build(context.Background(), nil)
	if got.Status != supervisor.LaunchFailure {
		t.Errorf("Status = %s, want launch_failure", got.Status)
	}
	if exec.calls != 0 {
		t.Errorf("Execute calls = %d, want 0", exec.calls)
	}
	if len(sink.shown) != 1 {
		t.Errorf("ShowError calls = %d, want 1", len(sink.shown))
	}
}

func TestBuild_ElevationFollowsConfig(t *testing.T) {
	e, exec, _ := newTestEngine(&supervisor.Result{RunID: "r", Status: supervisor.Success}, stubResolver{tc: localToolchain()})
	e.Build(context.Background(), nil)
	if !exec.elevate {
		t.Error("elevate = false, want true by default")
	}

	e.Config.Elevation = config.ElevationNever
	e.Build(context.Background(), nil)
	if exec.elevate {
		t.Error("elevate = true, want false with elevation: never")
	}
}

func TestBuild_SavesRun(t *testing.T) {
	disk := report.NewDiskStore()
	defer disk.Close()
	store := report.NewLRUStore(4, disk)

	res := &supervisor.Result{RunID: "run-42", Status: supervisor.Success, Stdout: "copying foo.so\n"}
	e, _, _ := newTestEngine(res, stubResolver{tc: localToolchain()})
	e.Runs = store
	e.Build(context.Background(), nil)

	got, err := store.Load("run-42")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Stdout != res.Stdout {
		t.Errorf("Stdout = %q, want %q", got.Stdout, res.Stdout)
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestBuildCommand_Argv(t *testing.T) {
	cmd, err := BuildCommand(localToolchain(), &config.Config{}, noEnv)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/usr/bin/python3", filepath.Join("/opt/helpers", "pydev", "setup_cython.py"), "build_ext", "--inplace"}
	if !slices.Equal(cmd.Argv(), want) {
		t.Errorf("Argv() = %q, want %q", cmd.Argv(), want)
	}
	if cmd.Dir() != "/opt/helpers" {
		t.Errorf("Dir() = %q, want /opt/helpers", cmd.Dir())
	}
	if cmd.Target() != "/opt/helpers" {
		t.Errorf("Target() = %q, want /opt/helpers", cmd.Target())
	}
	env := cmd.Env()
	if env["PYTHONUNBUFFERED"] != "1" || env["PYTHONDONTWRITEBYTECODE"] != "1" {
		t.Errorf("Env() = %v, want unbuffered and no bytecode", env)
	}
	if len(cmd.Unset()) != 0 {
		t.Errorf("Unset() = %v, want none", cmd.Unset())
	}
}

func TestBuildCommand_ConfiguredDirAndArgs(t *testing.T) {
	cfg := &config.Config{Dir: "/work", RawArgs: []string{"build_ext", "--inplace", "--force"}}
	cmd, err := BuildCommand(localToolchain(), cfg, noEnv)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Dir() != "/work" {
		t.Errorf("Dir() = %q, want /work", cmd.Dir())
	}
	if cmd.Target() != "/opt/helpers" {
		t.Errorf("Target() = %q, want /opt/helpers", cmd.Target())
	}
	if args := cmd.Args(); args[len(args)-1] != "--force" {
		t.Errorf("Args() = %q, want trailing --force", args)
	}
}

func TestBuildCommand_NoInterpreter(t *testing.T) {
	_, err := BuildCommand(Toolchain{HelpersRoot: "/opt/helpers"}, &config.Config{}, noEnv)
	var unavailable ErrToolchainUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want ErrToolchainUnavailable", err)
	}
}

func TestBuildCommand_HomeReset(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX paths")
	}
	environ := map[string]string{
		"PYTHONHOME":  "/usr/lib/python3",
		"VIRTUAL_ENV": "/home/u/.venv",
		"PATH":        "/home/u/.venv/bin:/usr/local/bin:/usr/bin",
	}
	lookup := func(k string) (string, bool) {
		v, ok := environ[k]
		return v, ok
	}

	cmd, err := BuildCommand(localToolchain(), &config.Config{}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(cmd.Unset(), []string{"PYTHONHOME", "VIRTUAL_ENV"}) {
		t.Errorf("Unset() = %v, want [PYTHONHOME VIRTUAL_ENV]", cmd.Unset())
	}
	if got := cmd.Env()["PATH"]; got != "/usr/local/bin:/usr/bin" {
		t.Errorf("PATH = %q, want venv bin dropped", got)
	}

	// An interpreter inside the active venv keeps it.
	tc := localToolchain()
	tc.Interpreter = "/home/u/.venv/bin/python"
	cmd, err = BuildCommand(tc, &config.Config{}, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(cmd.Unset(), []string{"PYTHONHOME"}) {
		t.Errorf("Unset() = %v, want [PYTHONHOME]", cmd.Unset())
	}
	if _, ok := cmd.Env()["PATH"]; ok {
		t.Error("PATH overridden for in-venv interpreter")
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		path, dir string
		want      bool
	}{
		{"/a/venv/bin/python", "/a/venv", true},
		{"/a/venv", "/a/venv", true},
		{"/a/venv2/bin/python", "/a/venv", false},
		{"/usr/bin/python3", "/a/venv", false},
	}
	for _, tt := range tests {
		if got := within(tt.path, tt.dir); got != tt.want {
			t.Errorf("within(%q, %q) = %v, want %v", tt.path, tt.dir, got, tt.want)
		}
	}
}

// helpersDir creates a helpers root containing the default build script.
func helpersDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, config.DefaultScript)
	if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(script, []byte("# build\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// fakeInterpreter writes an executable shell script standing in for python.
func fakeInterpreter(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	path := filepath.Join(t.TempDir(), "python3")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigResolver_Configured(t *testing.T) {
	helpers := helpersDir(t)
	interp := fakeInterpreter(t, "echo 'Python 3.12.1'\n")

	r := &ConfigResolver{Config: &config.Config{Interpreter: interp, HelpersRoot: helpers}}
	tc, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tc.Interpreter != interp {
		t.Errorf("Interpreter = %q, want %q", tc.Interpreter, interp)
	}
	if tc.Version != "Python 3.12.1" {
		t.Errorf("Version = %q, want Python 3.12.1", tc.Version)
	}
	if tc.HelpersRoot != helpers {
		t.Errorf("HelpersRoot = %q, want %q", tc.HelpersRoot, helpers)
	}
}

func TestConfigResolver_PathLookup(t *testing.T) {
	helpers := helpersDir(t)
	var asked []string
	r := &ConfigResolver{
		Config:    &config.Config{},
		Workspace: helpers,
		LookPath: func(file string) (string, error) {
			asked = append(asked, file)
			if file == "python" {
				return "/usr/bin/python", nil
			}
			return "", errors.New("not found")
		},
	}
	tc, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tc.Interpreter != "/usr/bin/python" {
		t.Errorf("Interpreter = %q, want /usr/bin/python", tc.Interpreter)
	}
	if !slices.Equal(asked, []string{"python3", "python"}) {
		t.Errorf("LookPath calls = %v, want [python3 python]", asked)
	}
	if tc.HelpersRoot != helpers {
		t.Errorf("HelpersRoot = %q, want workspace %q", tc.HelpersRoot, helpers)
	}
}

func TestConfigResolver_Missing(t *testing.T) {
	r := &ConfigResolver{
		Config:    &config.Config{},
		Workspace: helpersDir(t),
		LookPath:  func(string) (string, error) { return "", errors.New("not found") },
	}
	_, err := r.Resolve(context.Background())
	var unavailable ErrToolchainUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want ErrToolchainUnavailable", err)
	}
	if unavailable.Name != "python3" || unavailable.Info == nil {
		t.Errorf("err = %+v, want python3 with install info", unavailable)
	}
}

func TestConfigResolver_MissingScript(t *testing.T) {
	r := &ConfigResolver{
		Config:    &config.Config{Interpreter: "python3"},
		Workspace: t.TempDir(),
		LookPath:  func(string) (string, error) { return "/usr/bin/python3", nil },
	}
	_, err := r.Resolve(context.Background())
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist error for the build script", err)
	}
}

func TestConfigResolver_RemoteSkipsLookup(t *testing.T) {
	r := &ConfigResolver{
		Config: &config.Config{Interpreter: "/remote/python", Remote: true},
		LookPath: func(string) (string, error) {
			t.Fatal("LookPath called for remote toolchain")
			return "", nil
		},
	}
	tc, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !tc.Remote || tc.Interpreter != "/remote/python" {
		t.Errorf("toolchain = %+v, want remote /remote/python", tc)
	}
}

func TestBuild_EndToEnd(t *testing.T) {
	helpers := helpersDir(t)
	interp := fakeInterpreter(t, `case "$1" in
--version) echo 'Python 3.12.1'; exit 0;;
esac
echo "running build_ext"
echo "PYTHONUNBUFFERED=$PYTHONUNBUFFERED"
echo "error: command 'gcc' failed" >&2
exit 1
`)
	cfg := &config.Config{Interpreter: interp, HelpersRoot: helpers}
	sink := &recordingSink{}
	e := &Engine{
		Config:     cfg,
		Supervisor: &supervisor.Supervisor{},
		Resolver:   &ConfigResolver{Config: cfg},
		Errors:     sink,
	}

	var lines []string
	res := e.Build(context.Background(), supervisor.ProgressFunc(func(s string) { lines = append(lines, s) }))
	if res.Status != supervisor.NonZeroExit {
		t.Fatalf("Status = %s, want non_zero_exit (error %q)", res.Status, res.Error)
	}
	if !strings.Contains(res.Stdout, "PYTHONUNBUFFERED=1") {
		t.Errorf("Stdout = %q, want PYTHONUNBUFFERED=1", res.Stdout)
	}
	if !slices.Contains(lines, "running build_ext") {
		t.Errorf("progress = %q, want running build_ext", lines)
	}
	if len(sink.shown) != 1 {
		t.Fatalf("ShowError calls = %d, want 1", len(sink.shown))
	}
	if want := "Non-zero exit code (1): \nerror: command 'gcc' failed\n"; sink.shown[0].message != want {
		t.Errorf("message = %q, want %q", sink.shown[0].message, want)
	}
}

func TestNew(t *testing.T) {
	cfg := &config.Config{RawTimeout: "90s", RawMaxOutput: 4096, Prompt: "pw: "}
	e := New(cfg, "/project")

	sup, ok := e.Supervisor.(*supervisor.Supervisor)
	if !ok {
		t.Fatalf("Supervisor = %T, want *supervisor.Supervisor", e.Supervisor)
	}
	if sup.Timeout.Seconds() != 90 {
		t.Errorf("Timeout = %s, want 90s", sup.Timeout)
	}
	if sup.MaxOutput != 4096 {
		t.Errorf("MaxOutput = %d, want 4096", sup.MaxOutput)
	}
	if el, ok := sup.Elevator.(*supervisor.PlatformElevator); !ok || el.Prompt != "pw: " {
		t.Errorf("Elevator = %#v, want PlatformElevator with prompt", sup.Elevator)
	}
	if r, ok := e.Resolver.(*ConfigResolver); !ok || r.Workspace != "/project" {
		t.Errorf("Resolver = %#v, want ConfigResolver for /project", e.Resolver)
	}
}
