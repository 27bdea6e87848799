// Package supervisor runs one external build command to completion or
// cancellation, streaming progress lines and classifying the outcome.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/google/uuid"
)

// Default values for supervisor limits.
const (
	DefaultMaxOutput = 1 << 20 // 1 MB per stream
	DefaultWaitDelay = 2 * time.Second
)

// Supervisor executes build commands. The zero value is usable: no
// timeout, default output cap, no elevation.
//
// A Supervisor holds no per-run state; concurrent Execute calls run
// independent processes.
type Supervisor struct {
	Timeout   time.Duration // 0 means no limit beyond ctx
	MaxOutput int           // bytes captured per stream
	Elevator  Elevator      // nil disables elevation

	// Writable reports whether dir can be written without elevation.
	// Defaults to IsWritable.
	Writable func(dir string) bool

	// WaitDelay bounds how long inherited pipes may keep Wait blocked
	// once the process has exited or been killed.
	WaitDelay time.Duration
}

// Execute runs cmd and returns its result. It never returns nil and never
// panics on process errors: spawn problems become a LaunchFailure result.
//
// When elevateIfNeeded is set and cmd's target directory is not writable,
// the command is wrapped by the Elevator. The writability check and the
// spawn are not atomic; if the directory changes in between, the spawn
// failure is reported as LaunchFailure.
//
// Cancelling ctx kills the process group. An interactive elevation
// wrapper stays in the caller's process group so it can prompt on the
// terminal; cancelling it signals the wrapper, which relays to its child.
// Execute returns only after the process has been reaped.
func (s *Supervisor) Execute(ctx context.Context, cmd *Command, elevateIfNeeded bool, progress ProgressSink) *Result {
	ex := newExecution()
	ex.advance(StateLaunching)

	if cmd == nil || cmd.Path() == "" {
		return ex.launchFailed(nil, false, errors.New("empty command path"))
	}

	p, err := s.plan(cmd, elevateIfNeeded)
	if err != nil {
		return ex.launchFailed(cmd.Argv(), false, err)
	}
	argv, elevated := p.argv, p.elevated

	runCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	lines := newLineQueue(lineBuffer)
	stdout := newStreamWriter(Stdout, s.maxOutput(), lines)
	stderr := newStreamWriter(Stderr, s.maxOutput(), lines)

	c := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir()
	c.Env = cmd.Environ(inheritedEnviron())
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = s.waitDelay()
	configureProcess(c, !p.interactive)

	if p.interactive {
		if sp, ok := progress.(Suspender); ok {
			sp.Suspend()
		}
	}
	if err := c.Start(); err != nil {
		if ctx.Err() != nil {
			return ex.finish(&Result{
				Status:   Cancelled,
				ExitCode: -1,
				Elevated: elevated,
				Command:  argv,
				Error:    ctx.Err().Error(),
			})
		}
		return ex.launchFailed(argv, elevated, fmt.Errorf("executing %s: %w", argv[0], err))
	}
	ex.advance(StateRunning)

	done := make(chan struct{})
	go forward(runCtx, lines, progress, done)

	waitErr := c.Wait()
	stdout.flush()
	stderr.flush()
	lines.close()
	<-done

	res := &Result{
		ExitCode:  -1,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Elevated:  elevated,
		Command:   argv,
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
		res.Status = Success
	case errors.Is(waitErr, exec.ErrWaitDelay) && runCtx.Err() == nil:
		// Exited 0 but a descendant kept the pipes open past WaitDelay.
		// The writers never block, so nothing of ours held them.
		res.ExitCode = 0
		res.Status = Success
		res.Error = waitErr.Error()
	case runCtx.Err() != nil:
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		res.Status = Cancelled
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.Status = TimedOut
		}
		res.Error = runCtx.Err().Error()
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Status = classify(res.ExitCode, res.Stdout, res.Stderr)
	default:
		// Reading the child's output failed.
		res.Status = LaunchFailure
		res.Error = fmt.Sprintf("waiting for %s: %v", argv[0], waitErr)
	}

	return ex.finish(res)
}

// spawnPlan is the argv to start and how to start it.
type spawnPlan struct {
	argv        []string
	elevated    bool
	interactive bool
}

// plan decides between a direct spawn and the elevation wrapper.
func (s *Supervisor) plan(cmd *Command, elevateIfNeeded bool) (spawnPlan, error) {
	direct := spawnPlan{argv: cmd.Argv()}
	if !elevateIfNeeded || s.Elevator == nil {
		return direct, nil
	}
	if s.writable(cmd.Target()) || !s.Elevator.Supported() {
		return direct, nil
	}
	argv, err := s.Elevator.Wrap(cmd)
	if err != nil {
		return spawnPlan{}, fmt.Errorf("elevating %s: %w", cmd.Path(), err)
	}
	log.Printf("%s is not writable, running with elevated privileges", cmd.Target())
	return spawnPlan{argv: argv, elevated: true, interactive: s.Elevator.Interactive()}, nil
}

func (s *Supervisor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout > 0 {
		return context.WithTimeout(ctx, s.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Supervisor) writable(dir string) bool {
	if s.Writable != nil {
		return s.Writable(dir)
	}
	return IsWritable(dir)
}

func (s *Supervisor) maxOutput() int {
	if s.MaxOutput > 0 {
		return s.MaxOutput
	}
	return DefaultMaxOutput
}

func (s *Supervisor) waitDelay() time.Duration {
	if s.WaitDelay > 0 {
		return s.WaitDelay
	}
	return DefaultWaitDelay
}

// execution is the per-call context: it walks the state machine and
// guarantees a single terminal result.
type execution struct {
	runID  string
	start  time.Time
	state  State
	result *Result
}

func newExecution() *execution {
	return &execution{runID: uuid.New().String(), start: time.Now()}
}

// advance moves to state to, logging and ignoring illegal transitions.
func (e *execution) advance(to State) {
	if err := e.transition(to); err != nil {
		log.Printf("supervisor: %v", err)
	}
}

func (e *execution) transition(to State) error {
	if e.state.Terminal() {
		return fmt.Errorf("run %s is already %s", e.runID, e.state)
	}
	if !canTransition(e.state, to) {
		return fmt.Errorf("run %s: invalid transition %s -> %s", e.runID, e.state, to)
	}
	e.state = to
	return nil
}

// finish stamps r and moves to its terminal state. Later calls return
// the first result unchanged.
func (e *execution) finish(r *Result) *Result {
	if e.result != nil {
		return e.result
	}
	r.RunID = e.runID
	r.Duration = time.Since(e.start)
	e.advance(r.State())
	e.result = r
	return r
}

func (e *execution) launchFailed(argv []string, elevated bool, err error) *Result {
	return e.finish(&Result{
		Status:   LaunchFailure,
		ExitCode: -1,
		Elevated: elevated,
		Command:  argv,
		Error:    err.Error(),
	})
}
