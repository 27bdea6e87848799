package supervisor

import (
	"fmt"
	"strings"
	"time"
)

// Status classifies how an execution ended.
type Status string

const (
	Success          Status = "success"
	NonZeroExit      Status = "non_zero_exit"
	PermissionDenied Status = "permission_denied"
	LaunchFailure    Status = "launch_failure"
	Cancelled        Status = "cancelled"
	TimedOut         Status = "timed_out"
)

// Failed reports whether the status should be surfaced to the user as an error.
// Cancellation is caller-initiated and is not a failure.
func (s Status) Failed() bool {
	return s != Success && s != Cancelled
}

// Result holds the outcome of one execution. It is built once by the
// supervisor and never modified afterwards.
type Result struct {
	RunID     string        `json:"run_id"`
	Status    Status        `json:"status"`
	ExitCode  int           `json:"exit_code"` // -1 when the process never exited normally
	Stdout    string        `json:"stdout"`    // captured stdout (may be truncated)
	Stderr    string        `json:"stderr"`    // captured stderr (may be truncated)
	Truncated bool          `json:"truncated"` // true if either stream exceeded the size cap
	Elevated  bool          `json:"elevated"`  // true if run through the elevation wrapper
	Command   []string      `json:"command"`   // argv actually spawned
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"` // launch or wait error, if any
}

// State returns the terminal state the execution ended in.
func (r *Result) State() State {
	switch r.Status {
	case Success:
		return StateSucceeded
	case Cancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

// Message returns the user-facing description of a failed result, or ""
// for success and cancellation.
func (r *Result) Message() string {
	switch r.Status {
	case PermissionDenied:
		return "Permission denied"
	case NonZeroExit:
		return fmt.Sprintf("Non-zero exit code (%d): \n%s", r.ExitCode, r.Stderr)
	case LaunchFailure:
		if r.Error != "" {
			return r.Error
		}
		return "Failed to start process"
	case TimedOut:
		return fmt.Sprintf("Timed out after %s", r.Duration.Round(time.Second))
	default:
		return ""
	}
}

// classify maps an exit code and the captured output to a status.
// A non-zero exit with no output at all is reported as PermissionDenied:
// a rejected elevation prompt exits silently. This is a heuristic, not a
// signal from the elevation wrapper.
func classify(exitCode int, stdout, stderr string) Status {
	if exitCode == 0 {
		return Success
	}
	if strings.TrimSpace(stdout) == "" && strings.TrimSpace(stderr) == "" {
		return PermissionDenied
	}
	return NonZeroExit
}
