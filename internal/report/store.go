// Package report keeps finished build results so their captured output
// can be inspected after the run. Results live for the lifetime of the
// process only.
package report

import (
	"errors"
	"strings"

	"github.com/deixis/extbuild/internal/supervisor"
)

// Store persists and retrieves build results by run ID.
type Store interface {
	Save(result *supervisor.Result) error
	Load(runID string) (*supervisor.Result, error)
}

var errNoRunID = errors.New("result has no run ID")

// Stream names accepted by Search.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Line is one non-blank line of captured output.
type Line struct {
	Stream string `json:"stream"`
	Number int    `json:"number"` // 1-based, counted per stream
	Text   string `json:"text"`
}

// Search returns the captured lines of r that contain substr. stream
// selects "stdout" or "stderr"; an empty stream searches both, stdout
// first. An empty substr matches every line.
func Search(r *supervisor.Result, stream, substr string) []Line {
	var out []Line
	if stream == "" || stream == Stdout {
		out = append(out, match(Stdout, r.Stdout, substr)...)
	}
	if stream == "" || stream == Stderr {
		out = append(out, match(Stderr, r.Stderr, substr)...)
	}
	return out
}

// Tail returns at most the last n lines.
func Tail(lines []Line, n int) []Line {
	if n <= 0 || len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func match(stream, output, substr string) []Line {
	var out []Line
	for i, text := range splitLines(output) {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if substr != "" && !strings.Contains(text, substr) {
			continue
		}
		out = append(out, Line{Stream: stream, Number: i + 1, Text: text})
	}
	return out
}

// splitLines splits on "\n", "\r\n" and bare "\r" so that carriage-return
// progress redraws read as separate lines.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
