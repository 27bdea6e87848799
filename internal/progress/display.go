// Package progress renders build progress and failures on a terminal:
// an animated spinner when attached to a TTY, plain lines otherwise.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/deixis/extbuild/internal/supervisor"
)

// Display is a progress and error sink for one build at a time. Progress
// may be called from any goroutine.
type Display struct {
	caps Capabilities
	out  io.Writer
	sym  symbols

	mu        sync.Mutex
	title     string
	spinner   *spinner.Spinner
	suspended bool
}

// New creates a Display writing to f, detecting its capabilities.
func New(f *os.File) *Display {
	return NewDisplay(Detect(f), f)
}

// NewDisplay creates a Display with explicit capabilities. A TTY display
// needs out to be an *os.File for the spinner.
func NewDisplay(caps Capabilities, out io.Writer) *Display {
	return &Display{caps: caps, out: out, sym: selectSymbols(caps)}
}

// Start shows title as the header of a new build.
func (d *Display) Start(title string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.title = title

	f, ok := d.out.(*os.File)
	if d.caps.IsTTY && ok {
		d.startSpinner(f, "")
		return
	}
	fmt.Fprintln(d.out, title)
}

func (d *Display) startSpinner(f *os.File, text string) {
	d.spinner = spinner.New(spinner.CharSets[d.sym.spinnerSet], 100*time.Millisecond,
		spinner.WithWriterFile(f))
	d.spinner.Suffix = " " + d.suffix(text)
	d.spinner.Start()
}

// Suspend clears the spinner so a password prompt can use the terminal.
// The next Progress call brings it back.
func (d *Display) Suspend() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spinner != nil {
		d.stop()
		d.suspended = true
	}
}

// Progress shows the latest output line of the running build.
func (d *Display) Progress(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.suspended {
		d.suspended = false
		if f, ok := d.out.(*os.File); ok {
			d.startSpinner(f, text)
			return
		}
	}
	if d.spinner != nil {
		d.spinner.Lock()
		d.spinner.Suffix = " " + d.suffix(text)
		d.spinner.Unlock()
		return
	}
	fmt.Fprintf(d.out, "  %s\n", text)
}

// Finish stops the spinner and prints the outcome of r.
func (d *Display) Finish(r *supervisor.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()

	color := d.caps.SupportsColor && d.caps.SupportsUnicode
	switch {
	case r.Status == supervisor.Success:
		fmt.Fprintf(d.out, "%s %s (%s)\n", paint(d.sym.ok, green, color), d.title, r.Duration.Round(time.Millisecond))
	case r.Status == supervisor.Cancelled:
		fmt.Fprintf(d.out, "%s %s cancelled\n", paint(d.sym.fail, red, color), d.title)
	default:
		fmt.Fprintf(d.out, "%s %s failed: %s\n", paint(d.sym.fail, red, color), d.title, r.Status)
	}
}

// ShowError prints a failure report: the title, then the message
// indented.
func (d *Display) ShowError(title, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop()

	color := d.caps.SupportsColor && d.caps.SupportsUnicode
	fmt.Fprintf(d.out, "%s %s\n", paint(d.sym.fail, red, color), title)
	for _, line := range strings.Split(strings.TrimRight(message, "\n"), "\n") {
		fmt.Fprintf(d.out, "    %s\n", line)
	}
}

func (d *Display) stop() {
	d.suspended = false
	if d.spinner != nil {
		d.spinner.Stop()
		d.spinner = nil
	}
}

// suffix joins the title and the latest line, cut to the terminal width.
func (d *Display) suffix(text string) string {
	s := d.title
	if text != "" {
		s += ": " + text
	}
	if d.caps.Width > 0 {
		s = fit(s, d.caps.Width-2)
	}
	return s
}
