package progress

import (
	"os"

	"golang.org/x/term"
)

// Capabilities describes what the output terminal can render.
type Capabilities struct {
	IsTTY           bool
	SupportsColor   bool
	SupportsUnicode bool
	Width           int // 0 when unknown
}

// Detect inspects f and the environment. NO_COLOR disables colour and
// EXTBUILD_ASCII=1 forces ASCII symbols.
func Detect(f *os.File) Capabilities {
	fd := int(f.Fd())
	isTTY := term.IsTerminal(fd)

	width := 0
	if isTTY {
		if w, _, err := term.GetSize(fd); err == nil {
			width = w
		}
	}
	return Capabilities{
		IsTTY:           isTTY,
		SupportsColor:   isTTY && os.Getenv("NO_COLOR") == "",
		SupportsUnicode: isTTY && os.Getenv("EXTBUILD_ASCII") != "1",
		Width:           width,
	}
}

// symbols is the glyph set chosen for a terminal.
type symbols struct {
	ok         string
	fail       string
	spinnerSet int // index into spinner.CharSets
}

func selectSymbols(c Capabilities) symbols {
	if c.SupportsUnicode {
		return symbols{ok: "✓", fail: "✗", spinnerSet: 14}
	}
	return symbols{ok: "[OK]", fail: "[FAIL]", spinnerSet: 9}
}

const (
	green = "\033[32m"
	red   = "\033[31m"
	reset = "\033[0m"
)

func paint(s, color string, enabled bool) string {
	if !enabled {
		return s
	}
	return color + s + reset
}

// fit shortens s to width runes, marking the cut with "...".
func fit(s string, width int) string {
	if width <= 3 {
		return s
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}
