// Package startup prints the server's startup banner.
package startup

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	// ANSI color codes
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	white  = "\033[37m"

	indent = "    "
)

// BannerOptions configures the startup banner display.
type BannerOptions struct {
	Version        string
	LocalURL       string
	Backend        string
	DataDir        string
	TranscriptsDir string // Empty if tailing is disabled
	DevMode        bool
}

// ColorsEnabled reports whether ANSI colors should be written to f.
func ColorsEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

type painter bool

func (p painter) color(code, text string) string {
	if !p {
		return text
	}
	return code + text + reset
}

// PrintBanner writes the startup banner to w.
func PrintBanner(w io.Writer, colors bool, opts BannerOptions) {
	p := painter(colors)
	fmt.Fprintln(w)

	logo := p.color(cyan, "◆") + "  " + p.color(bold+white, "C L A U D E G O")
	fmt.Fprintf(w, "%s%s%s%s\n", indent, logo, strings.Repeat(" ", 28), p.color(dim, opts.Version))
	fmt.Fprintln(w)

	row := func(label, value string) {
		fmt.Fprintf(w, "%s%s %s\n", indent, p.color(dim, fmt.Sprintf("▸ %-12s", label)), value)
	}
	row("Local", p.color(green, opts.LocalURL))
	row("Backend", opts.Backend)
	row("Data", opts.DataDir)
	if opts.TranscriptsDir != "" {
		row("Transcripts", opts.TranscriptsDir)
	}
	if opts.DevMode {
		row("Mode", p.color(yellow, "development (injection enabled)"))
	}

	fmt.Fprintln(w)
}

// PrintFooter prints the footer with shutdown instructions.
func PrintFooter(w io.Writer, colors bool) {
	fmt.Fprintf(w, "%s%s\n", indent, painter(colors).color(dim, "Press Ctrl+C to stop"))
	fmt.Fprintln(w)
}
