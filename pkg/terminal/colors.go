package terminal

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

const (
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed     = 31
	ansiGreen   = 32
	ansiYellow  = 33
	ansiBlue    = 34
	ansiMagenta = 35
	ansiCyan    = 36
)

// getColorableWriter returns stdout, translating escape sequences on
// consoles that do not understand them.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}

// Stdout returns the writer hits and prompts are printed to and whether
// it supports colors.
func Stdout() (io.Writer, bool) {
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return os.Stdout, false
	}
	return getColorableWriter(), isatty.IsTerminal(os.Stdout.Fd())
}
