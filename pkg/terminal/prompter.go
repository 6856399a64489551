package terminal

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-delve/liner"

	"github.com/go-delve/hwwatch/pkg/hwbp"
)

// lineReader reads one line of input after printing a prompt.
type lineReader interface {
	Prompt(prompt string) (string, error)
}

// Prompter asks the user questions on the terminal.
type Prompter struct {
	line lineReader
	out  io.Writer
	// closer restores the terminal mode, it is nil when line was supplied
	// by the caller.
	closer func()
}

// NewPrompter returns a Prompter reading from the terminal through liner.
// Close must be called to restore the terminal.
func NewPrompter(out io.Writer) *Prompter {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	return &Prompter{line: line, out: out, closer: func() { line.Close() }}
}

// Close returns the terminal to its previous mode.
func (p *Prompter) Close() {
	if p.closer != nil {
		p.closer()
	}
}

// Confirm implements hwbp.Prompter. DialogOK waits for the user to press
// enter, DialogYesNo asks until the answer is yes or no. An input error
// answers no.
func (p *Prompter) Confirm(kind hwbp.DialogKind, title, message string) hwbp.Answer {
	fmt.Fprintf(p.out, "%s: %s\n", title, message)
	if kind != hwbp.DialogYesNo {
		_, _ = p.line.Prompt("[press enter] ")
		return hwbp.AnswerOK
	}
	ok, err := yesno(p.line, "[y/n] ")
	if err != nil || !ok {
		return hwbp.AnswerNo
	}
	return hwbp.AnswerYes
}

func yesno(line lineReader, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		}
	}
}
