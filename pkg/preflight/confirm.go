package preflight

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned by a Confirmer that has no terminal to ask on
var ErrNotInteractive = errors.New("no terminal available for confirmation")

// Confirmer asks a human to approve a deployment to a protected environment
type Confirmer interface {
	Confirm(environment string) (bool, error)
}

// ConfirmerFunc adapts a function to Confirmer
type ConfirmerFunc func(environment string) (bool, error)

func (f ConfirmerFunc) Confirm(environment string) (bool, error) { return f(environment) }

// TerminalConfirmer prompts on a terminal and expects the environment name back
type TerminalConfirmer struct {
	In  *os.File
	Out io.Writer
}

// NewTerminalConfirmer prompts on stdin/stderr
func NewTerminalConfirmer() *TerminalConfirmer {
	return &TerminalConfirmer{In: os.Stdin, Out: os.Stderr}
}

func (c *TerminalConfirmer) Confirm(environment string) (bool, error) {
	if c.In == nil || !term.IsTerminal(int(c.In.Fd())) {
		return false, ErrNotInteractive
	}

	fmt.Fprintf(c.Out, "You are deploying to protected environment %q.\nType the environment name to continue: ", environment)
	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.TrimSpace(line) == environment, nil
}
