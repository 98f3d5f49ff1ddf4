package session

import (
	"bufio"
	"fmt"
	"io"
)

// ConsolePrompter asks questions on a terminal.  It reads one line per
// question and never interprets the content.
type ConsolePrompter struct {
	sc  *bufio.Scanner
	out io.Writer
}

// NewConsolePrompter reads answers from in and writes prompts to out.
func NewConsolePrompter(in io.Reader, out io.Writer) *ConsolePrompter {
	return &ConsolePrompter{sc: bufio.NewScanner(in), out: out}
}

// Ask prints the prompt and blocks for one line of input.  A closed input
// stream returns io.EOF; the operator walking away holds the program, not
// an error.
func (p *ConsolePrompter) Ask(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.sc.Text(), nil
}
