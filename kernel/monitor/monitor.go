// Package monitor implements the kernel monitor: a line-oriented command
// interpreter that drives a running kernel from a script or a terminal.
package monitor

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"github.com/google/shlex"

	"nexusos/kernel"
	"nexusos/kernel/kfmt"
	"nexusos/kernel/kmain"
)

var (
	errUnknownCommand = &kernel.Error{Module: "monitor", Message: "unknown command"}
	errUsage          = &kernel.Error{Module: "monitor", Message: "wrong number of arguments"}
	errBadArgument    = &kernel.Error{Module: "monitor", Message: "invalid argument"}
	errSyntax         = &kernel.Error{Module: "monitor", Message: "unterminated quote or escape"}
)

type cmdFunc func(m *Monitor, args []string) *kernel.Error

type command struct {
	name    string
	usage   string
	desc    string
	minArgs int
	maxArgs int
	run     cmdFunc
}

// Monitor executes commands against a kernel and writes their output to an
// io.Writer.
type Monitor struct {
	k        *kmain.Kernel
	out      io.Writer
	commands map[string]command
}

// New returns a monitor for k writing to out.
func New(k *kmain.Kernel, out io.Writer) *Monitor {
	m := &Monitor{k: k, out: out, commands: make(map[string]command)}
	for _, cmd := range builtins {
		m.commands[cmd.name] = cmd
	}
	return m
}

// Exec tokenises line with shell quoting rules and runs the command it
// names. Blank lines and lines starting with '#' are ignored.
func (m *Monitor) Exec(line string) *kernel.Error {
	args, err := shlex.Split(line)
	if err != nil {
		return errSyntax
	}
	if len(args) == 0 || strings.HasPrefix(args[0], "#") {
		return nil
	}

	cmd, ok := m.commands[args[0]]
	if !ok {
		return errUnknownCommand
	}

	args = args[1:]
	if len(args) < cmd.minArgs || (cmd.maxArgs >= 0 && len(args) > cmd.maxArgs) {
		kfmt.Fprintf(m.out, "usage: %s\n", cmd.usage)
		return errUsage
	}
	return cmd.run(m, args)
}

// Run executes every line read from r. A failing command is reported and
// execution continues with the next line. Run returns the number of failed
// commands.
func (m *Monitor) Run(r io.Reader) int {
	var (
		failed int
		lineNo int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		if err := m.Exec(scanner.Text()); err != nil {
			kfmt.Printf("[monitor] line %d: %s\n", lineNo, err.Message)
			failed++
		}
	}
	return failed
}

func (m *Monitor) names() []string {
	names := make([]string, 0, len(m.commands))
	for name := range m.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
