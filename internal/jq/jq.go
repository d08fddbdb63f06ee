// Package jq evaluates jq filters against response bodies using the jq binary.
package jq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"cmdflow/internal/logging"
	"cmdflow/internal/util"
)

// ErrNotInstalled is returned when no jq binary is on PATH.
var ErrNotInstalled = errors.New("jq executable not found in PATH")

// Command is the part of *exec.Cmd that RunFilter needs.
type Command interface {
	Run() error
	SetStdin(r io.Reader)
	SetStdout(w io.Writer)
	SetStderr(w io.Writer)
}

type execCommand struct{ cmd *exec.Cmd }

func (c *execCommand) Run() error            { return c.cmd.Run() }
func (c *execCommand) SetStdin(r io.Reader)  { c.cmd.Stdin = r }
func (c *execCommand) SetStdout(w io.Writer) { c.cmd.Stdout = w }
func (c *execCommand) SetStderr(w io.Writer) { c.cmd.Stderr = w }

// CommandFactory creates the Command for one filter evaluation.
type CommandFactory func(ctx context.Context, name string, arg ...string) Command

var (
	lookPath = exec.LookPath

	commandFactory CommandFactory = func(ctx context.Context, name string, arg ...string) Command {
		return &execCommand{cmd: exec.CommandContext(ctx, name, arg...)}
	}
)

// SetCommandFactory swaps the factory and returns a function restoring the previous one.
func SetCommandFactory(factory CommandFactory) (restore func()) {
	current := commandFactory
	commandFactory = factory
	return func() { commandFactory = current }
}

// SetLookPath swaps the binary lookup and returns a function restoring the previous one.
func SetLookPath(fn func(string) (string, error)) (restore func()) {
	current := lookPath
	lookPath = fn
	return func() { lookPath = current }
}

// Available reports whether a jq binary can be found.
func Available() bool {
	_, err := lookPath("jq")
	return err == nil
}

// RunFilter pipes input through `jq -r <filter>` and returns trimmed stdout.
// Multiple results are newline separated; the literal "null" means no match.
func RunFilter(ctx context.Context, input []byte, filter string) (string, error) {
	jqPath, err := lookPath("jq")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}

	cmd := commandFactory(ctx, jqPath, "-r", filter)
	var stdout, stderr bytes.Buffer
	cmd.SetStdin(bytes.NewReader(input))
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	logging.Logf(logging.Debug, "Executing jq: %s -r '%s'", jqPath, filter)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq filter '%s' failed on input '%s': %w\nstderr: %s",
			filter, util.Snippet(input), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
