package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CLI shells out to a local command for each generation request. The
// prompt arrives on stdin and the raw output is read from stdout, so
// any tool that speaks plain text over pipes can serve as a backend.
type CLI struct {
	command []string
}

// NewCLI creates a subprocess adapter from an argv slice.
func NewCLI(command []string) (*CLI, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("cli backend requires a command")
	}
	return &CLI{command: command}, nil
}

func (c *CLI) Name() string { return "cli" }

// Invoke runs the command once. Argv tools have no separate system
// channel, so the system prompt is prepended to the user prompt.
func (c *CLI) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	input := req.Prompt
	if req.System != "" {
		input = req.System + "\n\n" + req.Prompt
	}

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdin = strings.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The process was killed by cancellation or deadline; the exit
		// error it died with is noise.
		return nil, Classify(ctxErr)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, Classify(fmt.Errorf("%s exited with code %d: %s",
				c.command[0], exitErr.ExitCode(), stderrTail(&stderr)))
		}
		return nil, Classify(fmt.Errorf("running %s: %w", c.command[0], err))
	}

	output := stdout.String()
	if strings.TrimSpace(output) == "" {
		return nil, &Error{Kind: ErrTransport, Err: fmt.Errorf("%s produced no output", c.command[0])}
	}

	model := req.Model
	if model == "" {
		model = c.command[0]
	}
	return &Result{
		Output:   output,
		Model:    model,
		Attempts: 1,
		Duration: time.Since(start),
	}, nil
}

// stderrTail returns the last part of stderr for error messages.
func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return "(no stderr)"
	}
	const max = 400
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
