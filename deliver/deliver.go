package deliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// ErrSpawn marks a delivery command that could not be started at all, as
// opposed to one that ran and reported failure through its exit status.
var ErrSpawn = errors.New("delivery command could not be started")

// Deliverer accepts one full message byte stream.
type Deliverer interface {
	Deliver(ctx context.Context, r io.Reader) error
}

// Sink pipes message bytes to the standard input of an external command
// interpreted through the shell. Exit status 0 is the only success; the
// command owns all delivery semantics beyond that.
type Sink struct {
	Command string
}

func New(command string) (Sink, error) {
	if command == "" {
		return Sink{}, fmt.Errorf("delivery command is empty")
	}
	return Sink{Command: command}, nil
}

func (s Sink) Deliver(ctx context.Context, r io.Reader) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.Command)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrSpawn, s.Command, err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("%w: %q: %v", ErrSpawn, s.Command, err)
	}

	_, copyErr := io.Copy(stdin, r)
	closeErr := stdin.Close()
	// The child is waited on regardless of how the copy went, so no
	// process handle leaks on error paths.
	waitErr := cmd.Wait()

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		// A dying child also breaks the stdin pipe, so the exit status is
		// the more truthful report than any copy error.
		return fmt.Errorf("command %q exited with status %d", s.Command, exitErr.ExitCode())
	}
	if copyErr != nil {
		// The copy can fail on either end of the pipe.
		return fmt.Errorf("stream message to %q: %w", s.Command, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close input of %q: %w", s.Command, closeErr)
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %q: %v", ErrSpawn, s.Command, waitErr)
	}
	return nil
}
