package relay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// spawnFailedExitCode is what a child reports when its program could not be started, matching the shell's convention.
const spawnFailedExitCode = 127

// Child is a running command whose stdout and stderr both feed Output.
type Child struct {
	PID int

	// Output is the read end of the child's output pipe. It reaches EOF once the child,
	// and anything it spawned that inherited the pipe, has closed it.
	Output io.ReadCloser

	cmd *exec.Cmd

	// spawnErr is set when the program could not be started. In that case there is no OS process,
	// and Wait reports spawnFailedExitCode.
	spawnErr error

	waitOnce sync.Once
	term     Termination
	waitErr  error

	// reaped is set once the OS wait has returned. After that the PID may belong to someone else.
	reaped atomic.Bool
}

// ErrEmptyCommand is returned by Launch when there is no program to run.
var ErrEmptyCommand = errors.New("empty command")

// Launch starts tokens[0] with tokens[1:] as arguments, with stdout and stderr redirected to a single pipe.
//
// An error is returned only if the pipe could not be created. If the program itself cannot be started,
// a diagnostic is written to the pipe and the returned Child reports an exit status of 127,
// so callers observe it the same way as any other failing command.
func Launch(tokens []string) (*Child, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyCommand
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(tokens[0], tokens[1:]...)
	// The same *os.File for both makes exec hand the child one descriptor for fd 1 and 2.
	cmd.Stdout = w
	cmd.Stderr = w
	// Own process group, so the child and its descendants can be killed together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := cmd.Start()
	if startErr != nil {
		fmt.Fprintf(w, "%s\n", startErr)
	}
	// Only the child may hold the write end from here on, otherwise EOF would never be seen.
	if err := w.Close(); err != nil {
		r.Close()
		if startErr == nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		return nil, fmt.Errorf("closing parent write end: %w", err)
	}

	c := &Child{Output: r, cmd: cmd, spawnErr: startErr}
	if startErr == nil {
		c.PID = cmd.Process.Pid
	}
	return c, nil
}

// SpawnErr returns the reason the program could not be started, if any.
func (c *Child) SpawnErr() error {
	return c.spawnErr
}

// Wait blocks until the child terminates and returns how it terminated.
// The OS-level wait happens at most once; later calls return the same result.
func (c *Child) Wait() (Termination, error) {
	c.waitOnce.Do(func() {
		if c.spawnErr != nil {
			c.term = Termination{Exited: true, ExitCode: spawnFailedExitCode}
			return
		}
		err := c.cmd.Wait()
		c.reaped.Store(true)
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			c.waitErr = fmt.Errorf("waiting for pid %d: %w", c.PID, err)
		}
		if c.cmd.ProcessState != nil {
			c.term = terminationFromState(c.PID, c.cmd.ProcessState)
		} else {
			c.term = Termination{PID: c.PID}
		}
	})
	return c.term, c.waitErr
}

// Kill sends SIGKILL to the child's process group. It does nothing once Wait has reaped the child.
func (c *Child) Kill() error {
	if c.spawnErr != nil || c.cmd.Process == nil || c.reaped.Load() {
		return nil
	}
	err := unix.Kill(-c.PID, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("killing process group %d: %w", c.PID, err)
	}
	return nil
}

// Close releases the read end of the output pipe.
func (c *Child) Close() error {
	return c.Output.Close()
}
