package relay

import (
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"
)

// Termination describes how a child ended: either a normal exit with ExitCode, or death by Signal.
type Termination struct {
	PID      int
	Exited   bool
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

func (t Termination) String() string {
	switch {
	case t.Exited:
		return fmt.Sprintf("exit=%d", t.ExitCode)
	case t.Signaled:
		return fmt.Sprintf("signaled=%d (%s)", int(t.Signal), t.Signal)
	default:
		return "unknown"
	}
}

// Success is true for a normal exit with status 0.
func (t Termination) Success() bool {
	return t.Exited && t.ExitCode == 0
}

func terminationFromState(pid int, state *os.ProcessState) Termination {
	t := Termination{PID: pid}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		t.Exited = state.Exited()
		t.ExitCode = state.ExitCode()
		return t
	}
	switch {
	case ws.Exited():
		t.Exited = true
		t.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		t.Signaled = true
		t.Signal = ws.Signal()
	}
	return t
}

// Reap waits for the child to terminate and logs the outcome.
// A failed wait is logged and otherwise ignored; the returned Termination is then best-effort.
func Reap(log *zap.SugaredLogger, c *Child) Termination {
	term, err := c.Wait()
	if err != nil {
		log.Warnw("waiting for child failed", "PID", c.PID, "Error", err)
		return term
	}
	if c.SpawnErr() != nil {
		log.Infow("child could not be started", "Termination", term.String(), "Error", c.SpawnErr())
		return term
	}
	log.Infow("child terminated", "PID", term.PID, "Termination", term.String())
	return term
}
