package relay

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func launchAndCollect(t *testing.T, tokens ...string) (string, Termination) {
	child, err := Launch(tokens)
	require.NoError(t, err)
	defer child.Close()

	out, err := io.ReadAll(child.Output)
	require.NoError(t, err)

	term, err := child.Wait()
	require.NoError(t, err)
	return string(out), term
}

func TestLaunch(t *testing.T) {
	cases := []struct {
		name        string
		tokens      []string
		expOutput   string
		expExitCode int
	}{
		{
			name:      "echo",
			tokens:    []string{"echo", "hello"},
			expOutput: "hello\n",
		},
		{
			name:   "no output",
			tokens: []string{"true"},
		},
		{
			name:        "non-zero exit",
			tokens:      []string{"sh", "-c", "exit 3"},
			expExitCode: 3,
		},
		{
			name:      "stdout and stderr are combined in order",
			tokens:    []string{"sh", "-c", "printf a; printf b 1>&2; printf c"},
			expOutput: "abc",
		},
		{
			name:      "args are passed through",
			tokens:    []string{"printf", "%s-%s", "x", "y"},
			expOutput: "x-y",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out, term := launchAndCollect(t, c.tokens...)
			assert.Equal(t, c.expOutput, out)
			assert.True(t, term.Exited)
			assert.Equal(t, c.expExitCode, term.ExitCode)
			assert.NotZero(t, term.PID)
		})
	}
}

func TestLaunchEmpty(t *testing.T) {
	_, err := Launch(nil)
	require.ErrorIs(t, err, ErrEmptyCommand)
}

func TestLaunchMissingProgram(t *testing.T) {
	child, err := Launch([]string{"definitely-not-a-real-program-cmdrelay"})
	require.NoError(t, err)
	defer child.Close()

	require.Error(t, child.SpawnErr())
	assert.Zero(t, child.PID)

	out, err := io.ReadAll(child.Output)
	require.NoError(t, err)
	assert.Contains(t, string(out), "definitely-not-a-real-program-cmdrelay")

	term, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, Termination{Exited: true, ExitCode: 127}, term)
	assert.False(t, term.Success())
	assert.NoError(t, child.Kill())
}

func TestLaunchNotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0644))

	out, term := launchAndCollect(t, path)
	assert.Contains(t, out, "permission denied")
	assert.Equal(t, 127, term.ExitCode)
}

func TestChildSignaled(t *testing.T) {
	_, term := launchAndCollect(t, "sh", "-c", "kill -TERM $$")
	assert.True(t, term.Signaled)
	assert.False(t, term.Exited)
	assert.Equal(t, syscall.SIGTERM, term.Signal)
	assert.Contains(t, term.String(), "signaled=15")
}

func TestChildWaitIsIdempotent(t *testing.T) {
	child, err := Launch([]string{"sh", "-c", "exit 2"})
	require.NoError(t, err)
	defer child.Close()
	_, err = io.ReadAll(child.Output)
	require.NoError(t, err)

	first, err := child.Wait()
	require.NoError(t, err)
	second, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, second.ExitCode)
}

func TestChildKillReachesDescendants(t *testing.T) {
	// the backgrounded sleep inherits the pipe, so EOF only arrives once it dies too
	child, err := Launch([]string{"sh", "-c", "sleep 30 & sleep 30"})
	require.NoError(t, err)
	defer child.Close()

	require.NoError(t, child.Kill())

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(child.Output)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipe did not reach EOF after kill")
	}

	term, err := child.Wait()
	require.NoError(t, err)
	assert.True(t, term.Signaled)
	assert.Equal(t, syscall.SIGKILL, term.Signal)

	assert.NoError(t, child.Kill(), "killing a reaped child is not an error")
}

func TestChildKillAfterWaitLeavesReusedPIDAlone(t *testing.T) {
	reaped, err := Launch([]string{"true"})
	require.NoError(t, err)
	defer reaped.Close()
	_, err = io.ReadAll(reaped.Output)
	require.NoError(t, err)
	_, err = reaped.Wait()
	require.NoError(t, err)

	other, err := Launch([]string{"sh", "-c", "sleep 0.3; echo alive"})
	require.NoError(t, err)
	defer other.Close()

	// simulate the kernel handing the reaped PID to an unrelated process group
	reaped.PID = other.PID
	require.NoError(t, reaped.Kill())

	out, err := io.ReadAll(other.Output)
	require.NoError(t, err)
	term, err := other.Wait()
	require.NoError(t, err)
	assert.Equal(t, "alive\n", string(out))
	assert.True(t, term.Success(), "got %s", term)
}

func TestReap(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	child, err := Launch([]string{"sh", "-c", "exit 5"})
	require.NoError(t, err)
	defer child.Close()
	_, err = io.ReadAll(child.Output)
	require.NoError(t, err)

	term := Reap(log, child)
	assert.Equal(t, 5, term.ExitCode)
	assert.Equal(t, "exit=5", term.String())

	missing, err := Launch([]string{"definitely-not-a-real-program-cmdrelay"})
	require.NoError(t, err)
	defer missing.Close()
	term = Reap(zap.NewNop().Sugar(), missing)
	assert.Equal(t, 127, term.ExitCode)
}
