package relay

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxCommandLen bounds the single read that receives the command line.
const maxCommandLen = 4095

var emptyCommandReply = []byte("empty command\n")

// ConnState is a step in the lifecycle of one connection.
type ConnState int

const (
	StateAwaitingCommand ConnState = iota
	StateEmptyCommand
	StatePeerClosedEarly
	StateExecuting
	StateRelaying
	StateReaping
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingCommand:
		return "AwaitingCommand"
	case StateEmptyCommand:
		return "EmptyCommand"
	case StatePeerClosedEarly:
		return "PeerClosedEarly"
	case StateExecuting:
		return "Executing"
	case StateRelaying:
		return "Relaying"
	case StateReaping:
		return "Reaping"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// outcome records what happened to a connection, for logging and Stats.
type outcome struct {
	id      string
	command string
	// final is the last state before Closed.
	final ConnState

	launchFailed bool
	spawned      bool
	spawnFailed  bool
	relayFailed  bool
	killed       bool
	relayed      int64
	term         *Termination
	err          error
}

type connHandler struct {
	log              *zap.SugaredLogger
	tokenize         Tokenizer
	chunkSize        int
	killOnDisconnect bool
}

type connRun struct {
	h     *connHandler
	log   *zap.SugaredLogger
	conn  net.Conn
	state ConnState
	out   outcome
}

func (r *connRun) transition(to ConnState) {
	r.log.Debugw("state transition", "From", r.state.String(), "To", to.String())
	if to != StateClosed {
		r.out.final = to
	}
	r.state = to
}

// handle runs the full lifecycle of one connection. The connection is always closed exactly once before it returns.
func (h *connHandler) handle(conn net.Conn) outcome {
	id := uuid.NewString()
	r := &connRun{
		h:     h,
		log:   h.log.With("ConnID", id, "Remote", conn.RemoteAddr().String()),
		conn:  conn,
		state: StateAwaitingCommand,
		out:   outcome{id: id, final: StateAwaitingCommand},
	}
	defer func() {
		r.transition(StateClosed)
		if err := conn.Close(); err != nil {
			r.log.Debugw("error closing conn", "Error", err)
		}
	}()

	tokens, ok := r.awaitCommand()
	if !ok {
		return r.out
	}
	if len(tokens) == 0 {
		r.transition(StateEmptyCommand)
		if err := writeFull(conn, emptyCommandReply); err != nil {
			r.log.Debugw("error sending empty command notice", "Error", err)
		}
		return r.out
	}

	r.transition(StateExecuting)
	child, err := Launch(tokens)
	if err != nil {
		r.log.Errorw("launching command", "Error", err)
		r.out.launchFailed = true
		r.out.err = err
		return r.out
	}
	if child.SpawnErr() != nil {
		r.out.spawnFailed = true
	} else {
		r.out.spawned = true
		r.log.Debugw("child started", "PID", child.PID)
	}

	r.transition(StateRelaying)
	r.relay(child)

	r.transition(StateReaping)
	if err := child.Close(); err != nil {
		r.log.Debugw("error closing output pipe", "Error", err)
	}
	term := Reap(r.log, child)
	r.out.term = &term
	return r.out
}

// awaitCommand reads the command line and tokenizes it. It returns false if the connection should be closed without a reply.
func (r *connRun) awaitCommand() ([]string, bool) {
	buf := make([]byte, maxCommandLen)
	var n int
	var err error
	for {
		n, err = r.conn.Read(buf)
		if n == 0 && errors.Is(err, syscall.EINTR) {
			continue
		}
		break
	}
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			r.log.Warnw("receiving command", "Error", err)
			r.out.err = err
			return nil, false
		}
		r.log.Infow("peer closed before sending a command")
		r.transition(StatePeerClosedEarly)
		return nil, false
	}

	command := trimCommand(buf[:n])
	r.out.command = command
	r.log.Infow("received command", "Command", command)

	tokens, err := r.h.tokenize(command)
	if err != nil {
		r.log.Infow("unable to tokenize command", "Error", err)
		return nil, true
	}
	return tokens, true
}

func (r *connRun) relay(child *Child) {
	n, err := Copy(r.conn, child.Output, r.h.chunkSize)
	r.out.relayed = n
	if err == nil {
		r.log.Debugw("relayed child output", "Bytes", n)
		return
	}

	r.log.Warnw("relay aborted", "Bytes", n, "Error", err)
	r.out.relayFailed = true
	r.out.err = err
	if !errors.Is(err, ErrPeerWrite) || !r.h.killOnDisconnect || child.SpawnErr() != nil {
		return
	}
	if kerr := child.Kill(); kerr != nil {
		r.out.err = multierr.Append(r.out.err, kerr)
		r.log.Warnw("killing orphaned child", "PID", child.PID, "Error", kerr)
		return
	}
	r.out.killed = true
	r.log.Infow("killed child after peer went away", "PID", child.PID)
}
