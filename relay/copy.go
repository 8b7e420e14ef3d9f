package relay

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

// DefaultChunkSize is the size of the single buffer used to move output from the pipe to the connection.
const DefaultChunkSize = 4096

var (
	// ErrPeerWrite means the connection rejected a write, usually because the client went away.
	ErrPeerWrite = errors.New("writing to peer")
	// ErrPipeRead means reading the child's output failed for a reason other than EOF.
	ErrPipeRead = errors.New("reading child output")
)

// Copy moves bytes from src to dst one chunk at a time until src reaches EOF, and returns the number of bytes written.
// Only one chunk is ever in flight: a blocked write stops further reads, which in turn blocks the child once the pipe fills.
// Calls interrupted by a signal are retried.
func Copy(dst io.Writer, src io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			werr := writeFull(dst, buf[:n])
			if werr != nil {
				return written, fmt.Errorf("%w: %w", ErrPeerWrite, werr)
			}
			written += int64(n)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return written, fmt.Errorf("%w: %w", ErrPipeRead, err)
	}
}

// writeFull writes all of p, resuming after short writes that were interrupted by a signal.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
