package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// Client sends a single command to a relay server and copies the response to a writer.
type Client struct {
	Logger *zap.SugaredLogger
	Addr   string

	dialer       *net.Dialer
	waitInterval time.Duration
}

type Option func(c *Client)

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialer.Timeout = d
	}
}

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("relay_client").Sugar()
	}
}

func New(addr string, opts ...Option) *Client {
	c := &Client{
		Logger:       zap.NewNop().Sugar(),
		Addr:         addr,
		dialer:       &net.Dialer{Timeout: 5 * time.Second},
		waitInterval: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run connects, sends command, and writes everything the server sends back to out until the server closes the connection.
// It returns the number of response bytes.
func (c *Client) Run(ctx context.Context, command string, out io.Writer) (int64, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return 0, fmt.Errorf("connecting to %s: %w", c.Addr, err)
	}
	defer conn.Close()

	// unblock reads if the context is canceled mid-response
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	c.Logger.Debugw("connected, sending command", "Addr", c.Addr, "Command", command)
	sent, err := io.WriteString(conn, command)
	if err != nil {
		return 0, fmt.Errorf("sending command: %w", err)
	}
	c.Logger.Debugw("sent command", "Bytes", sent)

	n, err := io.Copy(out, conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		return n, fmt.Errorf("reading response: %w", err)
	}
	c.Logger.Debugw("server closed connection", "Bytes", n)
	return n, nil
}

// WaitForServer blocks until a TCP connection to the server succeeds or ctx is done.
// The probe connection is closed without sending anything, which the server treats as a silent close.
func (c *Client) WaitForServer(ctx context.Context) error {
	for {
		conn, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
		if err == nil {
			return conn.Close()
		}
		c.Logger.Debugf("server not ready: %s", err)
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(c.waitInterval):
		}
	}
}
