package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ShutdownPolicy controls what Run does with in-flight connections once it is asked to stop.
type ShutdownPolicy string

const (
	// ShutdownAbrupt closes the listener and returns immediately, abandoning in-flight connections.
	ShutdownAbrupt ShutdownPolicy = "abrupt"
	// ShutdownDrain closes the listener and waits for in-flight connections to finish.
	ShutdownDrain ShutdownPolicy = "drain"
)

// Server accepts connections and runs one command per connection.
type Server struct {
	log *zap.SugaredLogger

	listenAddr       string
	backlog          int
	maxConcurrent    int
	chunkSize        int
	killOnDisconnect bool
	tokenize         Tokenizer
	shutdown         ShutdownPolicy
	adminAddr        string
	metricReaders    []sdkmetric.Reader

	listener *Listener
	admin    *adminServer
	handler  *connHandler
	stats    *Stats

	// inflight tracks connection goroutines when maxConcurrent > 1.
	inflight sync.WaitGroup
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithBacklog sets the listen backlog, which defaults to 1.
func WithBacklog(n int) Option {
	return func(s *Server) {
		s.backlog = n
	}
}

// WithMaxConcurrent allows up to n connections to be handled at once. The default of 1 handles connections strictly in order.
func WithMaxConcurrent(n int) Option {
	return func(s *Server) {
		s.maxConcurrent = n
	}
}

func WithChunkSize(n int) Option {
	return func(s *Server) {
		s.chunkSize = n
	}
}

// WithKillOnDisconnect controls whether a child is killed when its client goes away mid-relay. Defaults to true.
func WithKillOnDisconnect(b bool) Option {
	return func(s *Server) {
		s.killOnDisconnect = b
	}
}

func WithTokenizer(t Tokenizer) Option {
	return func(s *Server) {
		s.tokenize = t
	}
}

func WithShutdownPolicy(p ShutdownPolicy) Option {
	return func(s *Server) {
		s.shutdown = p
	}
}

// WithAdminAddr enables the HTTP admin endpoint on addr.
func WithAdminAddr(addr string) Option {
	return func(s *Server) {
		s.adminAddr = addr
	}
}

// WithMetricReader attaches r to the server's counters, for example to export them through an OpenTelemetry pipeline.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(s *Server) {
		s.metricReaders = append(s.metricReaders, r)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("relayd").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

func NewServer(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:              logger.Named("relayd").Sugar(),
		listenAddr:       "0.0.0.0:5000",
		backlog:          1,
		maxConcurrent:    1,
		chunkSize:        DefaultChunkSize,
		killOnDisconnect: true,
		tokenize:         SplitWhitespace,
		shutdown:         ShutdownAbrupt,
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent connections must be at least 1, got %d", s.maxConcurrent)
	}
	switch s.shutdown {
	case ShutdownAbrupt, ShutdownDrain:
	default:
		return nil, fmt.Errorf("unsupported shutdown policy %q", s.shutdown)
	}
	s.stats, err = newStats(s.metricReaders...)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	s.handler = &connHandler{
		log:              s.log.Named("conn"),
		tokenize:         s.tokenize,
		chunkSize:        s.chunkSize,
		killOnDisconnect: s.killOnDisconnect,
	}
	return s, nil
}

// Start binds the listening socket and, if configured, the admin endpoint.
func (s *Server) Start() error {
	l, err := Listen(s.listenAddr, s.backlog)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	s.listener = l
	if s.adminAddr != "" {
		admin, err := newAdminServer(s.log.Named("admin"), s.adminAddr, s.stats)
		if err != nil {
			l.Close()
			return fmt.Errorf("starting admin endpoint: %w", err)
		}
		s.admin = admin
	}
	s.log.Infow("listening", "Addr", l.Addr().String(), "Backlog", s.backlog, "MaxConcurrent", s.maxConcurrent)
	return nil
}

// Addr returns the bound address. Start must have been called.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// AdminAddr returns the admin endpoint's bound address, or nil if it is disabled.
func (s *Server) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.addr()
}

func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// Serve accepts connections until the listener is closed, returning nil in that case.
// Any other accept error stops the loop and is returned.
// With the default concurrency of 1, each connection is fully handled before the next accept.
func (s *Server) Serve() error {
	var sem *semaphore.Weighted
	if s.maxConcurrent > 1 {
		sem = semaphore.NewWeighted(int64(s.maxConcurrent))
		defer s.inflight.Wait()
	}
	for {
		if sem != nil {
			if err := sem.Acquire(context.Background(), 1); err != nil {
				return err
			}
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if sem != nil {
				sem.Release(1)
			}
			if errors.Is(err, ErrListenerClosed) {
				s.log.Debug("listener closed, serve loop exiting")
				return nil
			}
			s.log.Errorw("accept failed, serve loop exiting", "Error", err)
			return err
		}
		s.stats.recordAccepted(context.Background())
		s.log.Infow("accepted connection", "Remote", conn.RemoteAddr().String())

		if sem == nil {
			s.handle(conn)
			continue
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer sem.Release(1)
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	o := s.handler.handle(conn)
	s.stats.record(context.Background(), o)
}

// Run starts the server if needed and serves until ctx is done or the serve loop fails.
// When ctx is done the listener is closed; with ShutdownAbrupt, Run then returns without waiting for in-flight connections.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Start(); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	served := make(chan struct{})
	group.Go(func() error {
		defer close(served)
		return s.Serve()
	})
	if s.admin != nil {
		group.Go(s.admin.serve)
	}
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case <-served:
		}
		return s.Close()
	})

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	if s.shutdown == ShutdownDrain {
		err := <-done
		s.log.Infow("server stopped", "Error", err)
		return err
	}
	select {
	case err := <-done:
		s.log.Infow("server stopped", "Error", err)
		return err
	case <-ctx.Done():
		if err := s.Close(); err != nil {
			s.log.Warnw("error closing listener", "Error", err)
		}
		s.log.Info("shutdown requested, listener closed")
		return nil
	}
}

// Close closes the listener and the admin endpoint. It is safe to call more than once and from any goroutine.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.admin != nil {
		err = multierr.Append(err, s.admin.close())
	}
	return err
}
