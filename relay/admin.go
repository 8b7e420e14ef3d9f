package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// adminServer is a read-only HTTP endpoint for health checks and counters. It never runs commands.
type adminServer struct {
	log      *zap.SugaredLogger
	stats    *Stats
	listener net.Listener
	server   *http.Server

	closeOnce sync.Once
	closeErr  error
}

func newAdminServer(log *zap.SugaredLogger, addr string, stats *Stats) (*adminServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	a := &adminServer{
		log:      log,
		stats:    stats,
		listener: l,
	}
	a.server = &http.Server{Handler: a.router(), ReadHeaderTimeout: 5 * time.Second}
	return a, nil
}

func (a *adminServer) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/stats", a.getStats)
	return router
}

func (a *adminServer) addr() net.Addr {
	return a.listener.Addr()
}

func (a *adminServer) serve() error {
	a.log.Infow("admin endpoint listening", "Addr", a.listener.Addr().String())
	err := a.server.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// close stops the HTTP server and releases the listening socket, which http.Server.Close
// only does for listeners that Serve has already been handed.
func (a *adminServer) close() error {
	a.closeOnce.Do(func() {
		err := a.server.Close()
		if lerr := a.listener.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) {
			err = multierr.Append(err, lerr)
		}
		a.closeErr = err
	})
	return a.closeErr
}

type heartbeatResponse struct {
	Status string
	Uptime string
}

func (a *adminServer) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, heartbeatResponse{
		Status: "ok",
		Uptime: time.Since(a.stats.StartedAt()).Round(time.Second).String(),
	})
}

func (a *adminServer) getStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	snap, err := a.stats.Collect(r.Context())
	if err != nil {
		a.log.Warnw("error collecting stats", "Error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, snap)
}

func (a *adminServer) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		a.log.Debugf("error writing admin response: %s", err)
	}
}
