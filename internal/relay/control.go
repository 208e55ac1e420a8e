package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/drksbr/relaytun/internal/mux"
	"github.com/drksbr/relaytun/internal/protocol"
	"github.com/drksbr/relaytun/internal/util/limiter"
	"github.com/drksbr/relaytun/internal/wsconn"
)

var errTooManyStreams = errors.New("stream limit reached")

// controlSession is the relay side of one connected host.
type controlSession struct {
	hostID      string
	remote      string
	credential  string
	connectedAt time.Time

	mux     *mux.Session
	streams *limiter.Limiter
}

// openStream opens a virtual stream towards the host. The returned release
// must be called once the stream is done.
func (cs *controlSession) openStream(ctx context.Context) (net.Conn, func(), error) {
	if !cs.streams.TryAcquire() {
		return nil, nil, errTooManyStreams
	}
	stream, err := cs.mux.Open(ctx)
	if err != nil {
		cs.streams.Release()
		return nil, nil, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = stream.Close()
			cs.streams.Release()
		})
	}
	return stream, release, nil
}

func (cs *controlSession) close() {
	_ = cs.mux.Close()
}

func (s *relayServer) handleControl(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("host_id")
	if !protocol.ValidHostID(hostID) {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	cred, ok := s.authenticate(r)
	if !ok {
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !cred.allows(hostID) {
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusForbidden, "host not allowed")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr, "host_id", hostID)
		return
	}

	logger := s.logger.With("host_id", hostID, "remote", r.RemoteAddr)
	sess, err := mux.Server(wsconn.New(ws), s.muxConfig, logger)
	if err != nil {
		logger.Warn("control session setup failed", "error", err)
		_ = ws.Close()
		return
	}

	cs := &controlSession{
		hostID:      hostID,
		remote:      r.RemoteAddr,
		credential:  cred.Name,
		connectedAt: time.Now(),
		mux:         sess,
		streams:     limiter.New(s.opts.maxStreams),
	}
	if prev, replaced := s.hosts.Insert(hostID, cs); replaced {
		logger.Info("control channel replaced", "previous_remote", prev.remote)
		prev.close()
	} else {
		s.metrics.hostsConnected.Inc()
	}
	logger.Info("host connected", "credential", cred.Name)

	select {
	case <-sess.CloseChan():
	case <-s.ctx.Done():
		sess.Close()
	}

	if s.hosts.RemoveIf(hostID, cs) {
		s.metrics.hostsConnected.Dec()
	}
	logger.Info("host disconnected", "duration", time.Since(cs.connectedAt).Round(time.Millisecond))
}
