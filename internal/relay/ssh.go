package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/drksbr/relaytun/internal/protocol"
	"github.com/drksbr/relaytun/internal/tunnel"
	"github.com/drksbr/relaytun/internal/wsconn"
)

const tunnelOpenTimeout = 15 * time.Second

// handleSSH bridges a WebSocket client to the host's TCP forward.
func (s *relayServer) handleSSH(w http.ResponseWriter, r *http.Request) {
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
		writeError(w, http.StatusForbidden, "host not allowed")
		return
	}
	cs, ok := s.hosts.Get(hostID)
	if !ok {
		writeError(w, http.StatusNotFound, "No active relay")
		return
	}

	logger := s.logger.With("host_id", hostID, "remote", r.RemoteAddr)
	ctx, cancel := context.WithTimeout(r.Context(), tunnelOpenTimeout)
	conn, release, err := s.openTCPTunnel(ctx, cs)
	cancel()
	if err != nil {
		logger.Warn("ssh tunnel open failed", "error", err)
		if errors.Is(err, errTooManyStreams) {
			writeError(w, http.StatusServiceUnavailable, "Too many concurrent requests")
			return
		}
		writeError(w, http.StatusBadGateway, "Relay request failed")
		return
	}
	defer release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ssh upgrade failed", "error", err)
		return
	}
	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	logger.Info("ssh bridge opened")
	up, down := tunnel.Pipe(wsconn.New(ws), conn)
	s.metrics.tunnelBytes.WithLabelValues("up").Add(float64(up))
	s.metrics.tunnelBytes.WithLabelValues("down").Add(float64(down))
	logger.Info("ssh bridge closed", "sent", sizestr.ToString(up), "received", sizestr.ToString(down))
}
