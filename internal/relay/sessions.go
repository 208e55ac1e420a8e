package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drksbr/relaytun/internal/protocol"
)

var (
	errSessionNotFound = errors.New("relay session not found")
	errSessionExpired  = errors.New("relay session expired")
)

// relaySession authorizes one caller to open browser grants for a host.
type relaySession struct {
	ID        string
	HostID    string
	Owner     string
	ExpiresAt time.Time
}

// browserGrant is what a relay_token cookie stands for.
type browserGrant struct {
	HostID    string
	SessionID string
	ExpiresAt time.Time
}

type sessionStore struct {
	ttl   time.Duration
	newID func() string
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]relaySession
	grants   map[string]browserGrant
}

func newSessionStore(ttl time.Duration, newID func() string) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		newID:    newID,
		now:      time.Now,
		sessions: make(map[string]relaySession),
		grants:   make(map[string]browserGrant),
	}
}

func (st *sessionStore) create(hostID, owner string) relaySession {
	now := st.now()
	sess := relaySession{
		ID:        st.newID(),
		HostID:    hostID,
		Owner:     owner,
		ExpiresAt: now.Add(st.ttl),
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sweepLocked(now)
	st.sessions[sess.ID] = sess
	return sess
}

// lookup keeps expired sessions around until the next sweep so callers can
// tell expiry apart from an unknown id.
func (st *sessionStore) lookup(id string) (relaySession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return relaySession{}, errSessionNotFound
	}
	if !st.now().Before(sess.ExpiresAt) {
		return sess, errSessionExpired
	}
	return sess, nil
}

// grant mints a browser token bound to the session's host. The grant ends
// with the session.
func (st *sessionStore) grant(sess relaySession) string {
	token := uuid.NewString()
	st.mu.Lock()
	st.grants[token] = browserGrant{HostID: sess.HostID, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt}
	st.mu.Unlock()
	return token
}

func (st *sessionStore) browserGrant(token string) (browserGrant, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	g, ok := st.grants[token]
	if !ok {
		return browserGrant{}, false
	}
	if !st.now().Before(g.ExpiresAt) {
		delete(st.grants, token)
		return browserGrant{}, false
	}
	return g, true
}

func (st *sessionStore) counts() (sessions, grants int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions), len(st.grants)
}

func (st *sessionStore) sweepLocked(now time.Time) {
	for id, sess := range st.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(st.sessions, id)
		}
	}
	for token, g := range st.grants {
		if !now.Before(g.ExpiresAt) {
			delete(st.grants, token)
		}
	}
}

func (s *relayServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.authenticate(r)
	if !ok {
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req protocol.CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !protocol.ValidHostID(req.HostID) {
		writeError(w, http.StatusBadRequest, "invalid host id")
		return
	}
	if !cred.allows(req.HostID) {
		writeError(w, http.StatusForbidden, "host not allowed")
		return
	}
	sess := s.sessions.create(req.HostID, cred.Name)
	s.logger.Info("relay session created", "session_id", sess.ID, "host_id", sess.HostID, "credential", cred.Name)
	writeJSON(w, http.StatusCreated, protocol.SessionResponse{
		SessionID: sess.ID,
		HostID:    sess.HostID,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *relayServer) handleSessionAuthCode(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.authenticate(r)
	if !ok {
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.issueAuthCode(w, r.PathValue("session_id"), cred.allows)
}

// issueAuthCode mints a one-time code for the session's host. allowed
// decides whether the caller may act for that host.
func (s *relayServer) issueAuthCode(w http.ResponseWriter, sessionID string, allowed func(hostID string) bool) {
	if s.opts.baseDomain == "" {
		writeError(w, http.StatusNotFound, "Relay subdomains not configured")
		return
	}
	sess, err := s.sessions.lookup(sessionID)
	switch {
	case errors.Is(err, errSessionExpired):
		s.metrics.authCodes.WithLabelValues("expired").Inc()
		writeError(w, http.StatusGone, "Relay session expired")
		return
	case err != nil:
		s.metrics.authCodes.WithLabelValues("not_found").Inc()
		writeError(w, http.StatusNotFound, "Relay session not found")
		return
	}
	if !allowed(sess.HostID) {
		s.metrics.authCodes.WithLabelValues("forbidden").Inc()
		writeError(w, http.StatusForbidden, "host not allowed")
		return
	}
	if _, ok := s.hosts.Get(sess.HostID); !ok {
		s.metrics.authCodes.WithLabelValues("offline").Inc()
		writeError(w, http.StatusNotFound, "No active relay")
		return
	}

	token := s.sessions.grant(sess)
	code := s.hosts.StoreAuthCode(sess.HostID, token)
	s.metrics.authCodes.WithLabelValues("issued").Inc()
	writeJSON(w, http.StatusOK, protocol.AuthCodeResponse{
		SessionID: sess.ID,
		RelayURL:  s.relayURL(sess.HostID),
		Code:      code,
	})
}

func (s *relayServer) relayURL(hostID string) string {
	return fmt.Sprintf("%s://%s.%s/", s.opts.publicScheme, hostID, s.opts.baseDomain)
}
