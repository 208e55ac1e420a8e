package relay

import (
	"net/http"

	"github.com/drksbr/relaytun/internal/protocol"
)

// subdomainMiddleware serves "<host-id>.<base-domain>" itself and passes
// every other Host to next untouched.
func (s *relayServer) subdomainMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostID, ok := protocol.ExtractHostID(r.Host, s.opts.baseDomain)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == protocol.ExchangePath {
			s.handleExchange(w, r, hostID)
			return
		}
		if s.opts.browserAuth && !s.checkRelayCookie(w, r, hostID) {
			return
		}
		cs, ok := s.hosts.Get(hostID)
		if !ok {
			writeError(w, http.StatusNotFound, "No active relay")
			return
		}
		s.proxyOverControl(w, r, cs, "")
	})
}

// handleExchange trades a one-time code for the relay cookie, then sends the
// browser to the site root.
func (s *relayServer) handleExchange(w http.ResponseWriter, r *http.Request, hostID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}
	codeHost, token, ok := s.hosts.RedeemAuthCode(code)
	if !ok || codeHost != hostID {
		s.metrics.authCodes.WithLabelValues("rejected").Inc()
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusUnauthorized, "invalid or expired code")
		return
	}
	s.metrics.authCodes.WithLabelValues("redeemed").Inc()

	maxAge := 0
	if grant, ok := s.sessions.browserGrant(token); ok {
		maxAge = int(grant.ExpiresAt.Sub(s.sessions.now()).Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     protocol.RelayTokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   !s.opts.insecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *relayServer) checkRelayCookie(w http.ResponseWriter, r *http.Request, hostID string) bool {
	cookie, err := r.Cookie(protocol.RelayTokenCookie)
	if err != nil || cookie.Value == "" {
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	grant, ok := s.sessions.browserGrant(cookie.Value)
	if !ok {
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if grant.HostID != hostID {
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}
