package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drksbr/relaytun/internal/observability"
	"github.com/drksbr/relaytun/internal/protocol"
	"github.com/drksbr/relaytun/internal/tunnel"
)

var errStreamUsed = errors.New("relay stream already used")

// proxyOverControl forwards r to the host behind cs on a fresh virtual
// stream. stripPrefix is removed from the path before forwarding.
func (s *relayServer) proxyOverControl(w http.ResponseWriter, r *http.Request, cs *controlSession, stripPrefix string) {
	ctx, span := observability.Tracer().Start(r.Context(), "relay.proxy",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("relay.host_id", cs.hostID),
			attribute.String("http.request.method", r.Method),
		))
	defer span.End()
	r = r.WithContext(ctx)
	start := time.Now()
	logger := s.logger.With("host_id", cs.hostID)

	stream, release, err := cs.openStream(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "open stream")
		if errors.Is(err, errTooManyStreams) {
			s.metrics.proxyRequests.WithLabelValues("throttled").Inc()
			writeError(w, http.StatusServiceUnavailable, "Too many concurrent requests")
			return
		}
		logger.WarnContext(ctx, "open stream failed", "error", err)
		s.metrics.proxyRequests.WithLabelValues("unavailable").Inc()
		writeError(w, http.StatusBadGateway, "Relay connection lost")
		return
	}
	defer release()
	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	failed := false
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			tunnel.PassThrough(pr, cs.hostID)
			pr.Out.URL.Path = protocol.RewritePath(pr.In.URL.Path, stripPrefix)
			if pr.In.URL.RawPath != "" {
				pr.Out.URL.RawPath = protocol.RewritePath(pr.In.URL.RawPath, stripPrefix)
			}
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			stripRelayCookie(pr.Out.Header)
		},
		Transport:     streamTransport(stream, s.opts.proxyTimeout),
		FlushInterval: -1,
		ErrorLog:      newErrorLog(logger),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			failed = true
			if errors.Is(err, context.Canceled) {
				logger.DebugContext(r.Context(), "proxied request cancelled", "path", r.URL.Path)
			} else {
				logger.WarnContext(r.Context(), "proxied request failed", "error", err, "method", r.Method, "path", r.URL.Path)
			}
			writeError(w, http.StatusBadGateway, "Relay request failed")
		},
	}
	proxy.ServeHTTP(w, r)

	s.metrics.proxyDuration.Observe(time.Since(start).Seconds())
	if failed {
		span.SetStatus(codes.Error, "proxy")
		s.metrics.proxyRequests.WithLabelValues("error").Inc()
		return
	}
	s.metrics.proxyRequests.WithLabelValues("ok").Inc()
}

// streamTransport speaks HTTP/1.1 over stream for exactly one request.
func streamTransport(stream net.Conn, headerTimeout time.Duration) *http.Transport {
	used := false
	return &http.Transport{
		Proxy: nil,
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			if used {
				return nil, errStreamUsed
			}
			used = true
			return stream, nil
		},
		DisableKeepAlives:     true,
		DisableCompression:    true,
		ResponseHeaderTimeout: headerTimeout,
		MaxIdleConnsPerHost:   -1,
	}
}

// stripRelayCookie removes the relay's own cookie so it never reaches the
// host's service.
func stripRelayCookie(h http.Header) {
	values := h.Values("Cookie")
	if len(values) == 0 {
		return
	}
	kept := make([]string, 0, len(values))
	for _, line := range values {
		var parts []string
		for _, part := range strings.Split(line, ";") {
			name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
			if name == protocol.RelayTokenCookie || strings.TrimSpace(part) == "" {
				continue
			}
			parts = append(parts, strings.TrimSpace(part))
		}
		if len(parts) > 0 {
			kept = append(kept, strings.Join(parts, "; "))
		}
	}
	h.Del("Cookie")
	for _, line := range kept {
		h.Add("Cookie", line)
	}
}

// openTCPTunnel asks the host for its TCP forward over a fresh stream. The
// returned conn carries raw bytes once the host has answered 2xx.
func (s *relayServer) openTCPTunnel(ctx context.Context, cs *controlSession) (net.Conn, func(), error) {
	stream, release, err := cs.openStream(ctx)
	if err != nil {
		return nil, nil, err
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: protocol.TCPTunnelAuthority},
		Host:   protocol.TCPTunnelAuthority,
		Header: make(http.Header),
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if err := req.Write(stream); err != nil {
		release()
		return nil, nil, fmt.Errorf("write connect: %w", err)
	}
	br := bufio.NewReader(stream)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("read connect response: %w", err)
	}
	// The body of a 2xx CONNECT reply is the tunnel itself, so it is left
	// unread.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		release()
		return nil, nil, fmt.Errorf("tunnel refused: %s", resp.Status)
	}
	_ = stream.SetDeadline(time.Time{})
	return tunnel.WithReader(stream, br), release, nil
}

// handleHostPath proxies /v1/relay/hosts/{host_id}/... for bearer callers.
func (s *relayServer) handleHostPath(w http.ResponseWriter, r *http.Request) {
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
	// The bearer token belongs to the relay, not to the host's service.
	r.Header.Del("Authorization")
	s.proxyOverControl(w, r, cs, protocol.HostsPathPrefix+hostID)
}
