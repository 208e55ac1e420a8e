package agent

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/drksbr/relaytun/internal/tunnel"
)

const (
	localDialTimeout    = 10 * time.Second
	streamHeaderTimeout = 30 * time.Second
)

// LocalProxy answers requests arriving on tunnel streams. Ordinary requests
// and upgrades go to the local service; CONNECT is bridged to the TCP
// forward target when one is configured.
type LocalProxy struct {
	logger     *slog.Logger
	localAddr  string
	tcpForward string
	dial       dialFunc
	proxy      *httputil.ReverseProxy
}

func NewLocalProxy(cfg Config, logger *slog.Logger) (*LocalProxy, error) {
	dial, err := newDialer(cfg.DialVia, localDialTimeout)
	if err != nil {
		return nil, err
	}
	p := &LocalProxy{
		logger:     logger,
		localAddr:  cfg.LocalAddr,
		tcpForward: cfg.TCPForward,
		dial:       dial,
	}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dial(ctx, network, p.localAddr)
		},
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ExpectContinueTimeout: time.Second,
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			tunnel.PassThrough(pr, p.localAddr)
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  p.handleProxyError,
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
	return p, nil
}

func (p *LocalProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.proxy.ServeHTTP(w, r)
}

func (p *LocalProxy) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		p.logger.DebugContext(r.Context(), "request cancelled", "path", r.URL.Path)
	} else {
		p.logger.WarnContext(r.Context(), "local request failed", "error", err, "method", r.Method, "path", r.URL.Path)
	}
	http.Error(w, "Failed to connect to local server", http.StatusBadGateway)
}

func (p *LocalProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.tcpForward == "" {
		http.Error(w, "TCP tunneling not enabled", http.StatusForbidden)
		return
	}
	target, err := p.dial(r.Context(), "tcp", p.tcpForward)
	if err != nil {
		p.logger.WarnContext(r.Context(), "tcp forward dial failed", "error", err, "target", p.tcpForward)
		http.Error(w, "Failed to connect to TCP target", http.StatusBadGateway)
		return
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		target.Close()
		http.Error(w, "tunneling not supported", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hijacker.Hijack()
	if err != nil {
		target.Close()
		p.logger.WarnContext(r.Context(), "hijack failed", "error", err)
		return
	}
	if _, err := brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err == nil {
		err = brw.Flush()
	}
	if err != nil {
		conn.Close()
		target.Close()
		return
	}
	p.logger.DebugContext(r.Context(), "tcp tunnel open", "target", p.tcpForward)
	tunnel.LoggedPipe(p.logger, "tcp tunnel closed", tunnel.WithReader(conn, brw.Reader), target)
}

// ServeStream runs an HTTP/1.1 server for one tunnel stream and returns
// when the stream is closed.
func ServeStream(stream net.Conn, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: streamHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
	}
	return tunnel.ServeConn(srv, stream)
}
