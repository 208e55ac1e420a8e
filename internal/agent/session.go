package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/drksbr/relaytun/internal/logger"
	"github.com/drksbr/relaytun/internal/mux"
	"github.com/drksbr/relaytun/internal/version"
	"github.com/drksbr/relaytun/internal/wsconn"
)

// ErrControlClosed is returned by RunControl when the relay ends the
// control channel.
var ErrControlClosed = errors.New("control connection closed")

// Config describes one control channel to the relay.
type Config struct {
	ControlURL         string
	Token              string
	LocalAddr          string
	InsecureSkipVerify bool
	TCPForward         string
	RequestTimeout     time.Duration
	DialVia            string
	Mux                mux.Config
}

// RunControl dials the relay, serves every stream it opens, and blocks until
// ctx is cancelled (nil) or the channel fails (non-nil). It does not retry.
func RunControl(ctx context.Context, cfg Config, log *slog.Logger) error {
	handler, err := NewLocalProxy(cfg, log)
	if err != nil {
		return err
	}
	ws, err := dialControl(ctx, cfg)
	if err != nil {
		return err
	}
	sess, err := mux.Client(wsconn.New(ws), cfg.Mux, log)
	if err != nil {
		ws.Close()
		return err
	}
	defer sess.Close()
	log.InfoContext(ctx, "control channel established", "relay", ws.RemoteAddr().String())

	acceptErr := make(chan error, 1)
	go func() {
		for {
			stream, err := sess.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			go serveStream(ctx, stream, handler, log)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-acceptErr:
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, yamux.ErrSessionShutdown) {
			return ErrControlClosed
		}
		return fmt.Errorf("accept stream: %w", err)
	}
}

func serveStream(ctx context.Context, stream net.Conn, handler http.Handler, log *slog.Logger) {
	defer stream.Close()
	ctx = logger.WithStream(ctx)
	log.DebugContext(ctx, "stream accepted")
	if err := ServeStream(stream, handler, log); err != nil {
		log.DebugContext(ctx, "stream ended", "error", err)
	}
}

func dialControl(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	u, err := url.Parse(cfg.ControlURL)
	if err != nil {
		return nil, fmt.Errorf("parse control url: %w", err)
	}
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  15 * time.Second,
		EnableCompression: false,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         u.Hostname(),
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
	}
	header := http.Header{
		"Authorization": {"Bearer " + cfg.Token},
		"User-Agent":    {"relaytun-agent/" + version.Version},
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.ControlURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return ws, nil
}
