// Package sshproxy bridges stdin and stdout to a relay's SSH endpoint so it
// can run as an OpenSSH ProxyCommand.
package sshproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drksbr/relaytun/internal/protocol"
	"github.com/drksbr/relaytun/internal/version"
)

const readBufferSize = 8 << 10

type Config struct {
	RemoteURL          string
	HostID             string
	AccessToken        string
	InsecureSkipVerify bool
}

// Run connects to the relay and copies stdin to binary frames and binary
// frames to stdout. It returns when either side reaches EOF, the relay
// closes the socket, or ctx is cancelled.
func Run(ctx context.Context, cfg Config, stdin io.Reader, stdout io.Writer, log *slog.Logger) error {
	ws, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer ws.Close()
	log.Debug("ssh relay connected", "host_id", cfg.HostID)

	errCh := make(chan error, 2)
	go func() { errCh <- copyToSocket(ws, stdin) }()
	go func() { errCh <- copyFromSocket(stdout, ws) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func copyToSocket(ws *websocket.Conn, r io.Reader) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return fmt.Errorf("send to relay: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
}

func copyFromSocket(w io.Writer, ws *websocket.Conn) error {
	for {
		kind, r, err := ws.NextReader()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			return fmt.Errorf("read from relay: %w", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
		if f, ok := w.(interface{ Sync() error }); ok {
			_ = f.Sync()
		}
	}
}

func dial(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	endpoint, err := protocol.SSHURL(cfg.RemoteURL, cfg.HostID)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         u.Hostname(),
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
	}
	header := http.Header{
		"Authorization": {"Bearer " + cfg.AccessToken},
		"User-Agent":    {"relaytun-ssh-proxy/" + version.Version},
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect ssh relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connect ssh relay: %w", err)
	}
	return ws, nil
}
