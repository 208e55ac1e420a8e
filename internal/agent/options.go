package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/drksbr/relaytun/internal/config"
	"github.com/drksbr/relaytun/internal/mux"
	"github.com/drksbr/relaytun/internal/protocol"
	"github.com/drksbr/relaytun/internal/runtime"
)

type options struct {
	relayURL       string
	hostID         string
	token          string
	localAddr      string
	tcpForward     string
	dialVia        string
	insecure       bool
	requestTimeout time.Duration
	reconnectMin   time.Duration
	reconnectMax   time.Duration
	keepAlive      time.Duration

	controlURL string
	logger     *slog.Logger
}

func NewCommand(globals *runtime.Options) *cobra.Command {
	opts := &options{
		reconnectMin: 2 * time.Second,
		reconnectMax: 30 * time.Second,
	}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Expose a local HTTP service through the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := globals.ComponentLogger("agent")
			if err != nil {
				return err
			}
			if err := opts.applyEnv(cmd); err != nil {
				return err
			}
			if err := opts.validate(); err != nil {
				return err
			}
			opts.logger = logger
			return opts.run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opts.relayURL, "relay", "", "relay base url, e.g. https://relay.example.com (env RELAYTUN_RELAY_URL)")
	cmd.Flags().StringVar(&opts.hostID, "host-id", "", "host identifier served as {host-id}.{base-domain} (env RELAYTUN_HOST_ID)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token presented to the relay (env RELAYTUN_TOKEN)")
	cmd.Flags().StringVar(&opts.localAddr, "local", "", "local service address, host:port (env RELAYTUN_LOCAL_ADDR)")
	cmd.Flags().StringVar(&opts.tcpForward, "tcp-forward", "", "optional host:port reachable through CONNECT, e.g. 127.0.0.1:22 (env RELAYTUN_TCP_FORWARD)")
	cmd.Flags().StringVar(&opts.dialVia, "dial-via", "", "optional SOCKS5 proxy for local and tcp-forward dials")
	cmd.Flags().BoolVar(&opts.insecure, "insecure-skip-verify", false, "skip relay TLS certificate verification (env RELAYTUN_INSECURE)")
	cmd.Flags().DurationVar(&opts.requestTimeout, "request-timeout", 0, "time to wait for local response headers (0 disables)")
	cmd.Flags().DurationVar(&opts.reconnectMin, "reconnect-min", opts.reconnectMin, "minimum delay between reconnect attempts")
	cmd.Flags().DurationVar(&opts.reconnectMax, "reconnect-max", opts.reconnectMax, "maximum delay between reconnect attempts")
	cmd.Flags().DurationVar(&opts.keepAlive, "keepalive", 0, "control channel keepalive interval (0 uses the multiplexer default)")

	return cmd
}

// applyEnv fills flags the user did not set from the environment. It runs
// after the persistent pre-run so that .env values are visible.
func (o *options) applyEnv(cmd *cobra.Command) error {
	return config.ApplyFlagEnv(cmd.Flags(), config.FlagEnv{
		"relay":                "RELAYTUN_RELAY_URL",
		"host-id":              "RELAYTUN_HOST_ID",
		"token":                "RELAYTUN_TOKEN",
		"local":                "RELAYTUN_LOCAL_ADDR",
		"tcp-forward":          "RELAYTUN_TCP_FORWARD",
		"dial-via":             "RELAYTUN_DIAL_VIA",
		"insecure-skip-verify": "RELAYTUN_INSECURE",
	})
}

func (o *options) validate() error {
	if o.relayURL == "" {
		return errors.New("--relay is required")
	}
	o.hostID = strings.ToLower(strings.TrimSpace(o.hostID))
	if o.hostID == "" {
		return errors.New("--host-id is required")
	}
	controlURL, err := protocol.ControlURL(o.relayURL, o.hostID)
	if err != nil {
		return err
	}
	o.controlURL = controlURL
	if o.token == "" {
		return errors.New("--token is required")
	}
	if o.localAddr == "" {
		return errors.New("--local is required")
	}
	if _, _, err := net.SplitHostPort(o.localAddr); err != nil {
		return fmt.Errorf("invalid --local address: %w", err)
	}
	if o.tcpForward != "" {
		if _, _, err := net.SplitHostPort(o.tcpForward); err != nil {
			return fmt.Errorf("invalid --tcp-forward address: %w", err)
		}
	}
	if o.requestTimeout < 0 {
		return errors.New("--request-timeout cannot be negative")
	}
	if o.reconnectMin <= 0 {
		o.reconnectMin = 2 * time.Second
	}
	if o.reconnectMax < o.reconnectMin {
		o.reconnectMax = o.reconnectMin
	}
	return nil
}

func (o *options) config() Config {
	return Config{
		ControlURL:         o.controlURL,
		Token:              o.token,
		LocalAddr:          o.localAddr,
		InsecureSkipVerify: o.insecure,
		TCPForward:         o.tcpForward,
		RequestTimeout:     o.requestTimeout,
		DialVia:            o.dialVia,
		Mux:                mux.Config{KeepAliveInterval: o.keepAlive},
	}
}
