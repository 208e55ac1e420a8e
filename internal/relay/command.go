package relay

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/drksbr/relaytun/internal/config"
	"github.com/drksbr/relaytun/internal/observability"
	"github.com/drksbr/relaytun/internal/runtime"
)

type relayOptions struct {
	listen           string
	secureListen     string
	baseDomain       string
	publicScheme     string
	credentialsPath  string
	token            string
	sessionIDMode    string
	sessionTTL       time.Duration
	proxyTimeout     time.Duration
	maxStreams       int
	browserAuth      bool
	insecureCookies  bool
	keepAlive        time.Duration
	enrollRate       float64
	enrollBurst      int
	acmeEmail        string
	acmeCache        string
	acmeHTTPAddr     string
	tracing          bool
	traceExporter    string
	traceEndpoint    string
	traceInsecure    bool
	traceSampleRatio float64
}

func defaultOptions() *relayOptions {
	return &relayOptions{
		listen:        ":8080",
		publicScheme:  "https",
		sessionIDMode: "uuid",
		sessionTTL:    time.Hour,
		browserAuth:   true,
		enrollRate:    1,
		enrollBurst:   5,
	}
}

func NewCommand(globals *runtime.Options) *cobra.Command {
	opts := defaultOptions()

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Public relay accepting host control channels and proxying subdomain traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := globals.ComponentLogger("relay")
			if err != nil {
				return err
			}
			if err := opts.applyEnv(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()
			shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
				Enabled:     opts.tracing,
				Exporter:    opts.traceExporter,
				ServiceName: "relaytun-relay",
				Endpoint:    opts.traceEndpoint,
				Insecure:    opts.traceInsecure,
				SampleRatio: opts.traceSampleRatio,
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(shutdownCtx); err != nil {
					logger.Warn("tracing shutdown", "error", err)
				}
			}()

			server, err := newRelayServer(logger, opts)
			if err != nil {
				return err
			}
			return server.run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.listen, "listen", opts.listen, "plain HTTP listen address")
	flags.StringVar(&opts.secureListen, "secure-listen", "", "optional TLS listen address served with Let's Encrypt certificates")
	flags.StringVar(&opts.baseDomain, "base-domain", "", "domain under which hosts are served as {host-id}.{base-domain} (env RELAYTUN_BASE_DOMAIN)")
	flags.StringVar(&opts.publicScheme, "public-scheme", opts.publicScheme, "scheme used when building relay urls handed to browsers")
	flags.StringVar(&opts.credentialsPath, "credentials", "", "YAML file listing bearer tokens and their hosts (env RELAYTUN_CREDENTIALS)")
	flags.StringVar(&opts.token, "token", "", "single bearer token granted every host (env RELAYTUN_TOKEN)")
	flags.StringVar(&opts.sessionIDMode, "session-id-mode", opts.sessionIDMode, "relay session identifier generator (uuid or cuid)")
	flags.DurationVar(&opts.sessionTTL, "relay-session-ttl", opts.sessionTTL, "lifetime of relay sessions and browser grants")
	flags.DurationVar(&opts.proxyTimeout, "proxy-timeout", 0, "time to wait for response headers from a host (0 disables)")
	flags.IntVar(&opts.maxStreams, "max-streams", 0, "maximum concurrent streams per host (0 disables)")
	flags.BoolVar(&opts.browserAuth, "browser-auth", opts.browserAuth, "require the relay cookie on subdomain requests")
	flags.BoolVar(&opts.insecureCookies, "insecure-cookies", false, "omit the Secure attribute on relay cookies (plain HTTP development)")
	flags.DurationVar(&opts.keepAlive, "keepalive", 0, "control channel keepalive interval (0 uses the multiplexer default)")
	flags.Float64Var(&opts.enrollRate, "enroll-rate", opts.enrollRate, "enrollment requests per second allowed")
	flags.IntVar(&opts.enrollBurst, "enroll-burst", opts.enrollBurst, "enrollment request burst size")
	flags.StringVar(&opts.acmeEmail, "acme-email", "", "contact email for Let's Encrypt registration")
	flags.StringVar(&opts.acmeCache, "acme-cache", "", "directory for ACME certificate cache")
	flags.StringVar(&opts.acmeHTTPAddr, "acme-http", "", "optional listen address for ACME HTTP-01 challenges (e.g. :80)")
	flags.BoolVar(&opts.tracing, "tracing", false, "enable OpenTelemetry tracing")
	flags.StringVar(&opts.traceExporter, "trace-exporter", "stdout", "tracing exporter (stdout, otlp-grpc, otlp-http)")
	flags.StringVar(&opts.traceEndpoint, "trace-endpoint", "", "tracing collector endpoint")
	flags.BoolVar(&opts.traceInsecure, "trace-insecure", false, "disable TLS towards the tracing collector")
	flags.Float64Var(&opts.traceSampleRatio, "trace-sample-ratio", 1, "fraction of new traces recorded")

	return cmd
}

func (o *relayOptions) applyEnv(cmd *cobra.Command) error {
	err := config.ApplyFlagEnv(cmd.Flags(), config.FlagEnv{
		"base-domain": "RELAYTUN_BASE_DOMAIN",
		"credentials": "RELAYTUN_CREDENTIALS",
		"token":       "RELAYTUN_TOKEN",
		"listen":      "RELAYTUN_LISTEN",
	})
	o.baseDomain = strings.Trim(strings.ToLower(strings.TrimSpace(o.baseDomain)), ".")
	return err
}
