package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lucsky/cuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/time/rate"

	"github.com/drksbr/relaytun/internal/mux"
	"github.com/drksbr/relaytun/internal/protocol"
	"github.com/drksbr/relaytun/internal/registry"
	"github.com/drksbr/relaytun/internal/signing"
)

type relayServer struct {
	logger      *slog.Logger
	opts        *relayOptions
	metrics     *relayMetrics
	credentials []*credential

	ctx    context.Context
	cancel context.CancelFunc

	hosts    *registry.Registry[*controlSession]
	sessions *sessionStore
	signing  *signing.Service
	enroller *signing.Enroller

	// enrollOwner is the credential that asked for the pending enrollment
	// code. Start hands it to the enroller, which keeps it with the session.
	enrollMu      sync.Mutex
	enrollOwner   string
	enrollLimiter *rate.Limiter

	upgrader    websocket.Upgrader
	acmeManager *autocert.Manager
	resources   *resourceTracker
	muxConfig   mux.Config
	startedAt   time.Time

	httpSrv   *http.Server
	secureSrv *http.Server
	acmeSrv   *http.Server
}

func newRelayServer(logger *slog.Logger, opts *relayOptions) (*relayServer, error) {
	var credentials []*credential
	if strings.TrimSpace(opts.credentialsPath) != "" {
		loaded, err := loadCredentials(opts.credentialsPath)
		if err != nil {
			return nil, err
		}
		credentials = loaded
	}
	if opts.token != "" {
		credentials = append(credentials, &credential{Name: "default", Token: opts.token, AnyHost: true})
	}
	if len(credentials) == 0 {
		return nil, errors.New("--credentials or --token is required")
	}

	if opts.baseDomain != "" && strings.Contains(opts.baseDomain, "/") {
		return nil, fmt.Errorf("invalid --base-domain %q", opts.baseDomain)
	}
	if opts.sessionTTL <= 0 {
		return nil, errors.New("--relay-session-ttl must be positive")
	}
	if opts.proxyTimeout < 0 {
		return nil, errors.New("--proxy-timeout cannot be negative")
	}
	if opts.maxStreams < 0 {
		return nil, errors.New("--max-streams cannot be negative")
	}

	var idGen func() string
	switch mode := strings.ToLower(strings.TrimSpace(opts.sessionIDMode)); mode {
	case "", "uuid":
		idGen = uuid.NewString
	case "cuid":
		idGen = cuid.New
	default:
		return nil, fmt.Errorf("unsupported session id mode %q (use uuid or cuid)", opts.sessionIDMode)
	}

	var acmeManager *autocert.Manager
	if opts.secureListen != "" {
		if opts.baseDomain == "" {
			return nil, errors.New("--secure-listen requires --base-domain")
		}
		if opts.acmeCache != "" {
			if err := os.MkdirAll(opts.acmeCache, 0o750); err != nil {
				return nil, fmt.Errorf("create acme cache: %w", err)
			}
		}
		acmeManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: subdomainHostPolicy(opts.baseDomain),
			Email:      opts.acmeEmail,
		}
		if opts.acmeCache != "" {
			acmeManager.Cache = autocert.DirCache(opts.acmeCache)
		}
	}

	signingService := signing.NewService()
	ctx, cancel := context.WithCancel(context.Background())
	s := &relayServer{
		logger:        logger.With("role", "relay"),
		opts:          opts,
		metrics:       newRelayMetrics(),
		credentials:   credentials,
		ctx:           ctx,
		cancel:        cancel,
		hosts:         registry.New[*controlSession](),
		sessions:      newSessionStore(opts.sessionTTL, idGen),
		signing:       signingService,
		enroller:      signing.NewEnroller(signingService),
		enrollLimiter: rate.NewLimiter(rate.Limit(opts.enrollRate), opts.enrollBurst),
		acmeManager:   acmeManager,
		muxConfig:     mux.Config{KeepAliveInterval: opts.keepAlive},
		startedAt:     time.Now(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.resources = newResourceTracker(s.tunnelLoad)
	return s, nil
}

func (s *relayServer) tunnelLoad() (hosts, streams int) {
	s.hosts.Range(func(_ string, cs *controlSession) bool {
		if cs.mux.IsClosed() {
			return true
		}
		hosts++
		streams += cs.mux.NumStreams()
		return true
	})
	return hosts, streams
}

// subdomainHostPolicy admits the base domain and single-label subdomains
// that are valid host ids.
func subdomainHostPolicy(baseDomain string) autocert.HostPolicy {
	return func(_ context.Context, host string) error {
		host = strings.ToLower(host)
		if host == baseDomain {
			return nil
		}
		if _, ok := protocol.ExtractHostID(host, baseDomain); ok {
			return nil
		}
		return fmt.Errorf("acme: host %q not allowed", host)
	}
}

// handler builds the full routing tree. The subdomain middleware wraps
// everything so host traffic never reaches the API routes.
func (s *relayServer) handler() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("GET "+protocol.HealthPath, s.handleHealth)
	router.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("GET /status.json", s.handleStatusJSON)

	router.HandleFunc("GET "+protocol.ControlPathPrefix+"{host_id}", s.handleControl)
	router.HandleFunc("GET "+protocol.SSHPathPrefix+"{host_id}", s.handleSSH)
	router.HandleFunc(protocol.HostsPathPrefix+"{host_id}", s.handleHostPath)
	router.HandleFunc(protocol.HostsPathPrefix+"{host_id}/{rest...}", s.handleHostPath)

	router.HandleFunc("POST "+protocol.SessionsPath, s.handleCreateSession)
	router.HandleFunc("POST "+protocol.SessionsPath+"/{session_id}/auth-code", s.handleSessionAuthCode)

	router.HandleFunc("POST /v1/relay-auth/enrollment-code", s.handleEnrollmentCode)
	router.Handle("POST /v1/relay-auth/enroll/start", s.rateLimited(http.HandlerFunc(s.handleEnrollStart)))
	router.Handle("POST /v1/relay-auth/enroll/finish", s.rateLimited(http.HandlerFunc(s.handleEnrollFinish)))
	router.HandleFunc("POST /v1/relay-auth/verify", s.handleVerifySignature)
	router.Handle("POST "+protocol.SignedPathPrefix+"sessions/{session_id}/auth-code",
		s.requireSignature(http.HandlerFunc(s.handleSignedAuthCode)))

	return s.traceContext(s.subdomainMiddleware(router))
}

func (s *relayServer) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		s.cancel()
	}()

	s.resources.start(runCtx)

	errCh := make(chan error, 1)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	handler := s.handler()
	if s.acmeManager != nil {
		// HTTP-01 challenges are answered on the plain listener as well.
		handler = s.acmeManager.HTTPHandler(handler)
	}
	s.httpSrv = &http.Server{
		Addr:              s.opts.listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("http listening", "addr", s.opts.listen, "base_domain", s.opts.baseDomain)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("http: %w", err))
		}
	}()

	if s.acmeManager != nil && s.opts.acmeHTTPAddr != "" {
		s.acmeSrv = &http.Server{
			Addr:              s.opts.acmeHTTPAddr,
			Handler:           s.acmeManager.HTTPHandler(nil),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info("acme http listening", "addr", s.opts.acmeHTTPAddr)
			if err := s.acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("acme http: %w", err))
			}
		}()
	}

	if s.acmeManager != nil {
		s.secureSrv = &http.Server{
			Addr:              s.opts.secureListen,
			Handler:           s.handler(),
			ReadHeaderTimeout: 10 * time.Second,
			TLSConfig:         s.acmeManager.TLSConfig(),
		}
		go func() {
			ln, err := net.Listen("tcp", s.opts.secureListen)
			if err != nil {
				sendErr(fmt.Errorf("secure listen: %w", err))
				return
			}
			s.logger.Info("secure listening", "addr", s.opts.secureListen, "base_domain", s.opts.baseDomain)
			if err := s.secureSrv.Serve(tls.NewListener(ln, s.secureSrv.TLSConfig)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("secure serve: %w", err))
			}
		}()
	}

	var err error
	select {
	case err = <-errCh:
	case <-runCtx.Done():
		s.logger.Info("relay stopping", "cause", context.Cause(runCtx))
	}
	s.shutdown()
	return err
}

func (s *relayServer) shutdown() {
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for name, srv := range map[string]*http.Server{"http": s.httpSrv, "secure": s.secureSrv, "acme http": s.acmeSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(name+" shutdown", "error", err)
		}
	}

	s.hosts.Range(func(hostID string, cs *controlSession) bool {
		if s.hosts.RemoveIf(hostID, cs) {
			s.metrics.hostsConnected.Dec()
		}
		cs.close()
		return true
	})
}
