package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drksbr/relaytun/internal/agent"
	"github.com/drksbr/relaytun/internal/logger"
	"github.com/drksbr/relaytun/internal/mux"
	"github.com/drksbr/relaytun/internal/protocol"
)

const (
	testToken  = "secret"
	testDomain = "relay.test"
)

func newTestRelay(t *testing.T, mutate func(*relayOptions)) (*relayServer, *httptest.Server) {
	t.Helper()
	opts := defaultOptions()
	opts.token = testToken
	opts.baseDomain = testDomain
	opts.publicScheme = "http"
	opts.insecureCookies = true
	if mutate != nil {
		mutate(opts)
	}
	rs, err := newRelayServer(logger.Discard(), opts)
	if err != nil {
		t.Fatalf("newRelayServer: %v", err)
	}
	srv := httptest.NewServer(rs.handler())
	t.Cleanup(func() {
		rs.shutdown()
		srv.Close()
	})
	return rs, srv
}

// connectAgent runs a real agent against srv and waits until the relay has
// registered it.
func connectAgent(t *testing.T, rs *relayServer, srv *httptest.Server, hostID string, cfg agent.Config) <-chan error {
	t.Helper()
	controlURL, err := protocol.ControlURL(srv.URL, hostID)
	if err != nil {
		t.Fatal(err)
	}
	cfg.ControlURL = controlURL
	if cfg.Token == "" {
		cfg.Token = testToken
	}
	prev, _ := rs.hosts.Get(hostID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- agent.RunControl(ctx, cfg, logger.Discard())
	}()
	t.Cleanup(cancel)

	waitFor(t, func() bool {
		cs, ok := rs.hosts.Get(hostID)
		return ok && cs != prev
	})
	return done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Cookie", r.Header.Get("Cookie"))
		w.Header().Set("X-Seen-Authorization", r.Header.Get("Authorization"))
		fmt.Fprintf(w, "%s %s host=%s", r.Method, r.URL.RequestURI(), r.Host)
	}))
	t.Cleanup(backend.Close)
	return backend
}

func doRequest(t *testing.T, method, url, host, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	if host != "" {
		req.Host = host
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealth(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health protocol.HealthResponse
	decodeJSON(t, resp, &health)
	if health.Status != "ok" {
		t.Fatalf("health = %+v", health)
	}
}

func TestNewRelayServerRequiresCredentials(t *testing.T) {
	opts := defaultOptions()
	if _, err := newRelayServer(logger.Discard(), opts); err == nil {
		t.Fatal("expected error without credentials")
	}
	opts.token = "x"
	opts.sessionIDMode = "serial"
	if _, err := newRelayServer(logger.Discard(), opts); err == nil {
		t.Fatal("expected error for unknown session id mode")
	}
}

func TestControlAuthorization(t *testing.T) {
	rs, srv := newTestRelay(t, nil)
	rs.credentials = append(rs.credentials, &credential{Name: "limited", Token: "limited", Hosts: map[string]struct{}{"alpha": {}}})

	cases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"no token", "/v1/relay/connect/abc", "", http.StatusUnauthorized},
		{"wrong token", "/v1/relay/connect/abc", "nope", http.StatusUnauthorized},
		{"host not granted", "/v1/relay/connect/beta", "limited", http.StatusForbidden},
		{"invalid host id", "/v1/relay/connect/Not_Valid", testToken, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, srv.URL+tc.path, "", tc.token, nil)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestHostPathProxy(t *testing.T) {
	rs, srv := newTestRelay(t, nil)
	backend := echoBackend(t)
	connectAgent(t, rs, srv, "abc", agent.Config{LocalAddr: backend.Listener.Addr().String()})

	cases := []struct {
		path string
		want string
	}{
		{"/v1/relay/hosts/abc/api/items?page=2&q=a%20b", "GET /api/items?page=2&q=a%20b"},
		{"/v1/relay/hosts/abc", "GET /"},
		{"/v1/relay/hosts/abc/", "GET /"},
	}
	for _, tc := range cases {
		resp := doRequest(t, http.MethodGet, srv.URL+tc.path, "", testToken, nil)
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusOK || !strings.HasPrefix(body, tc.want+" ") {
			t.Fatalf("%s: status %d body %q, want prefix %q", tc.path, resp.StatusCode, body, tc.want)
		}
		if got := resp.Header.Get("X-Seen-Authorization"); got != "" {
			t.Fatalf("relay bearer token forwarded: %q", got)
		}
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/relay/hosts/abc/x", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/relay/hosts/offline/x", "", testToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("offline status = %d", resp.StatusCode)
	}
}

func TestProxyPostBody(t *testing.T) {
	rs, srv := newTestRelay(t, nil)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "got %d bytes: %s", len(b), b)
	}))
	defer backend.Close()
	connectAgent(t, rs, srv, "abc", agent.Config{LocalAddr: backend.Listener.Addr().String()})

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/relay/hosts/abc/upload", "", testToken, strings.NewReader("payload"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "got 7 bytes: payload" {
		t.Fatalf("body = %q", body)
	}
}

func TestLocalServiceDown(t *testing.T) {
	rs, srv := newTestRelay(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	connectAgent(t, rs, srv, "abc", agent.Config{LocalAddr: addr})

	for i := 0; i < 2; i++ {
		resp := doRequest(t, http.MethodGet, srv.URL+"/v1/relay/hosts/abc/", "", testToken, nil)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("attempt %d: status = %d", i, resp.StatusCode)
		}
		if body := readBody(t, resp); !strings.Contains(body, "Failed to connect to local server") {
			t.Fatalf("body = %q", body)
		}
	}
}

func TestReplacedControlChannel(t *testing.T) {
	rs, srv := newTestRelay(t, nil)
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "first")
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "second")
	}))
	defer second.Close()

	firstDone := connectAgent(t, rs, srv, "abc", agent.Config{LocalAddr: first.Listener.Addr().String()})
	connectAgent(t, rs, srv, "abc", agent.Config{LocalAddr: second.Listener.Addr().String()})

	select {
	case err := <-firstDone:
		if err == nil {
			t.Fatal("superseded agent returned nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded control channel was not closed")
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/relay/hosts/abc/", "", testToken, nil)
	if body := readBody(t, resp); body != "second" {
		t.Fatalf("body = %q, want second", body)
	}
	if n := rs.hosts.Len(); n != 1 {
		t.Fatalf("registry size = %d", n)
	}
}

func TestStreamLimit(t *testing.T) {
	rs, srv := newTestRelay(t, func(o *relayOptions) { o.maxStreams = 1 })
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "done")
	}))
	defer backend.Close()
	defer close(release)
	connectAgent(t, rs, srv, "abc", agent.Config{LocalAddr: backend.Listener.Addr().String()})
	cs, _ := rs.hosts.Get("abc")

	go func() {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/relay/hosts/abc/slow", nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()
	waitFor(t, func() bool { return cs.streams.InUse() == 1 })

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/relay/hosts/abc/fast", "", testToken, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestStatusJSON(t *testing.T) {
	rs, srv := newTestRelay(t, nil)
	backend := echoBackend(t)
	connectAgent(t, rs, srv, "abc", agent.Config{LocalAddr: backend.Listener.Addr().String()})

	resp := doRequest(t, http.MethodGet, srv.URL+"/status.json", "", "", nil)
	var status statusPayload
	decodeJSON(t, resp, &status)
	if len(status.Hosts) != 1 || status.Hosts[0].HostID != "abc" {
		t.Fatalf("hosts = %+v", status.Hosts)
	}
	if status.Hosts[0].RelayURL != "http://abc.relay.test/" {
		t.Fatalf("relay url = %q", status.Hosts[0].RelayURL)
	}
	if status.Metrics.HostsConnected != 1 {
		t.Fatalf("metrics = %+v", status.Metrics)
	}
}

func TestStatusJSONMarksClosedHosts(t *testing.T) {
	rs, srv := newTestRelay(t, nil)
	backend := echoBackend(t)
	connectAgent(t, rs, srv, "abc", agent.Config{LocalAddr: backend.Listener.Addr().String()})

	a, b := net.Pipe()
	defer b.Close()
	sess, err := mux.Client(a, mux.Config{}, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	sess.Close()
	rs.hosts.Insert("gone", &controlSession{hostID: "gone", mux: sess})

	resp := doRequest(t, http.MethodGet, srv.URL+"/status.json", "", "", nil)
	var status statusPayload
	decodeJSON(t, resp, &status)
	if len(status.Hosts) != 2 {
		t.Fatalf("hosts = %+v", status.Hosts)
	}
	// sorted by host id: abc, gone
	if status.Hosts[0].Closed || !status.Hosts[1].Closed {
		t.Fatalf("closed flags = %v %v", status.Hosts[0].Closed, status.Hosts[1].Closed)
	}
	if status.Metrics.HostsConnected != 1 {
		t.Fatalf("hostsConnected = %d", status.Metrics.HostsConnected)
	}
	if hosts, _ := rs.tunnelLoad(); hosts != 1 {
		t.Fatalf("tunnelLoad hosts = %d", hosts)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestRelay(t, nil)
	doRequest(t, http.MethodGet, srv.URL+"/v1/relay/connect/abc", "", "", nil)
	resp := doRequest(t, http.MethodGet, srv.URL+"/metrics", "", "", nil)
	body := readBody(t, resp)
	for _, want := range []string{"relaytun_hosts_connected 0", "relaytun_auth_failures_total 1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestRelayConnectionLost(t *testing.T) {
	rs, srv := newTestRelay(t, nil)
	a, b := net.Pipe()
	defer b.Close()
	sess, err := mux.Client(a, mux.Config{}, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	sess.Close()
	rs.hosts.Insert("abc", &controlSession{hostID: "abc", mux: sess})

	resp := doRequest(t, http.MethodGet, srv.URL+"/v1/relay/hosts/abc/", "", testToken, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "Relay connection lost") {
		t.Fatalf("body = %q", body)
	}
}
