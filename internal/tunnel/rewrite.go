package tunnel

import (
	"bufio"
	"net"
	"net/http/httputil"
)

var forwardedHeaders = []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

// PassThrough points the outbound request at host over plain HTTP while
// keeping the inbound Host header and any X-Forwarded-* values verbatim.
// ReverseProxy strips the latter before calling Rewrite.
func PassThrough(pr *httputil.ProxyRequest, host string) {
	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = host
	pr.Out.Host = pr.In.Host
	for _, name := range forwardedHeaders {
		if values, ok := pr.In.Header[name]; ok {
			pr.Out.Header[name] = append([]string(nil), values...)
		}
	}
}

// BufferedConn reads through a bufio.Reader that may already hold bytes
// taken off the connection, such as after a hijack or a parsed response.
type BufferedConn struct {
	net.Conn
	r *bufio.Reader
}

// WithReader wraps c so reads drain br first. It returns c unchanged when br
// holds nothing.
func WithReader(c net.Conn, br *bufio.Reader) net.Conn {
	if br == nil || br.Buffered() == 0 {
		return c
	}
	return &BufferedConn{Conn: c, r: br}
}

func (c *BufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
