// Package kiro implements the Upstream Client (spec.md §4.6): it shapes and
// sends HTTP requests to the Kiro/CodeWhisperer-compatible upstream, decodes
// its event-stream framing, refreshes credentials, and classifies quota
// events. It also implements sdk/cliproxy/auth.Executor so the Account Pool
// can drive it directly.
package kiro

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

const connectTimeout = 10 * time.Second

// utlsRoundTripper implements http.RoundTripper using utls with a Firefox
// TLS fingerprint, so the upstream edge sees the same handshake shape as its
// native IDE client rather than Go's default crypto/tls fingerprint.
type utlsRoundTripper struct {
	mu          sync.Mutex
	connections map[string]*http2.ClientConn
	pending     map[string]*sync.Cond
	dialer      proxy.Dialer
}

func newUtlsRoundTripper(proxyURL string) *utlsRoundTripper {
	var dialer proxy.Dialer = &net.Dialer{Timeout: connectTimeout}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			if pDialer, err := proxy.FromURL(parsed, proxy.Direct); err == nil {
				dialer = pDialer
			}
		}
	}
	return &utlsRoundTripper{
		connections: make(map[string]*http2.ClientConn),
		pending:     make(map[string]*sync.Cond),
		dialer:      dialer,
	}
}

// getOrCreateConnection gets an existing connection or creates a new one,
// using per-host locking so concurrent requests to the same host don't dial twice.
func (t *utlsRoundTripper) getOrCreateConnection(host, addr string) (*http2.ClientConn, error) {
	t.mu.Lock()

	if h2Conn, ok := t.connections[host]; ok && h2Conn.CanTakeNewRequest() {
		t.mu.Unlock()
		return h2Conn, nil
	}

	if cond, ok := t.pending[host]; ok {
		cond.Wait()
		if h2Conn, ok := t.connections[host]; ok && h2Conn.CanTakeNewRequest() {
			t.mu.Unlock()
			return h2Conn, nil
		}
	}

	cond := sync.NewCond(&t.mu)
	t.pending[host] = cond
	t.mu.Unlock()

	h2Conn, err := t.createConnection(host, addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, host)
	cond.Broadcast()

	if err != nil {
		return nil, err
	}
	t.connections[host] = h2Conn
	return h2Conn, nil
}

func (t *utlsRoundTripper) createConnection(host, addr string) (*http2.ClientConn, error) {
	conn, err := t.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloFirefox_Auto)
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	tr := &http2.Transport{}
	h2Conn, err := tr.NewClientConn(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return h2Conn, nil
}

// RoundTrip implements http.RoundTripper.
func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}
	hostname := req.URL.Hostname()

	h2Conn, err := t.getOrCreateConnection(hostname, addr)
	if err != nil {
		return nil, err
	}

	resp, err := h2Conn.RoundTrip(req)
	if err != nil {
		t.mu.Lock()
		if cached, ok := t.connections[hostname]; ok && cached == h2Conn {
			delete(t.connections, hostname)
		}
		t.mu.Unlock()
		return nil, err
	}
	return resp, nil
}

var (
	httpClientsMu sync.Mutex
	httpClients   = map[string]*http.Client{}
)

// httpClientFor returns a cached utls-backed client for proxyURL, creating
// one on first use. An empty proxyURL dials directly.
func httpClientFor(proxyURL string) *http.Client {
	httpClientsMu.Lock()
	defer httpClientsMu.Unlock()
	if c, ok := httpClients[proxyURL]; ok {
		return c
	}
	c := &http.Client{Transport: newUtlsRoundTripper(proxyURL)}
	httpClients[proxyURL] = c
	return c
}
