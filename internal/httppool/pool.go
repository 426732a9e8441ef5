// Package httppool provides a single long-lived outbound HTTP client with
// bounded keep-alive connections, shared by the credential provider's
// metadata lookups and the proxy handler's upstream calls. STS calls go
// through the aws-sdk-go session's own HTTP client, not this pool.
package httppool

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxIdleConnsPerHost = 100
	defaultMaxConnsPerHost     = 1000
	defaultIdleConnTimeout     = 90 * time.Second
)

// Pool is a reusable outbound HTTP client pool. The zero value is not
// usable; construct with New. Safe for concurrent use.
type Pool struct {
	maxIdleConnsPerHost int
	maxConnsPerHost     int

	mu     sync.Mutex
	client *http.Client
	closed bool
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLimits overrides the default keep-alive (100) and total (1000)
// connection bounds.
func WithLimits(maxIdleConnsPerHost, maxConnsPerHost int) Option {
	return func(p *Pool) {
		p.maxIdleConnsPerHost = maxIdleConnsPerHost
		p.maxConnsPerHost = maxConnsPerHost
	}
}

// New constructs a Pool. It performs no network I/O; the underlying
// transport and its connections are created lazily on the first Do call.
func New(opts ...Option) *Pool {
	p := &Pool{
		maxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		maxConnsPerHost:     defaultMaxConnsPerHost,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) newClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        p.maxIdleConnsPerHost,
		MaxIdleConnsPerHost: p.maxIdleConnsPerHost,
		MaxConnsPerHost:     p.maxConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &http.Client{
		Transport: transport,
		// Redirects are followed with the default CheckRedirect policy,
		// matching httpx.AsyncClient(follow_redirects=True) in the
		// original proxy.
	}
}

// client_ returns the current client, lazily building one if this is the
// first call or the pool was closed and is being reused.
func (p *Pool) client_() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || p.closed {
		p.client = p.newClient()
		p.closed = false
	}
	return p.client
}

// Do sends req using the pooled client. On a "use of closed network
// connection" transport error — the Go analogue of the original proxy's
// "client was closed" RuntimeError — it rebuilds the pool and retries
// exactly once.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	client := p.client_()
	resp, err := client.Do(req)
	if err == nil || !isClosedConnError(err) {
		return resp, err
	}

	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, err
		}
		req.Body = body
	} else if req.Body != nil {
		// The original request body was already consumed by the failed
		// attempt and cannot be replayed; surface the original error
		// rather than silently resending a truncated request.
		return nil, err
	}

	p.rebuild()
	return p.client_().Do(req)
}

// Request builds a request with the given method, url and body and sends
// it through Do; the credential provider uses it for metadata lookups.
func (p *Pool) Request(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	return p.Do(req)
}

func (p *Pool) rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
	p.client = p.newClient()
	p.closed = false
}

// Close releases all pooled connections. Double-close is a no-op; the
// pool rebuilds itself lazily if used again afterward.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.client == nil {
		p.closed = true
		return
	}
	p.client.CloseIdleConnections()
	p.closed = true
}

func isClosedConnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
