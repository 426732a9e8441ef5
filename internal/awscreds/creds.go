// Package awscreds supplies the proxy with the AWS credentials it signs
// upstream requests with: either a fixed pair taken straight from
// configuration, or a role assumed via STS after discovering it through the
// EC2 or ECS instance metadata service. A background timer clears the cached
// pair at its expiration; the fetch itself happens inside Current when
// nothing usable is cached, so only readers of a fresh cached pair avoid
// waiting on a network call.
package awscreds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/s3proxy/s3proxy/internal/httppool"
)

// Credentials is a snapshot of the values needed to sign a request.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Expiration is zero for credentials that never expire (static mode).
	Expiration time.Time
}

func (c *Credentials) expiringSoon(now time.Time, skew time.Duration) bool {
	if c.Expiration.IsZero() {
		return false
	}
	return !now.Before(c.Expiration.Add(-skew))
}

// source produces a fresh Credentials value, talking to whatever backend
// (IMDS+STS, ECS, or a fixed pair) it was built for.
type source interface {
	fetch(ctx context.Context) (*Credentials, error)
}

// RefreshSkew is how far ahead of the stated expiration a refresh is
// triggered, mirroring the original proxy's "refresh a few minutes early"
// behavior so an in-flight request is never signed with a credential that
// expires before the upstream sees it.
const RefreshSkew = 5 * time.Minute

// Provider hands out the current Credentials and keeps them fresh. The zero
// value is not usable; construct with New or NewStatic.
type Provider struct {
	src       source
	clock     func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer

	current atomic.Pointer[Credentials]

	mu              sync.Mutex
	inflight        chan struct{}
	lastError       error
	invalidateTimer *time.Timer

	refreshTotal func(outcome string)
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock overrides time.Now, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Provider) { p.clock = clock }
}

// WithAfterFunc overrides how the provider schedules its expiration-timer
// invalidation, for deterministic tests that want to fire it themselves
// rather than waiting on a real timer.
func WithAfterFunc(fn func(d time.Duration, f func()) *time.Timer) Option {
	return func(p *Provider) { p.afterFunc = fn }
}

// WithRefreshObserver registers a callback invoked with "sts", "fallback",
// or "error" after each refresh attempt, for metrics.
func WithRefreshObserver(fn func(outcome string)) Option {
	return func(p *Provider) { p.refreshTotal = fn }
}

// NewStatic returns a Provider that always serves the given fixed pair and
// never performs network I/O.
func NewStatic(accessKeyID, secretAccessKey string) *Provider {
	p := &Provider{src: staticSource{accessKeyID, secretAccessKey}, clock: time.Now, afterFunc: time.AfterFunc}
	p.current.Store(&Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey})
	return p
}

// New returns a Provider backed by src. The first credential fetch happens
// lazily, on the first call to Current.
func New(src source, opts ...Option) *Provider {
	p := &Provider{src: src, clock: time.Now, afterFunc: time.AfterFunc}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewDiscovered returns a Provider that sources credentials from the ECS
// task-role endpoint when containerRelativeURI is non-empty, or otherwise
// from the EC2 instance profile via STS AssumeRole.
func NewDiscovered(pool *httppool.Pool, containerRelativeURI string, opts ...Option) (*Provider, error) {
	if containerRelativeURI != "" {
		return New(&containerSource{pool: pool, uri: containerRelativeURI}, opts...), nil
	}
	rs, err := NewRoleSource(pool)
	if err != nil {
		return nil, err
	}
	return New(rs, opts...), nil
}

type staticSource struct {
	accessKeyID     string
	secretAccessKey string
}

func (s staticSource) fetch(context.Context) (*Credentials, error) {
	return &Credentials{AccessKeyID: s.accessKeyID, SecretAccessKey: s.secretAccessKey}, nil
}

// Current returns the credentials to sign the next request with, refreshing
// first if none have been fetched yet or the cached ones are expiring soon.
// Concurrent callers observing the same stale value collapse into a single
// in-flight refresh; everyone else keeps reading the cached value lock-free.
func (p *Provider) Current(ctx context.Context) (*Credentials, error) {
	if cur := p.current.Load(); cur != nil && !cur.expiringSoon(p.clock(), RefreshSkew) {
		return cur, nil
	}
	return p.refresh(ctx)
}

// Invalidate forces the next Current call to fetch fresh credentials,
// regardless of the cached expiration, and releases any scheduled
// expiration timer.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	if p.invalidateTimer != nil {
		p.invalidateTimer.Stop()
		p.invalidateTimer = nil
	}
	p.mu.Unlock()
	p.current.Store(nil)
}

// scheduleInvalidation arms a timer that clears the cached record at its
// expiration instant, independent of request traffic. It only swaps the
// cached pointer; it never blocks or triggers a refresh itself — the next
// Current call does that. A newer refresh's timer replaces any prior one,
// and the callback only clears the record it was scheduled for, so a
// delayed fire never clobbers credentials a later refresh already
// installed.
func (p *Provider) scheduleInvalidation(creds *Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.invalidateTimer != nil {
		p.invalidateTimer.Stop()
		p.invalidateTimer = nil
	}
	if creds.Expiration.IsZero() {
		return
	}
	d := creds.Expiration.Sub(p.clock())
	if d < 0 {
		d = 0
	}
	p.invalidateTimer = p.afterFunc(d, func() {
		p.current.CompareAndSwap(creds, nil)
	})
}

func (p *Provider) refresh(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	if p.inflight != nil {
		done := p.inflight
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if cur := p.current.Load(); cur != nil {
			return cur, nil
		}
		return nil, p.lastError
	}

	done := make(chan struct{})
	p.inflight = done
	p.mu.Unlock()

	creds, err := p.src.fetch(ctx)
	if err == nil {
		// Store before releasing waiters so they observe the new record.
		p.current.Store(creds)
	}

	p.mu.Lock()
	p.inflight = nil
	p.lastError = err
	p.mu.Unlock()
	close(done)

	if p.refreshTotal != nil {
		if err != nil {
			p.refreshTotal("error")
		} else {
			p.refreshTotal(outcomeFor(p.src))
		}
	}

	if err != nil {
		if cur := p.current.Load(); cur != nil {
			return cur, nil
		}
		return nil, fmt.Errorf("awscreds: refresh failed: %w", err)
	}

	p.scheduleInvalidation(creds)
	return creds, nil
}

func outcomeFor(src source) string {
	switch src.(type) {
	case staticSource:
		return "static"
	case *containerSource:
		return "fallback"
	default:
		return "sts"
	}
}

// ErrNoRoleDiscovered is returned when the instance metadata
// security-credentials listing names no IAM role.
var ErrNoRoleDiscovered = errors.New("awscreds: no IAM role discovered via instance or container metadata")
