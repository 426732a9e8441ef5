// Package proxy implements the HTTP handler that re-signs and forwards
// requests to the upstream S3-compatible service, the way
// cmd/stdiscosrv's apisrv.go structures a single request-serving handler:
// structured logging and Prometheus request metrics. cmd/s3proxy mounts it
// on a github.com/julienschmidt/httprouter router instead of the bare
// net/http mux apisrv.go uses.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/s3proxy/s3proxy/internal/awscreds"
	"github.com/s3proxy/s3proxy/internal/httppool"
	"github.com/s3proxy/s3proxy/internal/sigv4"
)

// hopByHopHeaders are stripped before forwarding in either direction, per
// RFC 7230 §6.1; they describe this hop's connection, not the resource.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// CredentialProvider is the subset of *awscreds.Provider the handler needs,
// so tests can substitute a fake without talking to AWS.
type CredentialProvider interface {
	Current(ctx context.Context) (*awscreds.Credentials, error)
}

// Handler re-signs every inbound request with the proxy's own credentials
// and forwards it to Upstream, streaming both the request and response
// bodies without buffering them in memory.
type Handler struct {
	Upstream *url.URL
	Region   string
	Service  string
	Creds    CredentialProvider
	Pool     *httppool.Pool
	Logger   *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP implements http.Handler. cmd/s3proxy installs the Handler as
// the router's NotFound handler, which makes it the catch-all route.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusBadGateway

	defer func() {
		requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	}()

	status = h.forward(w, r)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) int {
	ctx := r.Context()
	log := h.logger()

	upstreamURL := *h.Upstream
	upstreamURL.Path = singleJoiningSlash(h.Upstream.Path, r.URL.Path)
	upstreamURL.RawPath = ""
	upstreamURL.RawQuery = r.URL.RawQuery

	headers := filterForward(r.Header)

	signedHeaderNames := parseSignedHeaders(r.Header.Get("Authorization"))
	if len(signedHeaderNames) == 0 {
		// No Authorization header, or one the proxy can't parse: treat as
		// unsigned or a presigned URL (whose signature covers the original
		// host) and forward it exactly as received, without touching
		// headers, the Host, or calling the credential provider.
		return h.sendUpstream(w, r, upstreamURL, headers, r.Host)
	}

	headers["host"] = upstreamURL.Hostname()

	creds, err := h.Creds.Current(ctx)
	if err != nil {
		log.ErrorContext(ctx, "credential provider failed", "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return http.StatusBadGateway
	}

	if creds.SessionToken != "" {
		headers["x-amz-security-token"] = creds.SessionToken
	} else {
		delete(headers, "x-amz-security-token")
	}

	// If the client sent no content hash, bodyHash stays empty and the
	// signer falls back to hashing the (never-buffered) empty body.
	bodyHash := headers["x-amz-content-sha256"]

	toSign := make(map[string]string, len(signedHeaderNames))
	for _, name := range signedHeaderNames {
		if v, ok := headers[name]; ok {
			toSign[name] = v
		}
	}

	canonicalQuery := sigv4.CanonicalQueryStringFromValues(r.URL.Query())
	auth, err := sigv4.SignRawQuery(
		creds.AccessKeyID, creds.SecretAccessKey, h.Region, h.Service,
		r.Method, r.URL.Path, toSign, canonicalQuery, bodyHash, nil,
	)
	if err != nil {
		log.ErrorContext(ctx, "signing failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	headers["authorization"] = auth
	// SignRawQuery inserts x-amz-date into toSign when it was not signed by
	// the client; send the signed value upstream.
	headers["x-amz-date"] = toSign["x-amz-date"]

	return h.sendUpstream(w, r, upstreamURL, headers, upstreamURL.Hostname())
}

func (h *Handler) sendUpstream(w http.ResponseWriter, r *http.Request, upstreamURL url.URL, headers map[string]string, host string) int {
	ctx := r.Context()
	log := h.logger()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		log.ErrorContext(ctx, "building upstream request failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	outReq.ContentLength = r.ContentLength
	outReq.Host = host
	for name, value := range headers {
		outReq.Header.Set(name, value)
	}

	resp, err := h.Pool.Do(outReq)
	if err != nil {
		log.ErrorContext(ctx, "upstream request failed", "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.WarnContext(ctx, "copying response body failed", "error", err)
	}

	return resp.StatusCode
}

// filterForward builds the lowercase-keyed header map that will be sent
// upstream, dropping hop-by-hop headers and keeping only the first value of
// a repeated header. The client's Authorization is
// kept: the signed path overwrites it with a fresh signature, and the
// unsigned/presigned path forwards it (if any) exactly as received.
func filterForward(in http.Header) map[string]string {
	out := make(map[string]string, len(in))
	for name, values := range in {
		if len(values) == 0 {
			continue
		}
		if isHopByHop(name) {
			continue
		}
		out[strings.ToLower(name)] = values[0]
	}
	return out
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// parseSignedHeaders extracts the semicolon-separated header names from an
// Authorization header's SignedHeaders= field. It returns nil (the "empty
// signed-header set") when auth is empty or doesn't contain a parsable
// SignedHeaders= field, which the caller treats as "forward unmodified":
// an unsigned request or a presigned URL, neither of which the proxy signs.
func parseSignedHeaders(auth string) []string {
	const marker = "SignedHeaders="
	idx := strings.Index(auth, marker)
	if idx < 0 {
		return nil
	}
	rest := auth[idx+len(marker):]
	if comma := strings.IndexByte(rest, ','); comma >= 0 {
		rest = rest[:comma]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil
	}
	names := strings.Split(rest, ";")
	for i, name := range names {
		names[i] = strings.ToLower(strings.TrimSpace(name))
	}
	return names
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	default:
		return a + b
	}
}

// HealthCheck responds 200 with a short body identifying this as a
// liveness probe rather than the usual proxied response, per the proxy's
// own healthcheck route.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "OK %d\n", time.Now().Unix())
}
