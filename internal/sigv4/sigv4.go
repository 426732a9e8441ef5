// Package sigv4 implements AWS Signature Version 4 request signing, the
// subset of it needed to re-sign a proxied S3 request: canonical-request
// construction, the HMAC signing-key chain, and the final Authorization
// header string.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// Algorithm is the SigV4 algorithm name used in the Authorization header
	// and the string-to-sign.
	Algorithm = "AWS4-HMAC-SHA256"

	// UnsignedPayload is the sentinel hashed-payload value S3 clients use
	// when they don't want to hash the body up front (streamed uploads).
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	amzDateFormat = "20060102T150405Z"
	dateLen       = 8
	terminator    = "aws4_request"
)

// CanonicalRequest holds the six components SigV4 hashes before signing.
// Sign builds one internally and returns only the Authorization header; the
// type is exported so callers (and tests) can assemble and inspect the
// intermediate value themselves.
type CanonicalRequest struct {
	Method           string
	CanonicalURI     string
	CanonicalQuery   string
	CanonicalHeaders string
	SignedHeaders    string
	HashedPayload    string
}

func (cr CanonicalRequest) String() string {
	return strings.Join([]string{
		cr.Method,
		cr.CanonicalURI,
		cr.CanonicalQuery,
		cr.CanonicalHeaders,
		cr.SignedHeaders,
		cr.HashedPayload,
	}, "\n")
}

// NormalizePath applies RFC 3986 §5.2.4 dot-segment removal plus
// AWS's collapsing of consecutive slashes, and guarantees a leading "/".
// A trailing "/" is preserved only when at least one segment remains.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var out []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	normalized := "/" + strings.Join(out, "/")
	if strings.HasSuffix(path, "/") && len(out) > 0 {
		normalized += "/"
	}
	return normalized
}

// CanonicalURI normalizes path and percent-encodes each segment, leaving
// "/" and "~" literal, as SigV4 requires.
func CanonicalURI(path string) string {
	normalized := NormalizePath(path)
	segments := strings.Split(normalized, "/")
	for i, seg := range segments {
		segments[i] = encodeRFC3986(seg)
	}
	return strings.Join(segments, "/")
}

// CanonicalQueryString renders params sorted by already-encoded name as
// "name=value" pairs joined with "&". A nil value renders "name=".
func CanonicalQueryString(params map[string]*string) string {
	if len(params) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(params))
	for name, value := range params {
		qname := encodeRFC3986(name)
		if value == nil {
			pairs = append(pairs, qname+"=")
			continue
		}
		pairs = append(pairs, qname+"="+encodeRFC3986(*value))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// CanonicalQueryStringFromValues is CanonicalQueryString for a url.Values,
// preserving repeated query keys (e.g. multipart upload's partNumber across
// separate requests never repeats, but some clients send repeated tagging
// or versionId-style parameters that do).
func CanonicalQueryStringFromValues(values map[string][]string) string {
	if len(values) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(values))
	for name, vs := range values {
		qname := encodeRFC3986(name)
		if len(vs) == 0 {
			pairs = append(pairs, qname+"=")
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, qname+"="+encodeRFC3986(v))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// CanonicalHeaders renders the signed-headers block and the
// semicolon-joined SignedHeaders list. headers must already be keyed by
// lowercase header name (the ingestion layer owns that normalization, per
// the proxy handler's header handling); a map naturally has one entry per
// key so there is nothing left to deduplicate here.
func CanonicalHeaders(headers map[string]string) (block, signedHeaders string) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		if v, ok := headers[name]; ok {
			b.WriteString(strings.TrimSpace(v))
		}
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

// Sign computes the Authorization header value for an HTTP request.
//
// headers must be keyed by lowercase header name; Sign inserts
// "x-amz-date" into it (using the current UTC time) if not already
// present, so the caller must send the exact same map upstream afterward.
//
// If bodyHash is non-empty it is used as-is (including the literal
// UnsignedPayload sentinel); otherwise the SHA-256 of body is used. A
// "x-amz-content-sha256" header equal to UnsignedPayload always wins,
// regardless of bodyHash or body.
func Sign(accessKeyID, secretAccessKey, region, service, method, path string, headers map[string]string, params map[string]*string, bodyHash string, body []byte) (string, error) {
	return signCanonical(accessKeyID, secretAccessKey, region, service, method, path, headers, CanonicalQueryString(params), bodyHash, body)
}

// SignRawQuery is Sign for callers that already hold a canonical query
// string (built with CanonicalQueryStringFromValues) rather than a
// map[string]*string — notably the proxy handler, which must preserve
// repeated query keys when re-signing a forwarded request.
func SignRawQuery(accessKeyID, secretAccessKey, region, service, method, path string, headers map[string]string, canonicalQuery, bodyHash string, body []byte) (string, error) {
	return signCanonical(accessKeyID, secretAccessKey, region, service, method, path, headers, canonicalQuery, bodyHash, body)
}

func signCanonical(accessKeyID, secretAccessKey, region, service, method, path string, headers map[string]string, canonicalQuery, bodyHash string, body []byte) (string, error) {
	if method == "" {
		return "", fmt.Errorf("sigv4: method must not be empty")
	}
	if headers == nil {
		headers = map[string]string{}
	}

	amzDate, ok := headers["x-amz-date"]
	if !ok || amzDate == "" {
		amzDate = time.Now().UTC().Format(amzDateFormat)
		headers["x-amz-date"] = amzDate
	}
	if len(amzDate) < dateLen {
		return "", fmt.Errorf("sigv4: malformed x-amz-date %q", amzDate)
	}
	date := amzDate[:dateLen]

	hashedPayload := bodyHash
	if headers["x-amz-content-sha256"] == UnsignedPayload {
		hashedPayload = UnsignedPayload
	} else if hashedPayload == "" {
		sum := sha256.Sum256(body)
		hashedPayload = hex.EncodeToString(sum[:])
	}

	canonicalHeaders, signedHeaders := CanonicalHeaders(headers)
	cr := CanonicalRequest{
		Method:           strings.ToUpper(method),
		CanonicalURI:     CanonicalURI(path),
		CanonicalQuery:   canonicalQuery,
		CanonicalHeaders: canonicalHeaders,
		SignedHeaders:    signedHeaders,
		HashedPayload:    hashedPayload,
	}

	crHash := sha256.Sum256([]byte(cr.String()))
	scope := strings.Join([]string{date, region, service, terminator}, "/")
	stringToSign := strings.Join([]string{
		Algorithm,
		amzDate,
		scope,
		hex.EncodeToString(crHash[:]),
	}, "\n")

	signingKey := signingKey(secretAccessKey, date, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		Algorithm, accessKeyID, scope, signedHeaders, signature), nil
}

func signingKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, terminator)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func isUnreservedByte(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// encodeRFC3986 percent-encodes everything outside the unreserved set
// (ALPHA / DIGIT / "-" / "." / "_" / "~"). Callers that need "/" left
// literal (path segments) must split on it first, as CanonicalURI does.
func encodeRFC3986(s string) string {
	var needsEscape bool
	for i := 0; i < len(s); i++ {
		if !isUnreservedByte(s[i]) {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreservedByte(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}
