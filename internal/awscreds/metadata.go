package awscreds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/s3proxy/s3proxy/internal/httppool"
)

const (
	ec2MetadataHost      = "http://169.254.169.254"
	ecsMetadataHost      = "http://169.254.170.2"
	identityDocumentPath = "/latest/dynamic/instance-identity/document"
	securityCredPath     = "/latest/meta-data/iam/security-credentials/"
)

// containerSource fetches role credentials from the ECS/Fargate task
// metadata endpoint, used when AWS_CONTAINER_CREDENTIALS_RELATIVE_URI is
// set rather than relying on the EC2 instance profile.
//
// This is a plain GET through the shared pool rather than aws-sdk-go's own
// ECS credentials provider: that provider hardcodes its own small set of
// candidate hosts/paths, while this proxy wants the ECS fetch on the same
// connection pool and retry behavior as every other outbound call it makes,
// rather than a second, independently configured client.
type containerSource struct {
	pool *httppool.Pool
	uri  string // relative URI, e.g. "/v2/credentials/<id>"
}

func (s *containerSource) fetch(ctx context.Context) (*Credentials, error) {
	return fetchCredentialsJSON(ctx, s.pool, ecsMetadataHost+s.uri)
}

type metadataCredentialsResponse struct {
	AccessKeyId     string
	SecretAccessKey string
	Token           string
	SessionToken    string
	Expiration      string
}

// fetchCredentialsJSON GETs url and decodes the {AccessKeyId,
// SecretAccessKey, Token|SessionToken, Expiration} document both the ECS
// task-role endpoint and the EC2 instance-credentials fallback path return.
func fetchCredentialsJSON(ctx context.Context, pool *httppool.Pool, url string) (*Credentials, error) {
	resp, err := pool.Request(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("awscreds: credentials request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("awscreds: credentials endpoint returned %d: %s", resp.StatusCode, body)
	}

	var parsed metadataCredentialsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("awscreds: decoding credentials: %w", err)
	}

	token := parsed.Token
	if token == "" {
		token = parsed.SessionToken
	}

	expiration, err := time.Parse(time.RFC3339, parsed.Expiration)
	if err != nil {
		return nil, fmt.Errorf("awscreds: parsing credentials expiration %q: %w", parsed.Expiration, err)
	}

	return &Credentials{
		AccessKeyID:     parsed.AccessKeyId,
		SecretAccessKey: parsed.SecretAccessKey,
		SessionToken:    token,
		Expiration:      expiration,
	}, nil
}

// discoverInstanceRole fetches the single IAM role name attached to the
// running instance via IMDS. Used by the EC2 fallback path: the
// security-credentials endpoint is a two-step lookup, the bare path lists
// the attached role's name and the role-specific path returns the actual
// credentials document.
func discoverInstanceRole(ctx context.Context, pool *httppool.Pool, host string) (string, error) {
	resp, err := pool.Request(ctx, http.MethodGet, host+securityCredPath, nil)
	if err != nil {
		return "", fmt.Errorf("awscreds: instance metadata request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("awscreds: instance metadata returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("awscreds: reading instance metadata: %w", err)
	}

	role := strings.TrimSpace(string(body))
	if role == "" {
		return "", ErrNoRoleDiscovered
	}
	// Multiple roles would appear one per line; an instance profile only
	// ever carries one, so the first line is authoritative.
	if idx := strings.IndexByte(role, '\n'); idx >= 0 {
		role = role[:idx]
	}
	return role, nil
}
