package awscreds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sts"

	"github.com/s3proxy/s3proxy/internal/httppool"
)

// errNoInstanceIdentity distinguishes a 400 from the identity-document
// endpoint from any other failure. It is the one condition that triggers
// the fallback credentials fetch; every other error surfaces as a refresh
// failure directly.
var errNoInstanceIdentity = errors.New("awscreds: no instance identity")

// roleSource discovers the instance's attached IAM role via the EC2
// instance identity document and exchanges it for temporary credentials
// via STS AssumeRole, falling back to the instance credentials endpoint
// directly when the identity document isn't available. Container
// workloads use containerSource instead.
type roleSource struct {
	sess        *session.Session
	pool        *httppool.Pool
	sessionName string
	host        string // metadata host; ec2MetadataHost outside of tests

	mu  sync.Mutex
	arn string // cached role ARN; empty until the identity document is fetched once
}

// NewRoleSource builds the EC2-instance-profile credential source.
func NewRoleSource(pool *httppool.Pool) (*roleSource, error) {
	sess, err := session.NewSession(aws.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("awscreds: creating AWS session: %w", err)
	}
	return &roleSource{
		sess:        sess,
		pool:        pool,
		sessionName: "s3proxy",
		host:        ec2MetadataHost,
	}, nil
}

type identityDocument struct {
	InstanceProfileArn string `json:"instanceProfileArn"`
}

func (s *roleSource) fetch(ctx context.Context) (*Credentials, error) {
	arn, err := s.roleARN(ctx)
	if err != nil {
		if !errors.Is(err, errNoInstanceIdentity) {
			return nil, err
		}
		return s.fetchFallback(ctx)
	}

	client := sts.New(s.sess)
	out, err := client.AssumeRoleWithContext(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(arn),
		RoleSessionName: aws.String(s.sessionName),
	})
	if err != nil {
		return nil, fmt.Errorf("awscreds: assuming role %s: %w", arn, err)
	}
	if out.Credentials == nil {
		return nil, fmt.Errorf("awscreds: AssumeRole returned no credentials")
	}

	var expiration time.Time
	if out.Credentials.Expiration != nil {
		expiration = *out.Credentials.Expiration
	}

	return &Credentials{
		AccessKeyID:     aws.StringValue(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.StringValue(out.Credentials.SecretAccessKey),
		SessionToken:    aws.StringValue(out.Credentials.SessionToken),
		Expiration:      expiration,
	}, nil
}

// roleARN returns the cached role ARN, fetching it from the instance
// identity document if none is cached yet. A failed AssumeRole call never
// clears the cache, so later refreshes skip straight to AssumeRole.
func (s *roleSource) roleARN(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.arn
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	resp, err := s.pool.Request(ctx, http.MethodGet, s.host+identityDocumentPath, nil)
	if err != nil {
		return "", fmt.Errorf("awscreds: fetching instance identity document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return "", errNoInstanceIdentity
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("awscreds: instance identity document returned %d", resp.StatusCode)
	}

	var doc identityDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("awscreds: decoding instance identity document: %w", err)
	}
	if doc.InstanceProfileArn == "" {
		return "", fmt.Errorf("awscreds: instance identity document missing instanceProfileArn")
	}

	s.mu.Lock()
	s.arn = doc.InstanceProfileArn
	s.mu.Unlock()
	return doc.InstanceProfileArn, nil
}

// fetchFallback fetches credentials directly from the instance credentials
// endpoint when the identity document returned a 400. IMDS's
// security-credentials path is a two-step lookup: the bare path lists the
// attached role's name, the role-specific path returns the credentials
// document itself.
func (s *roleSource) fetchFallback(ctx context.Context) (*Credentials, error) {
	roleName, err := discoverInstanceRole(ctx, s.pool, s.host)
	if err != nil {
		return nil, err
	}
	return fetchCredentialsJSON(ctx, s.pool, s.host+securityCredPath+roleName)
}
