package awscreds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/s3proxy/s3proxy/internal/httppool"
)

func newTestRoleSource(t *testing.T, host string) *roleSource {
	t.Helper()
	sess, err := session.NewSession(aws.NewConfig())
	if err != nil {
		t.Fatal(err)
	}
	return &roleSource{
		sess:        sess,
		pool:        httppool.New(),
		sessionName: "s3proxy",
		host:        host,
	}
}

func TestRoleSourceFallsBackOn400FromIdentityDocument(t *testing.T) {
	metadata := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case identityDocumentPath:
			w.WriteHeader(http.StatusBadRequest)
		case securityCredPath:
			w.Write([]byte("proxy-role"))
		case securityCredPath + "proxy-role":
			json.NewEncoder(w).Encode(metadataCredentialsResponse{
				AccessKeyId:     "FALLBACKKEY",
				SecretAccessKey: "FALLBACKSECRET",
				Token:           "FALLBACKTOKEN",
				Expiration:      "2030-01-01T00:00:00Z",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer metadata.Close()

	s := newTestRoleSource(t, metadata.URL)

	creds, err := s.fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if creds.AccessKeyID != "FALLBACKKEY" || creds.SecretAccessKey != "FALLBACKSECRET" || creds.SessionToken != "FALLBACKTOKEN" {
		t.Errorf("unexpected fallback credentials: %+v", creds)
	}
}

func TestRoleSourceCachesARNAcrossFetches(t *testing.T) {
	var identityDocumentHits int
	metadata := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == identityDocumentPath {
			identityDocumentHits++
			json.NewEncoder(w).Encode(identityDocument{InstanceProfileArn: "arn:aws:iam::123456789012:role/proxy-role"})
			return
		}
		http.NotFound(w, r)
	}))
	defer metadata.Close()

	s := newTestRoleSource(t, metadata.URL)

	if _, err := s.roleARN(context.Background()); err != nil {
		t.Fatalf("roleARN: %v", err)
	}
	if _, err := s.roleARN(context.Background()); err != nil {
		t.Fatalf("roleARN (2nd): %v", err)
	}
	if identityDocumentHits != 1 {
		t.Errorf("identity document fetched %d times, want 1 (ARN should be cached)", identityDocumentHits)
	}
}

func TestRoleSourceNonBadRequestFailureDoesNotFallBack(t *testing.T) {
	var fallbackHit bool
	metadata := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case identityDocumentPath:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			fallbackHit = true
			http.NotFound(w, r)
		}
	}))
	defer metadata.Close()

	s := newTestRoleSource(t, metadata.URL)

	if _, err := s.fetch(context.Background()); err == nil {
		t.Fatal("expected an error for a non-400 identity-document failure")
	}
	if fallbackHit {
		t.Error("fallback credentials endpoint should not be queried on a non-400 failure")
	}
}
