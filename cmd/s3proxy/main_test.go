package main

import (
	"context"
	"testing"

	"github.com/s3proxy/s3proxy/internal/config"
	"github.com/s3proxy/s3proxy/internal/httppool"
)

func TestBuildCredentialProviderPrefersStaticWhenPresent(t *testing.T) {
	cfg := &config.Config{AccessKeyID: "AKID", SecretAccessKey: "SECRET"}
	pool := httppool.New()
	defer pool.Close()

	provider, err := buildCredentialProvider(cfg, pool)
	if err != nil {
		t.Fatalf("buildCredentialProvider: %v", err)
	}

	creds, err := provider.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if creds.AccessKeyID != "AKID" || creds.SecretAccessKey != "SECRET" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestBuildCredentialProviderUsesContainerPathWhenConfigured(t *testing.T) {
	cfg := &config.Config{ContainerCredentialsRelativeURI: "/v2/credentials/abc"}
	pool := httppool.New()
	defer pool.Close()

	provider, err := buildCredentialProvider(cfg, pool)
	if err != nil {
		t.Fatalf("buildCredentialProvider: %v", err)
	}
	if provider == nil {
		t.Fatal("expected a non-nil provider for the container credentials path")
	}
}
