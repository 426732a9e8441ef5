// Package config reads the proxy's process configuration from the
// environment, the way cmd/stdiscosrv reads its DSN and listen address
// from flags with environment-variable defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
)

// Config is immutable once loaded.
type Config struct {
	// EndpointURL is the upstream S3-compatible service the proxy signs
	// and forwards requests to.
	EndpointURL *url.URL

	// Region and Service are fixed for every signed request.
	Region  string
	Service string

	// ListenAddr is the address the proxy's own HTTP server binds.
	ListenAddr string

	// AccessKeyID and SecretAccessKey, if both set, make the credential
	// provider a constant source that never talks to IMDS/ECS/STS.
	AccessKeyID     string
	SecretAccessKey string

	// ContainerCredentialsRelativeURI, when non-empty, means the process
	// is running under ECS/Fargate and credentials come from
	// 169.254.170.2 at this path instead of the EC2 IMDS host.
	ContainerCredentialsRelativeURI string
}

// Error is returned for a missing or contradictory environment.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "config: " + e.Msg }

const (
	envEndpoint   = "AWS_S3_ENDPOINT_URL"
	envAccessKey  = "AWS_ACCESS_KEY_ID"
	envSecretKey  = "AWS_SECRET_ACCESS_KEY"
	envContainer  = "AWS_CONTAINER_CREDENTIALS_RELATIVE_URI"
	envListenAddr = "LISTEN_ADDR"

	defaultRegion     = "us-east-1"
	defaultService    = "s3"
	defaultListenAddr = ":8000"
)

// Load builds a Config from the process environment.
func Load() (*Config, error) {
	rawEndpoint := os.Getenv(envEndpoint)
	if rawEndpoint == "" {
		return nil, &Error{Msg: fmt.Sprintf("%s is required", envEndpoint)}
	}
	endpoint, err := url.Parse(rawEndpoint)
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("%s is not a valid URL: %v", envEndpoint, err)}
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, &Error{Msg: fmt.Sprintf("%s must be an absolute URL, got %q", envEndpoint, rawEndpoint)}
	}

	accessKey := os.Getenv(envAccessKey)
	secretKey := os.Getenv(envSecretKey)
	if (accessKey == "") != (secretKey == "") {
		return nil, &Error{Msg: fmt.Sprintf("%s and %s must be set together", envAccessKey, envSecretKey)}
	}

	listenAddr := os.Getenv(envListenAddr)
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}

	return &Config{
		EndpointURL:                     endpoint,
		Region:                          defaultRegion,
		Service:                         defaultService,
		ListenAddr:                      listenAddr,
		AccessKeyID:                     accessKey,
		SecretAccessKey:                 secretKey,
		ContainerCredentialsRelativeURI: os.Getenv(envContainer),
	}, nil
}
