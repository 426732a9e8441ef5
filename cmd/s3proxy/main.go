// Command s3proxy runs the SigV4 re-signing reverse proxy: it accepts
// S3-compatible requests, replaces the client's SigV4 signature with one
// made from its own (static, IMDS+STS, or ECS-discovered) credentials, and
// forwards the request upstream. Requests without a parsable SigV4
// Authorization header (unsigned or presigned) are forwarded as received.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/s3proxy/s3proxy/internal/awscreds"
	"github.com/s3proxy/s3proxy/internal/config"
	"github.com/s3proxy/s3proxy/internal/httppool"
	"github.com/s3proxy/s3proxy/internal/proxy"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpShutdownTimeout   = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	pool := httppool.New()
	defer pool.Close()

	creds, err := buildCredentialProvider(cfg, pool)
	if err != nil {
		return fmt.Errorf("building credential provider: %w", err)
	}

	handler := &proxy.Handler{
		Upstream: cfg.EndpointURL,
		Region:   cfg.Region,
		Service:  cfg.Service,
		Creds:    creds,
		Pool:     pool,
	}

	main := suture.New("s3proxy", suture.Spec{
		PassThroughPanics: true,
	})
	main.Add(&httpService{addr: cfg.ListenAddr, handler: handler})

	slog.Info("starting s3proxy", "listen", cfg.ListenAddr, "upstream", cfg.EndpointURL.String())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return main.Serve(ctx)
}

// buildCredentialProvider chooses between static, ECS, and EC2-instance-role
// credential sourcing depending on what's present in the environment,
// mirroring the original proxy's own credential-chain precedence: an
// explicit key pair always wins, since an operator who set one clearly
// wants it used regardless of what metadata happens to be reachable.
func buildCredentialProvider(cfg *config.Config, pool *httppool.Pool) (*awscreds.Provider, error) {
	if cfg.AccessKeyID != "" {
		return awscreds.NewStatic(cfg.AccessKeyID, cfg.SecretAccessKey), nil
	}
	return awscreds.NewDiscovered(pool, cfg.ContainerCredentialsRelativeURI, awscreds.WithRefreshObserver(proxy.ObserveCredentialRefresh))
}

// httpService adapts the proxy's net/http server to suture's Serve(ctx)
// error lifecycle, the same shape cmd/stdiscosrv's apiSrv uses.
type httpService struct {
	addr    string
	handler *proxy.Handler
}

func (s *httpService) Serve(ctx context.Context) error {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/healthcheck", proxy.HealthCheck)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.NotFound = s.handler

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		slog.ErrorContext(ctx, "failed to listen", "addr", s.addr, "error", err)
		return err
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "error during shutdown", "error", err)
		}
		<-serveErr
		return ctx.Err()
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "server stopped unexpectedly", "error", err)
		}
		return err
	}
}
