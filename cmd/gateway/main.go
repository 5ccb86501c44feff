package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgegate/internal/auth"
	"edgegate/internal/config"
	"edgegate/internal/db"
	"edgegate/internal/logging"
	"edgegate/internal/metrics"
	"edgegate/internal/proxy"
	"edgegate/internal/signature"
	"edgegate/internal/tools"
	"edgegate/internal/web"
)

func main() {
	logging.Init("gateway", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("gateway: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var newDB = db.NewDBWithPool
var newServer = web.NewServer

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON (empty: environment only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	addr := ":8080"
	if cfg.Gateway.HTTPAddr != "" {
		addr = cfg.Gateway.HTTPAddr
	}

	pool := db.DefaultPoolConfig()
	if cfg.Storage.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.Storage.MaxOpenConns
	}
	if cfg.Storage.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.Storage.MaxIdleConns
	}
	if cfg.Storage.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = time.Duration(cfg.Storage.ConnMaxLifetime) * time.Second
	}
	database, err := newDB(cfg.Storage.PostgresDSN, pool)
	if err != nil {
		return err
	}
	defer database.Close()

	verifier := buildVerifier(cfg.Identity)
	forwarder := proxy.NewForwarder(cfg.Upstream.BaseURL, time.Duration(cfg.Upstream.TimeoutMS)*time.Millisecond)
	allowlist := tools.NewAllowlist(cfg.Tools.Allowed)
	schemes := buildSchemes(cfg.Webhooks)

	srv := newServer(database, verifier, forwarder, allowlist, schemes)
	if cfg.Gateway.MaxBodyBytes > 0 {
		srv.MaxBodyBytes = cfg.Gateway.MaxBodyBytes
	}
	if cfg.Storage.TimeoutMS > 0 {
		srv.StorageTimeout = time.Duration(cfg.Storage.TimeoutMS) * time.Millisecond
	}
	if cfg.Tools.ContractsDir != "" {
		contracts, err := tools.LoadContracts(cfg.Tools.ContractsDir)
		if err != nil {
			return err
		}
		srv.Contracts = contracts
		slog.Info("tool contracts loaded", "dir", cfg.Tools.ContractsDir)
	}
	if cfg.Gateway.RateLimitPerSec > 0 {
		burst := cfg.Gateway.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.Gateway.RateLimitPerSec) * 2
		}
		srv.RateLimiter = web.NewRateLimiter(cfg.Gateway.RateLimitPerSec, burst)
	}

	if cfg.Retention.Enabled {
		maxAge, err := time.ParseDuration(cfg.Retention.MaxAge)
		if err != nil {
			return fmt.Errorf("retention max_age: %w", err)
		}
		sweeper := web.NewSweeper(database, cfg.Retention.Cron, maxAge)
		go func() {
			if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("retention sweeper stopped", "error", err)
			}
		}()
	}

	slog.Info("gateway listening",
		"addr", addr,
		"upstream", cfg.Upstream.BaseURL,
		"tools", allowlist.Names())
	mainSrv := &http.Server{Addr: addr, Handler: metrics.Middleware(srv.Mux)}
	errCh := make(chan error, 1)
	go func() { errCh <- serve(mainSrv) }()
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	grace := 30 * time.Second
	if cfg.Gateway.ShutdownGraceSecs > 0 {
		grace = time.Duration(cfg.Gateway.ShutdownGraceSecs) * time.Second
	}
	forceExit := time.AfterFunc(grace, func() { os.Exit(1) })
	defer forceExit.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_ = mainSrv.Shutdown(shutdownCtx)
	err = <-errCh
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// buildVerifier picks local JWKS verification when configured, falling
// back to per-request delegation to the identity provider.
func buildVerifier(cfg config.IdentityConfig) auth.Verifier {
	timeout := 5 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	if cfg.JWKSURL != "" {
		ttl := 10 * time.Minute
		if cfg.JWKSTTLSecs > 0 {
			ttl = time.Duration(cfg.JWKSTTLSecs) * time.Second
		}
		return &auth.LocalVerifier{
			JWKSURL:  cfg.JWKSURL,
			Issuer:   cfg.Issuer,
			Audience: cfg.Audience,
			Cache:    auth.NewJWKSCache(ttl),
		}
	}
	return &auth.ProviderVerifier{
		BaseURL: cfg.BaseURL,
		AnonKey: cfg.AnonKey,
		Timeout: timeout,
	}
}

func buildSchemes(cfg config.WebhooksConfig) *signature.Schemes {
	sources := make(map[string]signature.Scheme, len(cfg.Sources))
	for name, s := range cfg.Sources {
		sources[name] = signature.Scheme{
			Header:    s.Header,
			Secret:    s.Secret,
			Algorithm: s.Algorithm,
			Tolerance: time.Duration(s.ToleranceSecs) * time.Second,
		}
	}
	return signature.NewSchemes(sources)
}
