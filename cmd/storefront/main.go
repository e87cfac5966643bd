package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc/health"

	"github.com/jcmexdev/patch-storefront/internal/coordinator/journal"
	journalsqlite "github.com/jcmexdev/patch-storefront/internal/coordinator/journal/sqlite"
	"github.com/jcmexdev/patch-storefront/internal/pkg/cache"
	"github.com/jcmexdev/patch-storefront/internal/pkg/telemetry"
	"github.com/jcmexdev/patch-storefront/internal/pricing"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/checkout"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/ports"
	"github.com/jcmexdev/patch-storefront/internal/storefront/core/reconcile"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/adapters/gateway/paypal"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/adapters/gateway/stripe"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/adapters/store/memory"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/adapters/store/postgres"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/adapters/store/sqlite"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/grpcx"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/httpx"
	"github.com/jcmexdev/patch-storefront/internal/storefront/infra/httpx/middlewares"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := NewConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}
	telemetry.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("storefront stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	if cfg.TracingEnabled {
		shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
			ServiceName: cfg.OTelServiceName,
			Endpoint:    cfg.OTelEndpoint,
			Environment: cfg.AppEnv,
			SampleRatio: cfg.OTelSampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("tracer shutdown error", "error", err)
			}
		}()
	}

	catalog, err := pricing.LoadFile(cfg.PricingProfilesPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	var journalRepo journal.Repository
	if cfg.JournalPath != "" {
		jr, err := journalsqlite.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer jr.Close()
		journalRepo = jr
	}

	kv := openCache(ctx, cfg)
	defer kv.Close()

	gateways := buildGateways(cfg)
	origins, err := checkout.NewOrigins(cfg.AllowedOrigins)
	if err != nil {
		return err
	}

	checkoutSvc := checkout.NewService(catalog, store, gateways, origins, kv, journalRepo, checkout.Config{
		Currency: cfg.Currency,
	})
	if cfg.WebhookInsecureSkipVerify {
		slog.Warn("webhook signature verification is DISABLED; never run this way in production", "app_env", cfg.AppEnv)
	}
	reconciler := reconcile.New(store, gateways, kv, journalRepo, reconcile.Options{
		InsecureSkipVerify: cfg.WebhookInsecureSkipVerify,
	})

	routerOpts := httpx.RouterOptions{AdminSecret: []byte(cfg.AdminJWTSecret)}
	if cfg.CheckoutRateRPS > 0 {
		routerOpts.CheckoutLimiter = middlewares.NewRateLimiter(cfg.CheckoutRateRPS, cfg.CheckoutRateBurst)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(httpx.NewHandler(checkoutSvc, reconciler, store), routerOpts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	hs := health.NewServer()
	grpcServer := grpcx.NewServer(hs)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	monitor := grpcx.NewMonitor(hs, map[string]grpcx.Pinger{"store": store}, grpcx.DefaultProbeInterval).
		WithOptional(map[string]grpcx.Pinger{"cache": kv})
	go monitor.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		slog.Info("storefront gRPC health running", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		slog.Info("storefront HTTP running",
			"addr", cfg.HTTPAddr,
			"gateways", gatewayNames(gateways),
			"db_driver", cfg.DBDriver,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	hs.Shutdown()
	grpcServer.GracefulStop()
	return runErr
}

func openStore(ctx context.Context, cfg *Config) (ports.OrderStore, io.Closer, error) {
	switch cfg.DBDriver {
	case "postgres":
		repo, err := postgres.Open(ctx, cfg.DatabaseURI)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	case "memory":
		slog.Warn("using the in-memory order store; orders are lost on restart")
		return memory.NewStore(), closerFunc(func() error { return nil }), nil
	default:
		repo, err := sqlite.Open(cfg.DatabaseURI)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openCache prefers Redis so idempotency and dedup markers are shared
// between replicas. Without it each process keeps its own.
func openCache(ctx context.Context, cfg *Config) cache.Cache {
	if cfg.RedisAddr == "" {
		slog.Info("REDIS_ADDR not set, using the in-process cache")
		return cache.NewMemoryCache(cfg.OTelServiceName)
	}
	c := cache.NewRedisCache(cfg.RedisAddr, cfg.OTelServiceName)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		slog.Warn("redis unreachable at startup; idempotency and dedup degrade until it recovers", "addr", cfg.RedisAddr, "error", err)
	}
	return c
}

func buildGateways(cfg *Config) map[string]ports.Gateway {
	gateways := make(map[string]ports.Gateway)
	if cfg.StripeSecretKey != "" {
		if cfg.StripeWebhookSecret == "" {
			slog.Warn("STRIPE_WEBHOOK_SECRET is not set; Stripe webhooks will be rejected")
		}
		gateways[stripe.Name] = stripe.New(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			APIURL:        cfg.StripeAPIURL,
			Timeout:       cfg.GatewayTimeout,
		})
	}
	if cfg.PayPalClientID != "" {
		if cfg.PayPalWebhookID == "" {
			slog.Warn("PAYPAL_WEBHOOK_ID is not set; PayPal webhooks will be rejected")
		}
		gateways[paypal.Name] = paypal.New(paypal.Config{
			BaseURL:      cfg.PayPalAPIURL,
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			WebhookID:    cfg.PayPalWebhookID,
			Timeout:      cfg.GatewayTimeout,
		})
	}
	return gateways
}

func gatewayNames(gateways map[string]ports.Gateway) []string {
	names := make([]string, 0, len(gateways))
	for name := range gateways {
		names = append(names, name)
	}
	return names
}
