package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/geodispatch/internal/config"
	ratelimitmw "github.com/example/geodispatch/internal/http/middleware"
	"github.com/example/geodispatch/pkg/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "apigateway",
	Short:        "Rate limited edge proxy for the dispatch service",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), configPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := observability.SetupLogger("api-gateway", cfg.Service.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracer, err := observability.SetupTracer("api-gateway", nil)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdownTracer(context.Background()) //nolint:errcheck
	}

	upstream, err := url.Parse(cfg.Gateway.Upstream)
	if err != nil || upstream.Host == "" {
		return fmt.Errorf("gateway.upstream %q is not an absolute url", cfg.Gateway.Upstream)
	}

	var limiter *ratelimitmw.RateLimiter
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed, rate limiting disabled", zap.Error(err))
		} else {
			limiter = ratelimitmw.NewRateLimiter(client, cfg.Auth.JWTSecret,
				ratelimitmw.RateConfig{Rate: cfg.Gateway.ReadRPS, Burst: cfg.Gateway.ReadBurst},
				ratelimitmw.RateConfig{Rate: cfg.Gateway.WriteRPS, Burst: cfg.Gateway.WriteBurst},
				logger)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           newRouter(upstream, limiter, cfg.Gateway.TrustProxyHeaders, logger),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("upstream", upstream.String()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newRouter forwards the public dispatch API to upstream behind the limiter.
// With trustProxy the client address comes from forwarding headers, which
// the limiter then keys on.
func newRouter(upstream *url.URL, limiter *ratelimitmw.RateLimiter, trustProxy bool, logger *zap.Logger) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if trustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(nil))
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Handle("/v1/orders", proxy)
		r.Handle("/v1/orders/*", proxy)
		r.Handle("/v1/agents", proxy)
		r.Handle("/v1/agents/*", proxy)
		r.Handle("/v1/eta", proxy)
	})
	return r
}
