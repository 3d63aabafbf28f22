// Command contaxy runs the authorization service: token issuance and
// verification, permission management, and the OAuth2 endpoints. A second
// listener serves health probes and metrics so the API port stays clean.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ml-tooling/contaxy/pkg/auth"
	"github.com/ml-tooling/contaxy/pkg/config"
	"github.com/ml-tooling/contaxy/pkg/httputil"
	"github.com/ml-tooling/contaxy/pkg/middleware"
	"github.com/ml-tooling/contaxy/pkg/observability"
	"github.com/ml-tooling/contaxy/pkg/sso"
	"github.com/ml-tooling/contaxy/pkg/store"
)

const maxRequestBodyBytes = 1 << 20

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout)
	metrics := observability.NewMetrics(nil)

	var db store.Backend
	switch cfg.Store.Type {
	case config.StoreTypeRedis:
		redisStore, err := store.NewRedis(cfg.Store.RedisURL)
		if err != nil {
			logger.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
		db = redisStore
	default:
		db = store.NewMemory()
	}
	db = store.NewInstrumented(db, cfg.Store.Type, metrics)
	logger.WithField("store", cfg.Store.Type).Info("store initialized")

	cache := auth.NewCache(cfg.AuthCacheConfig(), metrics)
	authorizer := auth.NewAuthorizer(db, cache, logger, metrics)
	tokens := auth.NewTokenService(auth.TokenServiceConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		SessionTokenTTL: cfg.Auth.SessionTokenTTL,
	}, db, db, authorizer, cache, logger, metrics)
	oauth2 := auth.NewOAuth2Service(tokens, db, logger)

	handlerLog := logrus.New()
	handler := auth.NewHandler(tokens, oauth2, handlerLog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	if cfg.OIDC.Enabled {
		authenticator, err := sso.New(ctx, cfg.SSOConfig(), db, tokens, logger)
		if err != nil {
			logger.WithError(err).Error("failed to set up oidc login")
			os.Exit(1)
		}
		authenticator.RegisterRoutes(router)
		logger.WithField("issuer", cfg.OIDC.IssuerURL).Info("oidc login enabled")
	}

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		observability.PanicRecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(maxRequestBodyBytes),
		middleware.Authentication(tokens, logger, true),
	)
	apiHandler := metrics.InstrumentHandler("api", chain(router))

	janitor := store.NewJanitor(db, cfg.Auth.RetentionSchedule, logger)
	if err := janitor.Start(); err != nil {
		logger.WithError(err).Error("failed to start token retention janitor")
		os.Exit(1)
	}
	defer janitor.Stop()

	health := observability.NewHealthChecker(map[string]observability.Pinger{"store": db})
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      apiHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("starting API server")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("starting health server")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown failed")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown failed")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server failed")
		os.Exit(1)
	}
	logger.Info("stopped")
}
