package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/config"
	"github.com/studykite/meterd/internal/db"
	dbRedis "github.com/studykite/meterd/internal/db/redis"
	"github.com/studykite/meterd/internal/domain/usage"
	logpkg "github.com/studykite/meterd/internal/logger"
	"github.com/studykite/meterd/internal/metrics"
	activityrepo "github.com/studykite/meterd/internal/repository/activity"
	ledgerrepo "github.com/studykite/meterd/internal/repository/ledger"
	profilerepo "github.com/studykite/meterd/internal/repository/profile"
	"github.com/studykite/meterd/internal/transport/broadcast"
	chiTransport "github.com/studykite/meterd/internal/transport/chi"
	openaiTransport "github.com/studykite/meterd/internal/transport/openai"
	"github.com/studykite/meterd/internal/usecase/budget"
	"github.com/studykite/meterd/internal/usecase/completion"
	healthuc "github.com/studykite/meterd/internal/usecase/health"
	ledgeruc "github.com/studykite/meterd/internal/usecase/ledger"
	sessionuc "github.com/studykite/meterd/internal/usecase/session"
	"github.com/studykite/meterd/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	// Every running instance is its own replication context, like one
	// browser tab among many.
	origin := uuid.NewString()

	logger.Info("Starting meterd API server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.String("origin", origin),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register metering metrics explicitly (no init())
	metrics.RegisterMeteringMetrics()

	channel := buildChannel(cfg, store, origin, logger)

	// Repositories
	recordTTL := time.Duration(cfg.Storage.RecordTTLDay) * 24 * time.Hour
	ledgerStore := ledgerrepo.New(store, cfg.Storage.KeyPrefix, recordTTL)
	activityStore := activityrepo.New(store, cfg.Storage.KeyPrefix, activityrepo.DefaultWipeKinds)
	profileStore := profilerepo.New(store, cfg.Storage.KeyPrefix)

	limits := cfg.TierLimits()

	// Use case services
	ledgerSvc := ledgeruc.New(ledgerStore, channel, limits, logger).
		WithTimeout(time.Duration(cfg.Budget.LedgerTimeoutSec) * time.Second)

	enforcer := budget.New(ledgerSvc, limits,
		cfg.Budget.LowBalanceThresholdUnits, cfg.Budget.OutputEstimateRatio, logger)
	enforcer.OnLowBalance(func(userID string, remaining int64) {
		logger.Info("Low balance warning",
			zap.String("user_id", userID), zap.Int64("remaining_units", remaining))
	})

	sessions := sessionuc.NewManager(sessionuc.Config{
		TotalSeconds:        cfg.Session.TotalSeconds,
		InactivityThreshold: time.Duration(cfg.Session.InactivityThresholdSec) * time.Second,
		StalenessBound:      time.Duration(cfg.Session.StalenessBoundSec) * time.Second,
	}, activityStore, channel, profileStore, logger)
	sessions.OnExpire(func(userID string) {
		logger.Info("Trial session locked out", zap.String("user_id", userID))
	})

	caller := openaiTransport.NewCaller(&openaiTransport.Config{
		APIKey:   cfg.Provider.APIKey,
		BaseURL:  cfg.Provider.BaseURL,
		Provider: cfg.Provider.Name,
		Logger:   logger,
	})

	completionSvc := completion.New(profileStore, sessions, enforcer, ledgerSvc, caller, logger)
	healthSvc := healthuc.New(store, caller).WithProviderName(cfg.Provider.Name)

	// Timer loop and peer subscription
	go sessions.Run(ctx)
	go runSubscription(ctx, channel, sessions, ledgerSvc, logger)

	server := chiTransport.NewServer(
		completionSvc, ledgerSvc, ledgerSvc, enforcer,
		sessions, profileStore, broadcast.Announcer{Channel: channel}, healthSvc, logger,
	)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// buildChannel selects the cross-context transport: native pub/sub, or the
// storage-polling fallback.
func buildChannel(cfg config.Config, store db.Store, origin string, logger *zap.Logger) broadcast.Channel {
	switch cfg.Broadcast.Transport {
	case "polling":
		return broadcast.NewPolling(store, cfg.Broadcast.Channel+":mailbox", origin,
			time.Duration(cfg.Broadcast.PollIntervalMS)*time.Millisecond, logger)
	default:
		return broadcast.NewPubSub(store, cfg.Broadcast.Channel, origin, logger)
	}
}

// runSubscription consumes peer envelopes and routes them by kind.
func runSubscription(
	ctx context.Context,
	channel broadcast.Channel,
	sessions *sessionuc.Manager,
	ledger *ledgeruc.Service,
	logger *zap.Logger,
) {
	for ctx.Err() == nil {
		err := channel.Subscribe(ctx, func(env broadcast.Envelope) {
			dispatchEnvelope(ctx, env, sessions, ledger, logger)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("Broadcast subscription lost, reconnecting", zap.Error(err))
			time.Sleep(time.Second)
		}
	}
}

func dispatchEnvelope(
	ctx context.Context,
	env broadcast.Envelope,
	sessions *sessionuc.Manager,
	ledger *ledgeruc.Service,
	logger *zap.Logger,
) {
	switch env.Kind {
	case broadcast.KindActivity:
		var msg broadcast.ActivityMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			logger.Warn("Dropping malformed activity message", zap.Error(err))
			return
		}
		sessions.ApplyRemote(ctx, msg)
	case broadcast.KindUsage:
		var rec usage.Record
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			logger.Warn("Dropping malformed usage message", zap.Error(err))
			return
		}
		ledger.ApplyRemote(ctx, rec)
	case broadcast.KindTier:
		var msg broadcast.TierMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			logger.Warn("Dropping malformed tier message", zap.Error(err))
			return
		}
		if _, err := sessions.SetTier(ctx, msg.UserID, msg.Tier); err != nil {
			logger.Warn("Remote tier change failed",
				zap.String("user_id", msg.UserID), zap.Error(err))
		}
	default:
		logger.Warn("Unknown broadcast kind", zap.String("kind", env.Kind))
	}
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
