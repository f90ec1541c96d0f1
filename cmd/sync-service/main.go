package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"consultease/sync-service/internal/cache"
	"consultease/sync-service/internal/config"
	"consultease/sync-service/internal/consultation"
	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/httpapi"
	"consultease/sync-service/internal/logging"
	"consultease/sync-service/internal/metrics"
	"consultease/sync-service/internal/mqttapi"
	"consultease/sync-service/internal/offline"
	"consultease/sync-service/internal/presence"
	"consultease/sync-service/internal/realtime"
	"consultease/sync-service/internal/response"
	"consultease/sync-service/internal/store"
	"consultease/sync-service/internal/store/memory"
	"consultease/sync-service/internal/store/postgres"
	"consultease/sync-service/internal/syncstate"
	"consultease/sync-service/internal/telemetry"
	"consultease/sync-service/internal/topics"
	"consultease/sync-service/internal/transport/mqtt"
	"consultease/sync-service/internal/txretry"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	shutdownTelemetry := telemetry.Setup(telemetry.Options{
		ServiceName: "sync-service",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	checks := map[string]httpapi.HealthCheck{}

	var st store.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("db connect", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		checks["postgres"] = pool.Ping
		st = postgres.NewStore(pool)
	default:
		slog.Warn("using in-memory store; state is lost on restart")
		st = memory.NewStore()
	}

	var (
		readCache cache.Cache
		queue     offline.Queue
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr)
		defer client.Close()
		rc := cache.NewRedis(client, cfg.CacheTTL)
		checks["redis"] = redisCheck(rc)
		readCache = rc
		queue = offline.NewRedisQueue(client, "consultease:offline:")
	} else {
		readCache = cache.NewMemory(cfg.CacheTTL)
		queue = offline.NewMemory()
	}

	m := metrics.New()
	scheme := topicScheme(cfg.Topics)
	retry := txretry.Policy{
		MaxAttempts: uint(cfg.Retry.MaxAttempts),
		BaseDelay:   cfg.Retry.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
	}

	mqttClient := mqtt.New(mqtt.Options{
		Broker:   cfg.MQTT.Broker,
		ClientID: clientID(cfg.MQTT.ClientID),
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	})
	bus := eventbus.New(mqttClient, m)

	state := syncstate.New()
	reconciler := presence.NewReconciler(presence.Options{
		Store:   st,
		State:   state,
		Bus:     bus,
		Cache:   readCache,
		Topics:  scheme,
		Retry:   retry,
		Metrics: m,
	})
	consultations := consultation.NewService(consultation.Options{
		Store:   st,
		Bus:     bus,
		Cache:   readCache,
		Offline: queue,
		Topics:  scheme,
		Retry:   retry,
		Metrics: m,
	})
	consultations.WatchAvailability(bus)
	responses := response.NewProcessor(st, consultations, bus, scheme, m)

	hub := realtime.NewHub(m)
	hub.Attach(bus)

	router := mqttapi.NewRouter(reconciler, responses, scheme, m)
	if err := router.Register(mqttClient); err != nil {
		slog.Error("register mqtt handlers", "error", err)
		os.Exit(1)
	}
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	if err := mqttClient.Connect(connectCtx); err != nil {
		slog.Warn("mqtt broker not reachable yet; publishes fail until it connects", "broker", cfg.MQTT.Broker, "error", err)
	}
	cancelConnect()
	defer mqttClient.Disconnect()

	handler := httpapi.NewHandler(httpapi.Options{
		Store:         st,
		Cache:         readCache,
		Consultations: consultations,
		Presence:      reconciler,
		Responses:     responses,
		Bus:           bus,
		Topics:        scheme,
		Metrics:       m,
		Limiter: httpapi.NewRateLimiter(httpapi.RateLimitConfig{
			IPPerMinute:      cfg.RateLimit.PerMinute,
			IPBurst:          cfg.RateLimit.Burst,
			StudentPerMinute: cfg.RateLimit.StudentPerMinute,
			StudentBurst:     cfg.RateLimit.StudentBurst,
		}),
		Realtime:     hub.Handler("/realtime"),
		HealthChecks: checks,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(handler.Routes()), "sync-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("sync-service listening", "addr", server.Addr, "store", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("sync-service stopped", "pending_updates", state.PendingCount(), "sequence", state.Sequence())
}

func topicScheme(cfg config.TopicsConfig) topics.Scheme {
	scheme := topics.DefaultScheme()
	if cfg.Prefix != "" {
		scheme.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	}
	if cfg.LegacyStatus != "" {
		scheme.LegacyStatus = cfg.LegacyStatus
	}
	if cfg.LegacyMessages != "" {
		scheme.LegacyMessages = cfg.LegacyMessages
	}
	return scheme
}

// clientID appends a random suffix so two instances never share a broker
// session.
func clientID(base string) string {
	if base == "" {
		base = "consultease-sync"
	}
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}

func redisCheck(rc *cache.Redis) httpapi.HealthCheck {
	return func(ctx context.Context) error {
		if !rc.Healthy(ctx) {
			return errors.New("redis ping failed")
		}
		return nil
	}
}
