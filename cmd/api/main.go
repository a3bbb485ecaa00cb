package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"hvac-voice-agent/internal/bridge"
	"hvac-voice-agent/internal/config"
	"hvac-voice-agent/internal/notify"
	"hvac-voice-agent/internal/realtime"
	"hvac-voice-agent/internal/records"
	"hvac-voice-agent/internal/resilience"
	"hvac-voice-agent/internal/session"
	"hvac-voice-agent/internal/supervisor"
	"hvac-voice-agent/internal/tenant"
	"hvac-voice-agent/internal/tools"
	"hvac-voice-agent/internal/tts"
	"hvac-voice-agent/internal/turnflow"
	"hvac-voice-agent/migrations"
	"hvac-voice-agent/pkg/logger"
	"hvac-voice-agent/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := migrations.Up(rootCtx, db); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	// The KV is optional. Without it sessions live in the process cache only
	// and the rate limiter admits everything, which is fine for local runs.
	var kv *redis.Client
	if cfg.Redis.URL != "" {
		kv, err = utils.OpenRedis(rootCtx, utils.RedisConfig{URL: cfg.Redis.URL})
		if err != nil {
			log.Warn("kv unavailable, continuing without it", "err", err)
			kv = nil
		} else {
			defer kv.Close()
		}
	}

	store := session.NewStore(kv, session.StoreOptions{
		TTL:       cfg.Session.TTL,
		CacheSize: cfg.Session.CacheSize,
		CacheTTL:  cfg.Session.CacheTTL,
	}, log)

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.Threshold,
		RecoveryTimeout:  cfg.Breaker.Recovery,
	})

	notifier := notify.NewClient(notify.Config{
		URL:    cfg.Notify.URL,
		APIKey: cfg.Notify.APIKey,
	}, breakers.For("notify"), log)

	repo := tools.NewPostgresRepository(db)
	executors := tools.NewExecutors(repo, notifier, tools.ExecutorConfig{}, log)
	registry := tools.NewRegistry(executors, tools.RegistryConfig{
		BudgetPerResponse: cfg.Tools.BudgetPerResponse,
		Timeout:           cfg.Tools.Timeout,
	}, log)

	speaker := tts.NewEngine(tts.BuildChain(cfg.TTS.Providers,
		ttsEndpoint(cfg.TTS.Premium, cfg.TTS.Timeout),
		ttsEndpoint(cfg.TTS.Secondary, cfg.TTS.Timeout),
	), cfg.TTS.Timeout, log)

	tenants := tenant.NewDBResolver(db, tenant.Defaults{
		CompanyName:     cfg.Tenant.CompanyName,
		Greeting:        cfg.Tenant.DefaultGreeting,
		TransferPhone:   cfg.Tenant.TransferPhone,
		EmergencyPhone:  cfg.Tenant.EmergencyPhone,
		Voice:           cfg.Model.Voice,
		PreferStreaming: cfg.Tenant.PreferStreaming,
	}, log)

	flow := turnflow.New(turnflow.Config{
		TurnAction:     "/voice/turn",
		TransferPhone:  cfg.Tenant.TransferPhone,
		EmergencyPhone: cfg.Tenant.EmergencyPhone,
		CompanyName:    cfg.Tenant.CompanyName,
		Greeting:       cfg.Tenant.DefaultGreeting,
		Voice:          cfg.Model.Voice,
	}, store, registry, log)

	sup := supervisor.New(supervisor.Config{
		StreamURL: cfg.StreamURL(),
		Bridge: bridge.Config{
			MaxCallDuration:    cfg.Limits.MaxCallDuration,
			Voice:              cfg.Model.Voice,
			Temperature:        cfg.Model.Temperature,
			MaxResponseTokens:  cfg.Model.MaxTokens,
			VADThreshold:       cfg.Model.VADThreshold,
			VADPrefixPaddingMS: cfg.Model.VADPrefixPaddingMs,
			VADSilenceMS:       cfg.Model.VADSilenceMs,
		},
		Model: realtime.Config{
			URL:            cfg.Model.WSURL,
			APIKey:         cfg.Model.APIKey,
			ConnectTimeout: cfg.Model.ConnectTimeout,
		},
	}, store, registry, flow, tenants,
		resilience.NewCallLimiter(kv, cfg.Limits.PerCallerCalls, cfg.Limits.PerCallerWindow),
		breakers.For("model"), records.NewDBRepo(db), notifier, speaker, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, cfg, sup, store, db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Media stream sockets are hijacked off the server, so these
		// bound only the webhook handlers.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

func ttsEndpoint(e config.TTSEndpoint, timeout time.Duration) tts.HTTPProviderConfig {
	return tts.HTTPProviderConfig{
		Name:    e.Name,
		URL:     e.URL,
		APIKey:  e.APIKey,
		Voice:   e.Voice,
		Format:  e.Format,
		Timeout: timeout,
	}
}
