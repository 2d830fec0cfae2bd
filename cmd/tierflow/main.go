package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/api"
	"github.com/nidhogg/tierflow/internal/approval"
	"github.com/nidhogg/tierflow/internal/cache"
	"github.com/nidhogg/tierflow/internal/checkpoint"
	"github.com/nidhogg/tierflow/internal/classify"
	"github.com/nidhogg/tierflow/internal/config"
	"github.com/nidhogg/tierflow/internal/debate"
	"github.com/nidhogg/tierflow/internal/embedding"
	"github.com/nidhogg/tierflow/internal/engine"
	"github.com/nidhogg/tierflow/internal/haltbus"
	"github.com/nidhogg/tierflow/internal/ledger"
	"github.com/nidhogg/tierflow/internal/notify"
	"github.com/nidhogg/tierflow/internal/persona"
	"github.com/nidhogg/tierflow/internal/pipeline"
	"github.com/nidhogg/tierflow/internal/provider"
	"github.com/nidhogg/tierflow/internal/route"
	"github.com/nidhogg/tierflow/internal/state"
	"github.com/nidhogg/tierflow/internal/tools"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Tierflow...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/tierflow.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	// Initialize tier router and providers
	router := provider.NewTierRouter(cfg.Tiers.RetryTransient, logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	router.Bind(state.TierLocal, provider.Binding{
		ProviderID: cfg.Tiers.Local.ProviderID,
		Model:      cfg.Tiers.Local.Model,
		Fallbacks:  cfg.Tiers.Local.Fallbacks,
	})
	router.Bind(state.TierCloud, provider.Binding{
		ProviderID: cfg.Tiers.Cloud.ProviderID,
		Model:      cfg.Tiers.Cloud.Model,
		Fallbacks:  cfg.Tiers.Cloud.Fallbacks,
	})

	// Initialize embedding provider
	var embedder embedding.Provider
	embCfg := embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	}
	switch cfg.Embedding.Provider {
	case "api":
		embedder = embedding.NewAPIProvider(embCfg)
	case "local":
		embedder = embedding.NewLocalProvider(embCfg)
	default:
		logger.Warn("no embedding provider configured, semantic cache disabled")
	}

	// Initialize semantic cache
	var cacheStore cache.Store
	if embedder != nil {
		if cfg.Database.Qdrant.Host != "" {
			qs, qErr := cache.NewQdrantStore(ctx, cache.QdrantConfig{
				Host:       cfg.Database.Qdrant.Host,
				Port:       cfg.Database.Qdrant.Port,
				Collection: cfg.Cache.Collection,
				Dimension:  uint64(cfg.Embedding.Dimension),
				Threshold:  cfg.Cache.Threshold,
			}, logger)
			if qErr != nil {
				logger.Warn("Qdrant unavailable, falling back to in-memory cache", zap.Error(qErr))
			} else {
				cacheStore = qs
			}
		}
		if cacheStore == nil {
			cacheStore = cache.NewMemoryStore(cfg.Cache.Threshold, logger)
		}
	}

	// Initialize checkpoint store
	var checkpoints checkpoint.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := checkpoint.NewPostgresStore(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, checkpoints are in-memory only", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			checkpoints = ps
		}
	}
	if checkpoints == nil {
		checkpoints = checkpoint.NewMemoryStore()
	}

	// Initialize halt bus, with cross-node propagation when Redis is up
	bus := haltbus.New(logger)
	var haltBridge *haltbus.RedisBridge
	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()
	if cfg.Database.Redis.URL != "" {
		hb, hbErr := haltbus.NewRedisBridge(cfg.Database.Redis.URL, bus, logger)
		if hbErr != nil {
			logger.Warn("Redis unavailable, halts stay node-local", zap.Error(hbErr))
		} else {
			haltBridge = hb
			go func() {
				if err := haltBridge.Run(bridgeCtx); err != nil {
					logger.Warn("halt bridge stopped", zap.Error(err))
				}
			}()
		}
	}

	// Initialize cost ledger
	rates := map[state.Tier]ledger.Rate{
		state.TierCloud: {
			InputPerMTok:  cfg.Ledger.CloudInputPerMTok,
			OutputPerMTok: cfg.Ledger.CloudOutputPerMTok,
		},
	}
	ldg := ledger.New(rates, logger)
	var mirror *ledger.RedisMirror
	if cfg.Database.Redis.URL != "" {
		m, mErr := ledger.NewRedisMirror(cfg.Database.Redis.URL, logger)
		if mErr != nil {
			logger.Warn("Redis unavailable, ledger is in-memory only", zap.Error(mErr))
		} else {
			mirror = m
			ldg.SetMirror(mirror)
		}
	}

	// Initialize approval gate and notifiers
	gate := approval.New(time.Duration(cfg.Approval.Timeout), logger)
	var slackNotifier *notify.SlackNotifier
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		slackNotifier = notify.NewSlackNotifier(
			cfg.Notify.Slack.BotToken, cfg.Notify.Slack.AppToken, cfg.Notify.Slack.Channel, gate, logger)
		gate.AddNotifier(slackNotifier)
		go func() {
			if err := slackNotifier.Run(ctx); err != nil {
				logger.Warn("slack notifier stopped", zap.Error(err))
			}
		}()
	}
	var discordNotifier *notify.DiscordNotifier
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		dn := notify.NewDiscordNotifier(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel, gate, logger)
		if err := dn.Connect(ctx); err != nil {
			logger.Warn("Discord unavailable, approvals via API only", zap.Error(err))
		} else {
			discordNotifier = dn
			gate.AddNotifier(discordNotifier)
		}
	}

	// Initialize pipeline components
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	personas := persona.NewRegistry()
	validator, err := pipeline.NewValidator(nil)
	if err != nil {
		logger.Fatal("validator init failed", zap.Error(err))
	}

	eng := engine.New(engine.Deps{
		Cache:       cacheStore,
		Embedder:    embedder,
		Sticky:      route.New(cfg.Routing.StickyOverlap, cfg.Routing.StickyDecay, logger),
		Classifier:  classify.New(router, cfg.Routing.ConfidenceThreshold, logger),
		Worker:      pipeline.NewWorker(router, registry, personas, cfg.Pipeline.MaxToolSteps, logger),
		Validator:   validator,
		Critic:      pipeline.NewCritic(router, personas, logger),
		Debate:      debate.New(router, personas, cfg.Debate.MaxRounds, logger),
		Gate:        gate,
		Bus:         bus,
		Ledger:      ldg,
		Checkpoints: checkpoints,
		Tools:       registry,
		Personas:    personas,
	}, engine.Options{
		MaxValidateRetries: cfg.Pipeline.MaxValidateRetries,
		MaxCriticRounds:    cfg.Pipeline.MaxCriticRounds,
	}, logger)

	// Build HTTP handler
	handler := api.NewHandler(eng, gate, ldg, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Tierflow listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Tierflow...")
	srv.Shutdown(ctx)
	stopBridge()
	if haltBridge != nil {
		haltBridge.Close()
	}
	if mirror != nil {
		mirror.Close()
	}
	if discordNotifier != nil {
		discordNotifier.Close()
	}
	if ps, ok := checkpoints.(*checkpoint.PostgresStore); ok {
		ps.Close()
	}
	if qs, ok := cacheStore.(*cache.QdrantStore); ok {
		qs.Close()
	}
}
