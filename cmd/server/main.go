package main

import (
	"context"
	"log"
	"strings"

	"github.com/rivulet-ai/rivulet/internal/ai"
	"github.com/rivulet-ai/rivulet/internal/chat"
	"github.com/rivulet-ai/rivulet/internal/completion"
	"github.com/rivulet-ai/rivulet/internal/config"
	"github.com/rivulet-ai/rivulet/internal/db"
	"github.com/rivulet-ai/rivulet/internal/httpapi"
	"github.com/rivulet-ai/rivulet/internal/httpapi/handlers"
	"github.com/rivulet-ai/rivulet/internal/search"
	"github.com/rivulet-ai/rivulet/internal/secrets"
	"github.com/rivulet-ai/rivulet/internal/store/rabbitmq"
	"github.com/rivulet-ai/rivulet/internal/store/redisstore"
	"github.com/rivulet-ai/rivulet/internal/stream"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(
		&chat.Chat{}, &chat.Message{}, &chat.Branch{},
		&stream.ResumableStream{}, &stream.StreamSession{},
		&completion.Job{}, &secrets.UserAPIKey{},
	); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rds.Close()

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit: %v", err)
	}
	defer rabbit.Close()

	cipher, err := secrets.NewCipher(cfg.APIKeySecret)
	if err != nil {
		log.Fatalf("secrets: %v", err)
	}
	resolver := secrets.NewResolver(gdb, cipher, cfg.DefaultAPIKey)

	reg := newRegistry(cfg)

	chatRepo := chat.NewRepo(gdb)
	chatSvc := chat.NewService(chatRepo, cfg.DefaultModel)

	streamRepo := stream.NewRepo(gdb)
	controller := stream.NewController(streamRepo)
	sessions := stream.NewSessions(streamRepo, chatRepo, rds)

	var searcher completion.Searcher
	if cfg.SearchBaseURL != "" {
		searcher = search.NewClient(cfg.SearchBaseURL, cfg.SearchAPIKey)
	}

	orch := completion.NewOrchestrator(chatRepo, controller, sessions, reg, resolver, searcher, rds,
		completion.Options{
			ProviderName:      cfg.AIProvider,
			DefaultModel:      cfg.DefaultModel,
			ContextWindowSize: cfg.ChatContextWindowSize,
			IdleTimeout:       cfg.StreamIdleTimeout,
		})

	jobs := completion.NewJobRepo(gdb)

	h := handlers.NewHandler(cfg, chatSvc, orch, controller, sessions, streamRepo, jobs, rabbit, rds, resolver)
	r := httpapi.NewRouter(cfg, h)

	log.Printf("server listening on %s provider=%s", cfg.ListenAddr, cfg.AIProvider)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func newRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("openrouter", func(ctx context.Context, model, apiKey string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.DefaultModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, apiKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register("ollama", func(ctx context.Context, model, apiKey string) (ai.Provider, error) {
		_ = ctx
		_ = apiKey
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.DefaultModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	return reg
}
