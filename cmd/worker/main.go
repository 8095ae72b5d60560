package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rivulet-ai/rivulet/internal/ai"
	"github.com/rivulet-ai/rivulet/internal/chat"
	"github.com/rivulet-ai/rivulet/internal/completion"
	"github.com/rivulet-ai/rivulet/internal/config"
	"github.com/rivulet-ai/rivulet/internal/db"
	"github.com/rivulet-ai/rivulet/internal/search"
	"github.com/rivulet-ai/rivulet/internal/secrets"
	"github.com/rivulet-ai/rivulet/internal/store/redisstore"
	"github.com/rivulet-ai/rivulet/internal/stream"
)

type jobMsg struct {
	JobID string `json:"job_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rds.Close()

	cipher, err := secrets.NewCipher(cfg.APIKeySecret)
	if err != nil {
		log.Fatalf("secrets: %v", err)
	}
	resolver := secrets.NewResolver(gdb, cipher, cfg.DefaultAPIKey)

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

	chatRepo := chat.NewRepo(gdb)
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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(cfg.RabbitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitQueue + ".dlq",
	}); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	deliveries := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, orch, jobs, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					// the failure is already recorded on the job row; don't redeliver
					_ = d.Ack(false)
					continue
				}
				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(deliveries)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			deliveries <- d
		}
	}
}

// handleJob runs one queued completion to its terminal state and records the
// outcome on the job row. Chunk-level progress is observable through the
// stream record while this runs.
func handleJob(ctx context.Context, orch *completion.Orchestrator, jobs *completion.JobRepo, jobID string) error {
	_ = jobs.MarkRunning(ctx, jobID)

	j, err := jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	msgID, streamID, _, err := orch.RunSync(ctx, completion.StartParams{
		UserID:          j.UserID,
		ChatID:          j.ChatID,
		Content:         j.Content,
		Model:           j.Model,
		ParentMessageID: j.ParentMessageID,
		BranchID:        j.BranchID,
		WebSearch:       j.WebSearch,
	})
	if err != nil {
		_ = jobs.MarkFailed(ctx, jobID, err.Error())
		return err
	}

	return jobs.MarkSucceeded(ctx, jobID, msgID, streamID)
}
