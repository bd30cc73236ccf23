package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pocketllm/chatsync/internal/ai"
	"github.com/pocketllm/chatsync/internal/chat"
	"github.com/pocketllm/chatsync/internal/config"
	"github.com/pocketllm/chatsync/internal/db"
	"github.com/pocketllm/chatsync/internal/httpapi"
	"github.com/pocketllm/chatsync/internal/httpapi/handlers"
	"github.com/pocketllm/chatsync/internal/logging"
	"github.com/pocketllm/chatsync/internal/store/rabbitmq"
	"github.com/pocketllm/chatsync/internal/store/redisstore"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New("chatsync-server")

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate failed")
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err := rds.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, duplicate fast path disabled")
		rds = nil
	}

	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	opts := chat.Options{
		ContextWindowSize:  cfg.ChatContextWindowSize,
		ContextTokenBudget: cfg.ChatContextTokenBudget,
		TitleMaxLen:        cfg.SessionTitleMaxLen,
		Logger:             log,
	}
	if rds != nil {
		opts.Cache = rds
	}
	svc := chat.NewService(chat.NewRepo(gdb), reg, opts)

	var pub handlers.JobPublisher
	if p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue, log); err != nil {
		log.Warn().Err(err).Msg("rabbitmq unreachable, async sends disabled")
	} else {
		pub = p
		defer p.Close()
	}

	router := httpapi.NewRouter(gdb, cfg, svc, pub, log)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}
