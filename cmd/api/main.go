package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/veda/backend/internal/analysis/moderation"
	"github.com/zhouzirui/veda/backend/internal/auth"
	"github.com/zhouzirui/veda/backend/internal/config"
	"github.com/zhouzirui/veda/backend/internal/handler"
	chatHandler "github.com/zhouzirui/veda/backend/internal/handler/chat"
	"github.com/zhouzirui/veda/backend/internal/handler/ws"
	"github.com/zhouzirui/veda/backend/internal/logging"
	"github.com/zhouzirui/veda/backend/internal/service/ai"
	"github.com/zhouzirui/veda/backend/internal/service/chat"
	"github.com/zhouzirui/veda/backend/internal/service/pipeline"
	"github.com/zhouzirui/veda/backend/internal/service/retrieval"
	"github.com/zhouzirui/veda/backend/internal/service/stream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}
	if envErr != nil {
		log.Info().Err(envErr).Msg("no .env file loaded, using system environment only")
	}

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Algorithm)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token verifier")
	}

	screener := moderation.NewScreener(moderation.FileStore{Path: cfg.Moderation.RulesPath}, cfg.Moderation.Enabled)
	if h := screener.Health(); h.Status != "healthy" {
		log.Warn().Str("reason", h.Warning).Str("error", h.LastReloadError).Msg("moderation degraded")
	}

	deps := buildPipelineDeps(ctx, cfg)
	deps.Screener = screener
	orch := pipeline.New(deps, pipeline.Options{
		SummarizeThreshold: cfg.Pipeline.SummarizeThreshold,
		TopK:               cfg.Pipeline.RAGTopK,
		EnableSummarizer:   cfg.Pipeline.EnableSummarizer,
		EnableRAG:          cfg.Pipeline.EnableRAG,
		StageTimeout:       cfg.Pipeline.StageTimeout,
		GenerationTimeout:  cfg.Pipeline.GenerationTimeout,
	})

	var repo chat.Repository = chat.NewMemoryRepository()
	if cfg.Database.URL != "" {
		pool, err := chat.NewPostgresPool(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		repo = chat.NewPostgresRepository(pool)
	} else {
		log.Warn().Msg("DATABASE_URL 未配置，使用内存仓库，重启后数据将丢失")
	}

	coordinator := chat.NewCoordinator(repo, orch, cfg.Stream.MaxTurnDuration)
	cache := stream.NewCache(cfg.Stream.CacheTTL).WithInFlightLimit(cfg.Stream.MaxTurnDuration)
	hub := stream.NewHub(stream.NewRegistry(), cache)
	wsHandler := ws.New(coordinator, hub, verifier, ws.Options{
		MessagesPerMinute: cfg.Stream.MessagesPerMinute,
		Language:          cfg.Pipeline.DefaultLanguage,
	})

	router := handler.NewRouter(handler.Deps{
		Chat:           chatHandler.New(coordinator, cfg.Pipeline.DefaultLanguage),
		WS:             wsHandler,
		Verifier:       verifier,
		Screener:       screener,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RepositoryKind: repo.Kind(),
		Mode:           cfg.Pipeline.Mode(),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("mode", cfg.Pipeline.Mode()).
			Str("repository", repo.Kind()).
			Msg("Veda backend listening")
		return runServer(gctx, srv)
	})
	g.Go(func() error {
		cache.Run(gctx, cfg.Stream.SweepInterval)
		return nil
	})
	if cfg.Moderation.Enabled && cfg.Moderation.Watch {
		g.Go(func() error {
			if err := moderation.Watch(gctx, cfg.Moderation.RulesPath, screener, moderation.DefaultDebounce); err != nil {
				log.Warn().Err(err).Msg("moderation rule hot reload disabled")
			}
			return nil
		})
	}

	err = g.Wait()
	hub.Registry.CloseAll()
	wsHandler.Wait()
	if err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("server stopped")
}

// buildPipelineDeps 根据运行模式选择离线或在线的各阶段实现。
func buildPipelineDeps(ctx context.Context, cfg *config.Config) pipeline.Deps {
	offline := pipeline.Deps{
		Transcriber: ai.OfflineTranscriber{},
		Describer:   ai.OfflineDescriber{},
		Retriever:   retrieval.NewMemoryRetriever(nil),
		Generator:   ai.OfflineGenerator{},
	}
	if cfg.Pipeline.DevMode {
		log.Info().Msg("DEV_MODE enabled, using offline collaborators")
		return offline
	}

	deps := offline
	if cfg.AI.Enabled() {
		svc, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize chat model, falling back to offline answers")
		} else {
			deps.Generator = svc
			log.Info().Str("model", cfg.AI.Model).Msg("chat model initialized")
		}
	} else {
		log.Warn().Msg("Ark 凭证未配置，使用离线回答")
	}

	if cfg.OpenAI.Enabled() {
		client := ai.NewOpenAIClient(cfg.OpenAI)
		deps.Transcriber = ai.NewTranscriber(client, cfg.OpenAI.TranscribeModel)
		deps.Describer = ai.NewImageDescriber(client, cfg.OpenAI.VisionModel)
	} else {
		log.Info().Msg("OPENAI_API_KEY not set, voice and image stages use offline placeholders")
	}

	if cfg.Pipeline.EnableSummarizer {
		summarizer, err := ai.NewSummarizer(cfg.Ollama)
		if err != nil {
			log.Warn().Err(err).Msg("summarizer unavailable, long queries pass through unchanged")
		} else {
			deps.Summarizer = summarizer
		}
	}

	if cfg.Retrieval.WeaviateURL != "" {
		retriever, err := retrieval.NewWeaviateRetriever(cfg.Retrieval.WeaviateURL, cfg.Retrieval.Class)
		if err != nil {
			log.Warn().Err(err).Msg("weaviate unavailable, using built-in reference documents")
		} else {
			deps.Retriever = retriever
		}
	}

	return deps
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
