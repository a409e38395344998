// judged is the long-running dashboard daemon: it accepts submittal uploads
// over HTTP, runs the extraction pipeline, and serves judged results.
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

	"go.uber.org/zap"

	"github.com/paritoshk/LLM-document-judge/internal/cache"
	"github.com/paritoshk/LLM-document-judge/internal/common"
	"github.com/paritoshk/LLM-document-judge/internal/llm/anthropic"
	"github.com/paritoshk/LLM-document-judge/internal/ocr"
	"github.com/paritoshk/LLM-document-judge/internal/pdf"
	"github.com/paritoshk/LLM-document-judge/internal/pipeline"
	"github.com/paritoshk/LLM-document-judge/internal/server"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	log := logger.Sugar()

	// Pipeline internals log structured JSON via slog; zap covers the
	// daemon lifecycle.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(slogger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, slogger)
	if err != nil {
		log.Fatalf("open cache store: %v", err)
	}
	defer closeStore()

	llmClient := anthropic.NewClient(anthropic.Config{
		APIKey:      cfg.Anthropic.APIKey,
		BaseURL:     cfg.Anthropic.BaseURL,
		Model:       cfg.Anthropic.Model,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		Temperature: cfg.Anthropic.Temperature,
		Timeout:     cfg.Anthropic.Timeout,
	}, slogger)
	ocrClient := ocr.NewClient(ocr.Config{
		APIKey:       cfg.Datalab.APIKey,
		BaseURL:      cfg.Datalab.BaseURL,
		PollInterval: cfg.Datalab.PollInterval,
		MaxPolls:     cfg.Datalab.MaxPolls,
		Timeout:      cfg.Datalab.Timeout,
	}, slogger)

	retry := pipeline.RetryPolicy{
		MaxAttempts: cfg.Pipeline.RetryAttempts,
		BaseDelay:   cfg.Pipeline.RetryBaseDelay,
		MaxDelay:    pipeline.DefaultRetryPolicy().MaxDelay,
	}
	coord := pipeline.NewCoordinator(
		ocrClient,
		pdf.NewSplitter(slogger),
		pipeline.NewStageOne(llmClient, retry, cfg.Anthropic.MaxTokens, slogger),
		pipeline.NewStageTwo(llmClient, retry, cfg.Anthropic.MaxTokens, slogger),
		llmClient.ModelVersion(),
		cfg.Pipeline.PromptVersion,
		cache.NewFlightStore(store, slogger),
		slogger,
	)
	coord.MaxVisionPages = cfg.Pipeline.MaxVisionPages
	coord.Retry = retry

	svc := server.NewService(coord, cfg.Pipeline.Workers, slogger)
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("http serving on %s", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

func openStore(ctx context.Context, cfg *common.Config, logger *slog.Logger) (cache.Store, func(), error) {
	if cfg.Cache.PostgresDSN != "" {
		pg, err := cache.OpenPostgres(ctx, cache.PostgresConfig{
			DSN:         cfg.Cache.PostgresDSN,
			MaxConns:    cfg.Cache.MaxConns,
			MinConns:    cfg.Cache.MinConns,
			DialTimeout: cfg.Cache.DialTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.HealthCheck(ctx, cfg.Cache.DialTimeout); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	sq, err := cache.OpenSQLite(cfg.Cache.SQLitePath, logger)
	if err != nil {
		return nil, nil, err
	}
	return sq, func() { _ = sq.Close() }, nil
}
