// submittal-judge runs the extraction pipeline over one PDF or a directory
// of PDFs and prints results as JSON. With gold labels it also scores the
// batch and can write an XLSX report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/paritoshk/LLM-document-judge/internal/cache"
	"github.com/paritoshk/LLM-document-judge/internal/common"
	"github.com/paritoshk/LLM-document-judge/internal/eval"
	"github.com/paritoshk/LLM-document-judge/internal/llm/anthropic"
	"github.com/paritoshk/LLM-document-judge/internal/ocr"
	"github.com/paritoshk/LLM-document-judge/internal/pdf"
	"github.com/paritoshk/LLM-document-judge/internal/pipeline"
)

func main() {
	var (
		pdfPath   = flag.String("pdf", "", "path to a single PDF")
		dirPath   = flag.String("dir", "", "directory of PDFs to process")
		cachePath = flag.String("cache", "", "sqlite cache path (overrides CACHE_DB)")
		memCache  = flag.Bool("mem", false, "use an in-memory cache (no persistence)")
		goldPath  = flag.String("eval", "", "gold-label JSON for scoring a --dir batch")
		xlsxPath  = flag.String("xlsx", "", "write the evaluation report to this XLSX file")
		workers   = flag.Int("workers", 0, "concurrent documents for --dir (default from PIPELINE_WORKERS)")
		outPath   = flag.String("out", "", "write result JSON here instead of stdout")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if (*pdfPath == "") == (*dirPath == "") {
		logger.Error("usage", "cmd", "submittal-judge --pdf file.pdf | --dir submittals/")
		os.Exit(2)
	}
	if *goldPath != "" && *dirPath == "" {
		logger.Error("--eval requires --dir")
		os.Exit(2)
	}

	cfg := common.LoadConfig()
	if *cachePath != "" {
		cfg.Cache.SQLitePath = *cachePath
	}
	if *workers > 0 {
		cfg.Pipeline.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, *memCache, logger)
	if err != nil {
		logger.Error("open cache store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	coord := buildCoordinator(cfg, store, logger)

	if *pdfPath != "" {
		if err := runOne(ctx, coord, *pdfPath, *outPath, logger); err != nil {
			logger.Error("run failed", "pdf", *pdfPath, "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runBatch(ctx, coord, cfg, *dirPath, *goldPath, *xlsxPath, *outPath, logger); err != nil {
		logger.Error("batch failed", "dir", *dirPath, "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *common.Config, mem bool, logger *slog.Logger) (cache.Store, func(), error) {
	if mem {
		return cache.NewMemoryStore(), func() {}, nil
	}
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
		return pg, pg.Close, nil
	}
	sq, err := cache.OpenSQLite(cfg.Cache.SQLitePath, logger)
	if err != nil {
		return nil, nil, err
	}
	return sq, func() { _ = sq.Close() }, nil
}

func buildCoordinator(cfg *common.Config, store cache.Store, logger *slog.Logger) *pipeline.Coordinator {
	llmClient := anthropic.NewClient(anthropic.Config{
		APIKey:      cfg.Anthropic.APIKey,
		BaseURL:     cfg.Anthropic.BaseURL,
		Model:       cfg.Anthropic.Model,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		Temperature: cfg.Anthropic.Temperature,
		Timeout:     cfg.Anthropic.Timeout,
	}, logger)
	ocrClient := ocr.NewClient(ocr.Config{
		APIKey:       cfg.Datalab.APIKey,
		BaseURL:      cfg.Datalab.BaseURL,
		PollInterval: cfg.Datalab.PollInterval,
		MaxPolls:     cfg.Datalab.MaxPolls,
		Timeout:      cfg.Datalab.Timeout,
	}, logger)

	retry := pipeline.RetryPolicy{
		MaxAttempts: cfg.Pipeline.RetryAttempts,
		BaseDelay:   cfg.Pipeline.RetryBaseDelay,
		MaxDelay:    pipeline.DefaultRetryPolicy().MaxDelay,
	}

	coord := pipeline.NewCoordinator(
		ocrClient,
		pdf.NewSplitter(logger),
		pipeline.NewStageOne(llmClient, retry, cfg.Anthropic.MaxTokens, logger),
		pipeline.NewStageTwo(llmClient, retry, cfg.Anthropic.MaxTokens, logger),
		llmClient.ModelVersion(),
		cfg.Pipeline.PromptVersion,
		cache.NewFlightStore(store, logger),
		logger,
	)
	coord.MaxVisionPages = cfg.Pipeline.MaxVisionPages
	coord.Retry = retry
	return coord
}

func runOne(ctx context.Context, coord *pipeline.Coordinator, path, outPath string, logger *slog.Logger) error {
	doc, err := pdf.Load(path)
	if err != nil {
		return err
	}
	res, err := coord.Run(ctx, doc)
	if err != nil {
		return err
	}
	return writeJSON(res, outPath, logger)
}

func runBatch(ctx context.Context, coord *pipeline.Coordinator, cfg *common.Config, dir, goldPath, xlsxPath, outPath string, logger *slog.Logger) error {
	items, err := pipeline.Batch(ctx, coord, dir, cfg.Pipeline.Workers, logger)
	if err != nil {
		return err
	}

	type batchOut struct {
		Path   string           `json:"path"`
		Result *pipeline.Result `json:"result,omitempty"`
		Error  string           `json:"error,omitempty"`
	}
	out := make([]batchOut, 0, len(items))
	failed := 0
	for _, it := range items {
		bo := batchOut{Path: it.Path, Result: it.Result}
		if it.Err != nil {
			bo.Error = it.Err.Error()
			failed++
		}
		out = append(out, bo)
	}
	if err := writeJSON(out, outPath, logger); err != nil {
		return err
	}

	if goldPath != "" {
		gold, err := eval.LoadGold(goldPath)
		if err != nil {
			return err
		}
		rep := eval.Evaluate(items, gold)
		logger.Info("eval.summary", "report", eval.Summary(rep))
		fmt.Fprintln(os.Stderr, eval.Summary(rep))
		if xlsxPath != "" {
			if err := eval.WriteXLSX(rep, xlsxPath); err != nil {
				return fmt.Errorf("write xlsx report: %w", err)
			}
			logger.Info("eval.report_written", "path", filepath.Clean(xlsxPath))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(items))
	}
	return nil
}

func writeJSON(v any, outPath string, logger *slog.Logger) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if outPath == "" {
		fmt.Println(string(b))
		return nil
	}
	if err := os.WriteFile(outPath, b, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	logger.Info("output_written", "path", outPath)
	return nil
}
