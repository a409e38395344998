package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/paritoshk/LLM-document-judge/internal/pdf"
)

// BatchItem is the outcome for one document in a batch. Err is set when the
// run failed outright; a degraded run is a Result, not an Err.
type BatchItem struct {
	Path   string
	Result *Result
	Err    error
}

// Batch runs every PDF under dir through coord with at most workers
// documents in flight. One document failing does not stop the others.
// Items are returned in path order.
func Batch(ctx context.Context, coord *Coordinator, dir string, workers int, logger *slog.Logger) ([]BatchItem, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}

	paths, err := listPDFs(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no PDFs under %s", dir)
	}
	logger.Info("batch.start", "dir", dir, "docs", len(paths), "workers", workers)

	items := make([]BatchItem, len(paths))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			item := BatchItem{Path: path}
			doc, err := pdf.Load(path)
			if err == nil {
				item.Result, item.Err = coord.Run(gctx, doc)
			} else {
				item.Err = err
			}
			if item.Err != nil {
				logger.Error("batch.doc_failed", "path", path, "error", item.Err)
			}
			mu.Lock()
			items[i] = item
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
		}
	}
	logger.Info("batch.done", "docs", len(items), "failed", failed)
	return items, nil
}

func listPDFs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
