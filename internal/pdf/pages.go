package pdf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Page is one rendered page handed to the vision stage, 1-based.
type Page struct {
	Number    int    `json:"number"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// Rasterizer is the image-preparation collaborator: deterministic for the
// same PDF bytes, at most maxPages pages, ordered by page number.
type Rasterizer interface {
	Pages(ctx context.Context, doc *Document, maxPages int) ([]Page, error)
}

// SplitterVersion participates in rasterize cache keys: bumping it after a
// split/optimize behavior change invalidates cached page sets.
const SplitterVersion = "pdfcpu-split-v1"

// Splitter implements Rasterizer by splitting the PDF into standalone
// single-page documents. The vision model accepts PDF pages directly, which
// avoids a native rendering dependency and keeps the output deterministic.
type Splitter struct {
	log *slog.Logger
}

func NewSplitter(logger *slog.Logger) *Splitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Splitter{log: logger}
}

func (s *Splitter) Pages(ctx context.Context, doc *Document, maxPages int) ([]Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := doc.PageCount
	if maxPages > 0 && limit > maxPages {
		s.log.Info("pdf.pages.capped", "doc", doc.Name, "page_count", doc.PageCount, "max", maxPages)
		limit = maxPages
	}

	tempDir, err := os.MkdirTemp("", "page-split-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(sourcePath, doc.Bytes, 0o600); err != nil {
		return nil, fmt.Errorf("write source pdf: %w", err)
	}

	optimizedPath := filepath.Join(tempDir, "optimized.pdf")
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.OptimizeFile(sourcePath, optimizedPath, cfg); err != nil {
		return nil, fmt.Errorf("optimize pdf: %w", err)
	}
	if err := api.SplitFile(optimizedPath, tempDir, 1, cfg); err != nil {
		return nil, fmt.Errorf("split pdf: %w", err)
	}

	base := strings.TrimSuffix(optimizedPath, filepath.Ext(optimizedPath))
	pages := make([]Page, 0, limit)
	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(fmt.Sprintf("%s_%d.pdf", base, i))
		if err != nil {
			return nil, fmt.Errorf("read split page %d: %w", i, err)
		}
		pages = append(pages, Page{Number: i, MediaType: "application/pdf", Data: b})
	}
	s.log.Info("pdf.pages.split", "doc", doc.Name, "pages", len(pages))
	return pages, nil
}
