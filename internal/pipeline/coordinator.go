package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/paritoshk/LLM-document-judge/constants"
	"github.com/paritoshk/LLM-document-judge/internal/cache"
	"github.com/paritoshk/LLM-document-judge/internal/llm"
	"github.com/paritoshk/LLM-document-judge/internal/ocr"
	"github.com/paritoshk/LLM-document-judge/internal/pdf"
)

// OCRProcessor is the layout-extraction collaborator (the Datalab client in
// production, an httptest fake in tests).
type OCRProcessor interface {
	Process(ctx context.Context, name string, pdf []byte, job ocr.JobHandle) ([]byte, error)
	Version() string
}

// Coordinator drives one document through the stage sequence, consulting the
// cache before each expensive step. Re-running a finished document makes
// zero external calls; an interrupted run resumes from the last completed
// stage.
type Coordinator struct {
	OCR            OCRProcessor
	Rasterizer     pdf.Rasterizer
	Stage1         *StageOne
	Stage2         *StageTwo
	ModelVersion   string
	PromptVersion  string
	MaxVisionPages int
	Retry          RetryPolicy
	Cache          *cache.FlightStore
	Logger         *slog.Logger
}

func NewCoordinator(ocrClient OCRProcessor, rast pdf.Rasterizer, s1 *StageOne, s2 *StageTwo, modelVersion, promptVersion string, store *cache.FlightStore, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		OCR:            ocrClient,
		Rasterizer:     rast,
		Stage1:         s1,
		Stage2:         s2,
		ModelVersion:   modelVersion,
		PromptVersion:  promptVersion,
		MaxVisionPages: constants.MaxVisionPages,
		Retry:          DefaultRetryPolicy(),
		Cache:          store,
		Logger:         logger,
	}
}

// Run executes the full pipeline for doc. OCR or stage-one failures fail
// the run; a stage-two failure degrades it instead, returning a text-only
// result with every candidate unselected and the failure in Warnings.
func (c *Coordinator) Run(ctx context.Context, doc *pdf.Document) (*Result, error) {
	res := &Result{
		RunID:     uuid.NewString(),
		DocName:   doc.Name,
		DocHash:   doc.Hash,
		PageCount: doc.PageCount,
		State:     constants.StateInit,
		StartedAt: time.Now().UTC(),
	}
	log := c.Logger.With("run_id", res.RunID, "doc", doc.Name)
	log.Info("pipeline.run.start", "doc_hash", doc.Hash, "pages", doc.PageCount)

	text, err := c.extractText(ctx, doc, res)
	if err != nil {
		log.Error("pipeline.run.failed", "state", res.State, "error", err)
		return nil, err
	}
	res.State = constants.StateTextExtracted

	candidates, err := c.extractCandidates(ctx, doc, text, res)
	if err != nil {
		log.Error("pipeline.run.failed", "state", res.State, "error", err)
		return nil, err
	}
	res.Candidates = candidates
	res.State = constants.StateStageOneDone

	if len(candidates) == 0 {
		res.Products = []FinalProduct{}
		res.State = constants.StateFinalized
		res.FinishedAt = time.Now().UTC()
		log.Info("pipeline.run.done", "state", res.State, "candidates", 0)
		return res, nil
	}

	evidence, err := c.judgeSelections(ctx, doc, candidates, res)
	if err != nil {
		// Candidates are still useful without the visual verdict.
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: visual judgment unavailable: %v", constants.StageTwo, err))
		res.Products = mergeProducts(candidates, nil)
		res.State = constants.StateDegraded
		res.FinishedAt = time.Now().UTC()
		log.Warn("pipeline.run.degraded", "candidates", len(candidates), "error", err)
		return res, nil
	}
	res.Evidence = evidence
	res.State = constants.StateStageTwoDone

	res.Products = mergeProducts(candidates, evidence)
	res.State = constants.StateFinalized
	res.FinishedAt = time.Now().UTC()

	selected := 0
	for _, p := range res.Products {
		if p.Selected {
			selected++
		}
	}
	log.Info("pipeline.run.done",
		"state", res.State,
		"candidates", len(candidates),
		"selected", selected,
		"warnings", len(res.Warnings),
		"elapsed_ms", time.Since(res.StartedAt).Milliseconds(),
	)
	return res, nil
}

func (c *Coordinator) extractText(ctx context.Context, doc *pdf.Document, res *Result) (string, error) {
	key := cache.KeySpec{
		DocHash:      doc.Hash,
		Stage:        string(constants.StageOCR),
		ModelVersion: c.OCR.Version(),
	}
	fill, err := c.Cache.GetOrFill(ctx, key, func(ctx context.Context, job *cache.Job) ([]byte, error) {
		// The job handle persists the check URL across attempts, so a retry
		// resumes the submitted job instead of submitting another.
		var raw []byte
		rerr := c.Retry.Do(ctx, c.Logger, "ocr.process", func(ctx context.Context) error {
			var perr error
			raw, perr = c.OCR.Process(ctx, doc.Name, doc.Bytes, job)
			return perr
		})
		return raw, rerr
	})
	if err != nil {
		return "", err
	}
	res.Warnings = append(res.Warnings, fill.Warnings...)

	parsed, err := ocr.ParseResult(fill.Entry.Payload)
	if err != nil {
		return "", err
	}
	return ocr.ExtractText(parsed), nil
}

func (c *Coordinator) extractCandidates(ctx context.Context, doc *pdf.Document, text string, res *Result) ([]Candidate, error) {
	key := cache.KeySpec{
		DocHash:          doc.Hash,
		Stage:            string(constants.StageOne),
		InputFingerprint: cache.Fingerprint(c.PromptVersion, text),
		ModelVersion:     c.ModelVersion,
	}
	fetch := func(ctx context.Context, _ *cache.Job) ([]byte, error) {
		raw, err := c.Stage1.Infer(ctx, doc.Name, text)
		if err != nil {
			return nil, err
		}
		return []byte(raw), nil
	}

	payload, warnings, err := c.fillChecked(ctx, key, fetch, func(payload []byte) error {
		_, _, perr := ParseCandidates(string(payload), c.Logger)
		return perr
	})
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return nil, err
	}

	candidates, parseWarnings, err := ParseCandidates(string(payload), c.Logger)
	res.Warnings = append(res.Warnings, parseWarnings...)
	return candidates, err
}

func (c *Coordinator) judgeSelections(ctx context.Context, doc *pdf.Document, candidates []Candidate, res *Result) ([]Evidence, error) {
	pages, warnings, err := c.preparePages(ctx, doc)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return nil, err
	}

	key := cache.KeySpec{
		DocHash: doc.Hash,
		Stage:   string(constants.StageTwo),
		InputFingerprint: cache.Fingerprint(
			c.PromptVersion,
			string(canonicalCandidatesJSON(candidates)),
			pdf.SplitterVersion,
			strconv.Itoa(c.MaxVisionPages),
		),
		ModelVersion: c.ModelVersion,
	}
	fetch := func(ctx context.Context, _ *cache.Job) ([]byte, error) {
		raw, err := c.Stage2.Infer(ctx, doc.Name, candidates, pages)
		if err != nil {
			return nil, err
		}
		return []byte(raw), nil
	}

	payload, fillWarnings, err := c.fillChecked(ctx, key, fetch, func(payload []byte) error {
		_, _, perr := ParseEvidence(string(payload), candidates, c.Logger)
		return perr
	})
	res.Warnings = append(res.Warnings, fillWarnings...)
	if err != nil {
		return nil, err
	}

	evidence, parseWarnings, err := ParseEvidence(string(payload), candidates, c.Logger)
	res.Warnings = append(res.Warnings, parseWarnings...)
	return evidence, err
}

// preparePages returns the first MaxVisionPages rendered pages, cached by
// document hash so repeated runs skip the split.
func (c *Coordinator) preparePages(ctx context.Context, doc *pdf.Document) ([]llm.PageBlock, []string, error) {
	key := cache.KeySpec{
		DocHash:          doc.Hash,
		Stage:            string(constants.StageRasterize),
		InputFingerprint: cache.Fingerprint(strconv.Itoa(c.MaxVisionPages)),
		ModelVersion:     pdf.SplitterVersion,
	}
	fill, err := c.Cache.GetOrFill(ctx, key, func(ctx context.Context, _ *cache.Job) ([]byte, error) {
		pages, err := c.Rasterizer.Pages(ctx, doc, c.MaxVisionPages)
		if err != nil {
			return nil, err
		}
		return json.Marshal(pages)
	})
	if err != nil {
		return nil, nil, err
	}

	var pages []pdf.Page
	if err := json.Unmarshal(fill.Entry.Payload, &pages); err != nil {
		return nil, fill.Warnings, fmt.Errorf("decode cached pages: %w", err)
	}
	blocks := make([]llm.PageBlock, 0, len(pages))
	for _, p := range pages {
		blocks = append(blocks, llm.PageBlock{PageNumber: p.Number, MediaType: p.MediaType, Data: p.Data})
	}
	return blocks, fill.Warnings, nil
}

// fillChecked is GetOrFill plus payload verification. A cached payload that
// no longer parses (e.g. written by an older repair strategy) is evicted and
// fetched once more instead of failing the run.
func (c *Coordinator) fillChecked(ctx context.Context, key cache.KeySpec, fetch cache.FetchFunc, check func([]byte) error) ([]byte, []string, error) {
	fill, err := c.Cache.GetOrFill(ctx, key, fetch)
	if err != nil {
		return nil, nil, err
	}
	warnings := fill.Warnings

	if cerr := check(fill.Entry.Payload); cerr != nil {
		if !fill.Hit {
			return nil, warnings, cerr
		}
		c.Logger.Warn("cache.stale_payload", "stage", key.Stage, "error", cerr)
		warnings = append(warnings, fmt.Sprintf("%s: discarded unreadable cached payload", key.Stage))
		if derr := c.Cache.Store().Delete(ctx, key.String()); derr != nil {
			c.Logger.Warn("cache.evict_failed", "stage", key.Stage, "error", derr)
		}
		fill, err = c.Cache.GetOrFill(ctx, key, fetch)
		if err != nil {
			return nil, warnings, err
		}
		warnings = append(warnings, fill.Warnings...)
		if cerr := check(fill.Entry.Payload); cerr != nil {
			return nil, warnings, cerr
		}
	}
	return fill.Entry.Payload, warnings, nil
}

// mergeProducts builds the terminal artifact: every candidate appears
// exactly once, selected only when evidence references it.
func mergeProducts(candidates []Candidate, evidence []Evidence) []FinalProduct {
	byID := make(map[int]*Evidence, len(evidence))
	for i := range evidence {
		byID[evidence[i].CandidateID] = &evidence[i]
	}
	out := make([]FinalProduct, 0, len(candidates))
	for _, c := range candidates {
		ev := byID[c.ID]
		out = append(out, FinalProduct{
			Name:       c.Name,
			Attributes: c.Attributes,
			Selected:   ev != nil,
			Evidence:   ev,
		})
	}
	return out
}
