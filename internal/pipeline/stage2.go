package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/paritoshk/LLM-document-judge/constants"
	"github.com/paritoshk/LLM-document-judge/internal/common"
	"github.com/paritoshk/LLM-document-judge/internal/jsonx"
	"github.com/paritoshk/LLM-document-judge/internal/llm"
)

const stageTwoSystemPrompt = "You are a visual document analyst. You examine page images for " +
	"handwritten or digital selection marks: highlights, circles, boxes, checkmarks, arrows. " +
	"Return the result as a single JSON object. No prose."

const stageTwoInstructions = `Here is a list of product candidates extracted from a construction submittal,
followed by images of the document pages.

CANDIDATES:
%s

Look at the pages and decide which candidates are VISUALLY SELECTED:
highlighted, circled, boxed, checked, or otherwise marked for approval.
Unmarked rows in a table are NOT selected even if legible.

For each selection you find, report the candidate id, the kind of mark
(highlight, box, circle, or other), the 1-based page number where you see it,
and your confidence between 0 and 1.

Output as JSON matching this schema:
%s`

// EvidenceListSchema constrains stage-two output: an object with a
// "selections" array of per-candidate marks.
func EvidenceListSchema() map[string]any {
	selection := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"candidate_id":    map[string]any{"type": []string{"integer", "string"}},
			"annotation_type": map[string]any{"type": "string"},
			"page_number":     map[string]any{"type": "integer", "minimum": 1},
			"confidence":      map[string]any{"type": "number"},
		},
		"required": []string{"candidate_id"},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selections": map[string]any{"type": "array", "items": selection},
		},
		"required": []string{"selections"},
	}
}

// StageTwo judges which candidates are visually selected on the rendered
// pages. It never invents candidates: evidence must reference a stage-one id
// or it is dropped with a warning.
type StageTwo struct {
	Inferencer llm.VisionInferencer
	Retry      RetryPolicy
	MaxTokens  int
	Logger     *slog.Logger
}

func NewStageTwo(inf llm.VisionInferencer, retry RetryPolicy, maxTokens int, logger *slog.Logger) *StageTwo {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = constants.DefaultMaxTokens
	}
	return &StageTwo{Inferencer: inf, Retry: retry, MaxTokens: maxTokens, Logger: logger}
}

// Infer runs the visual judgment prompt and returns the raw model output,
// suitable for caching verbatim. Callers must not invoke it with zero
// candidates; Run short-circuits that case.
func (s *StageTwo) Infer(ctx context.Context, docName string, candidates []Candidate, pages []llm.PageBlock) (string, error) {
	start := time.Now()
	s.Logger.Info("stage2.judge.start", "doc", docName, "candidates", len(candidates), "pages", len(pages))

	schemaJSON, _ := json.Marshal(EvidenceListSchema())
	req := llm.VisionRequest{
		System:    stageTwoSystemPrompt,
		Prompt:    fmt.Sprintf(stageTwoInstructions, canonicalCandidatesJSON(candidates), schemaJSON),
		Pages:     pages,
		MaxTokens: s.MaxTokens,
	}

	var rawText string
	err := s.Retry.Do(ctx, s.Logger, "stage2.infer", func(ctx context.Context) error {
		var ierr error
		rawText, ierr = s.Inferencer.InferVision(ctx, req)
		return ierr
	})
	if err != nil {
		s.Logger.Error("stage2.judge.upstream_failed", "doc", docName, "error", err)
		return "", err
	}
	s.Logger.Info("stage2.judge.ok", "doc", docName, "raw_len", len(rawText), "elapsed_ms", time.Since(start).Milliseconds())
	return rawText, nil
}

// Run returns at most one Evidence per candidate (highest confidence wins,
// first occurrence on ties). With zero candidates the model is not called.
func (s *StageTwo) Run(ctx context.Context, docName string, candidates []Candidate, pages []llm.PageBlock) ([]Evidence, []string, error) {
	if len(candidates) == 0 {
		s.Logger.Info("stage2.judge.skip", "doc", docName, "reason", "no candidates")
		return nil, nil, nil
	}
	rawText, err := s.Infer(ctx, docName, candidates, pages)
	if err != nil {
		return nil, nil, err
	}
	return ParseEvidence(rawText, candidates, s.Logger)
}

// ParseEvidence repairs, validates, and normalizes raw stage-two output
// against the known candidate set. Exported so cached payloads can be
// re-interpreted without another model call.
func ParseEvidence(rawText string, candidates []Candidate, logger *slog.Logger) ([]Evidence, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	payload, err := jsonx.Extract(rawText)
	if err != nil {
		return nil, nil, common.Malformed(string(constants.StageTwo), "selection judgment", err)
	}

	raw, warnings := normalizeSelections(payload)
	normalized, _ := json.Marshal(map[string]any{"selections": raw})
	if err := jsonx.ValidateAgainstSchema(EvidenceListSchema(), normalized); err != nil {
		return nil, nil, common.Malformed(string(constants.StageTwo), "selection schema validation", err)
	}

	known := make(map[int]struct{}, len(candidates))
	for _, c := range candidates {
		known[c.ID] = struct{}{}
	}

	// Highest confidence wins per candidate; first occurrence wins ties.
	best := make(map[int]int) // candidate id -> index into out
	var out []Evidence
	for _, sel := range raw {
		id, ok := coerceID(sel["candidate_id"])
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s: selection with unparseable candidate_id %v dropped", constants.StageTwo, sel["candidate_id"]))
			continue
		}
		if _, ok := known[id]; !ok {
			warnings = append(warnings, fmt.Sprintf("%s: %v: id %d dropped", constants.StageTwo, common.ErrReferential, id))
			continue
		}

		rawType, _ := sel["annotation_type"].(string)
		annType, recognized := constants.NormalizeAnnotation(rawType)
		if !recognized && rawType != "" {
			warnings = append(warnings, fmt.Sprintf("%s: unrecognized annotation type %q for candidate %d, recorded as other", constants.StageTwo, rawType, id))
		}

		ev := Evidence{
			CandidateID:    id,
			AnnotationType: annType,
			PageNumber:     intValue(sel["page_number"]),
			Confidence:     clampConfidence(sel["confidence"]),
		}

		if idx, dup := best[id]; dup {
			if ev.Confidence > out[idx].Confidence {
				out[idx] = ev
			}
			continue
		}
		best[id] = len(out)
		out = append(out, ev)
	}
	return out, warnings, nil
}

// normalizeSelections finds the selections array, tolerating a legacy shape
// where the model returns bare ids under "selected_ids".
func normalizeSelections(payload json.RawMessage) ([]map[string]any, []string) {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, nil
	}

	var warnings []string
	arr, ok := root["selections"].([]any)
	if !ok {
		if ids, lok := root["selected_ids"].([]any); lok {
			warnings = append(warnings, string(constants.StageTwo)+": legacy selected_ids shape, no per-selection detail")
			out := make([]map[string]any, 0, len(ids))
			for _, id := range ids {
				out = append(out, map[string]any{"candidate_id": id})
			}
			return out, warnings
		}
		return nil, warnings
	}

	out := make([]map[string]any, 0, len(arr))
	for i, e := range arr {
		m, mok := e.(map[string]any)
		if !mok {
			warnings = append(warnings, fmt.Sprintf("%s: selection %d is not an object, dropped", constants.StageTwo, i))
			continue
		}
		out = append(out, m)
	}
	return out, warnings
}

func coerceID(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func intValue(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

func clampConfidence(v any) float64 {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
