package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/paritoshk/LLM-document-judge/constants"
	"github.com/paritoshk/LLM-document-judge/internal/common"
	"github.com/paritoshk/LLM-document-judge/internal/jsonx"
	"github.com/paritoshk/LLM-document-judge/internal/llm"
)

const stageOneSystemPrompt = "You are an information-extraction engine. " +
	"Return the result as a single JSON object. No prose. " +
	"If a field is unknown, use null (or [] for arrays). Do not invent data."

const stageOneInstructions = `You are extracting products from a construction submittal.
Extract ALL product variants mentioned in this document.

Include:
 - Every variant in tables (all thicknesses, all model numbers)
 - Every type/series mentioned (e.g., 812, 813, 814, 815, 817)
 - All options and configurations

Domain examples:
 - Gypsum: ALL thicknesses (1/4", 1/2", 5/8"), ALL types (XP, Fire-Shield, etc)
 - Screws: ALL models in the catalog
 - Insulation: ALL type numbers in the series

Extract everything - we'll filter later.
Output as JSON matching this schema:
%s

=== DOCUMENT (%s) ===
%s
=== END DOCUMENT ===`

// CandidateListSchema constrains stage-one output: an object with a
// "products" array of named variants.
func CandidateListSchema() map[string]any {
	attribute := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string", "minLength": 1},
			"value": map[string]any{"type": "string"},
		},
		"required": []string{"name", "value"},
	}
	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":            map[string]any{"type": "string", "minLength": 1},
			"attributes":      map[string]any{"type": "array", "items": attribute},
			"source_evidence": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"name"},
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"products": map[string]any{"type": "array", "items": item},
		},
		"required": []string{"products"},
	}
}

// StageOne performs high-recall candidate extraction from document text.
// Precision is deferred to stage two: the prompt asks for every plausible
// variant, and an empty result is valid.
type StageOne struct {
	Inferencer llm.TextInferencer
	Retry      RetryPolicy
	MaxTokens  int
	Logger     *slog.Logger
}

func NewStageOne(inf llm.TextInferencer, retry RetryPolicy, maxTokens int, logger *slog.Logger) *StageOne {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = constants.DefaultMaxTokens
	}
	return &StageOne{Inferencer: inf, Retry: retry, MaxTokens: maxTokens, Logger: logger}
}

// Infer runs the high-recall extraction prompt and returns the raw model
// output, suitable for caching verbatim. Only the upstream call is retried;
// malformed output is a parse concern, not a retry concern.
func (s *StageOne) Infer(ctx context.Context, docName, text string) (string, error) {
	start := time.Now()
	s.Logger.Info("stage1.extract.start", "doc", docName, "text_len", len(text))

	schemaJSON, _ := json.Marshal(CandidateListSchema())
	req := llm.TextRequest{
		System: stageOneSystemPrompt,
		Prompts: []string{
			"Return ONLY JSON. Start with '{' and end with '}'.",
			fmt.Sprintf(stageOneInstructions, schemaJSON, docName, text),
		},
		MaxTokens: s.MaxTokens,
	}

	var rawText string
	err := s.Retry.Do(ctx, s.Logger, "stage1.infer", func(ctx context.Context) error {
		var ierr error
		rawText, ierr = s.Inferencer.Infer(ctx, req)
		return ierr
	})
	if err != nil {
		s.Logger.Error("stage1.extract.upstream_failed", "doc", docName, "error", err)
		return "", err
	}
	s.Logger.Info("stage1.extract.ok", "doc", docName, "raw_len", len(rawText), "elapsed_ms", time.Since(start).Milliseconds())
	return rawText, nil
}

// Run extracts the candidate list from text in one call.
func (s *StageOne) Run(ctx context.Context, docName, text string) ([]Candidate, []string, error) {
	rawText, err := s.Infer(ctx, docName, text)
	if err != nil {
		return nil, nil, err
	}
	return ParseCandidates(rawText, s.Logger)
}

// ParseCandidates repairs, validates, and normalizes raw stage-one output.
// Returned candidates carry stable within-run ids in first-seen order, with
// (name, attributes) duplicates collapsed into the first occurrence
// (evidence spans merged). Deterministic, so cached raw output can be
// re-interpreted without another model call.
func ParseCandidates(rawText string, logger *slog.Logger) ([]Candidate, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	payload, err := jsonx.Extract(rawText)
	if err != nil {
		return nil, nil, common.Malformed(string(constants.StageOne), "candidate extraction", err)
	}

	items, warnings := normalizeCandidateItems(payload, logger)
	normalized, _ := json.Marshal(map[string]any{"products": items})
	if err := jsonx.ValidateAgainstSchema(CandidateListSchema(), normalized); err != nil {
		return nil, nil, common.Malformed(string(constants.StageOne), "candidate schema validation", err)
	}

	candidates, dedupWarnings := assignAndDedupe(items)
	warnings = append(warnings, dedupWarnings...)

	if len(candidates) == 0 {
		// Valid but notable: the document may genuinely list no products.
		warnings = append(warnings, string(constants.StageOne)+": zero candidates extracted")
	}
	return candidates, warnings, nil
}

// candidateItem is the normalized pre-id shape.
type candidateItem struct {
	Name           string      `json:"name"`
	Attributes     []Attribute `json:"attributes,omitempty"`
	SourceEvidence []string    `json:"source_evidence,omitempty"`
}

// Alternate keys the model may use instead of the canonical ones; attribute
// promotion order keeps fingerprints deterministic.
var (
	nameKeys      = []string{"name", "product_name", "title", "product"}
	attributeKeys = []string{"variant_identifier", "variant", "series", "series_type", "type", "model", "product_family", "family", "manufacturer", "brand", "thickness", "size"}
	evidenceKeys  = []string{"source_evidence", "evidence", "source", "text_span", "page_reference"}
	containerKeys = []string{"products", "items", "candidates"}
)

// normalizeCandidateItems converts free-form extracted JSON into the
// canonical item shape, tolerating alternate key names and container
// layouts. Items with no derivable name are dropped with a warning.
func normalizeCandidateItems(payload json.RawMessage, logger *slog.Logger) ([]candidateItem, []string) {
	var warnings []string

	rawItems := containerItems(payload)
	out := make([]candidateItem, 0, len(rawItems))
	for i, raw := range rawItems {
		m, ok := raw.(map[string]any)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s: item %d is not an object, dropped", constants.StageOne, i))
			continue
		}

		item := candidateItem{}
		for _, k := range nameKeys {
			if v, ok := stringValue(m[k]); ok {
				item.Name = v
				break
			}
		}
		if item.Name == "" {
			warnings = append(warnings, fmt.Sprintf("%s: item %d has no name, dropped", constants.StageOne, i))
			continue
		}

		if attrs, ok := m["attributes"]; ok {
			item.Attributes = append(item.Attributes, coerceAttributes(attrs)...)
		}
		for _, k := range attributeKeys {
			if v, ok := stringValue(m[k]); ok {
				item.Attributes = append(item.Attributes, Attribute{Name: k, Value: v})
			}
		}

		for _, k := range evidenceKeys {
			switch v := m[k].(type) {
			case string:
				if strings.TrimSpace(v) != "" {
					item.SourceEvidence = append(item.SourceEvidence, v)
				}
			case []any:
				for _, e := range v {
					if s, ok := stringValue(e); ok {
						item.SourceEvidence = append(item.SourceEvidence, s)
					}
				}
			}
		}

		out = append(out, item)
	}

	if logger != nil && len(warnings) > 0 {
		logger.Warn("stage1.normalize", "dropped_or_fixed", len(warnings))
	}
	return out, warnings
}

// containerItems finds the candidate array: a top-level array, or the first
// known container key on a top-level object.
func containerItems(payload json.RawMessage) []any {
	var root any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil
	}
	switch v := root.(type) {
	case []any:
		return v
	case map[string]any:
		for _, k := range containerKeys {
			if arr, ok := v[k].([]any); ok {
				return arr
			}
		}
	}
	return nil
}

// coerceAttributes accepts either the canonical [{name,value}] array or a
// plain object mapping. Object keys are sorted for determinism.
func coerceAttributes(v any) []Attribute {
	switch t := v.(type) {
	case []any:
		var out []Attribute
		for _, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			name, nok := stringValue(m["name"])
			value, vok := stringValue(m["value"])
			if nok && vok {
				out = append(out, Attribute{Name: name, Value: value})
			}
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []Attribute
		for _, k := range keys {
			if val, ok := stringValue(t[k]); ok {
				out = append(out, Attribute{Name: k, Value: val})
			}
		}
		return out
	}
	return nil
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), "."), true
	}
	return "", false
}

// assignAndDedupe gives candidates stable 1-based ids in first-seen order
// and collapses (name, attributes) duplicates, merging evidence spans onto
// the first occurrence.
func assignAndDedupe(items []candidateItem) ([]Candidate, []string) {
	var warnings []string
	seen := make(map[string]int) // fingerprint -> index into out
	out := make([]Candidate, 0, len(items))

	for _, item := range items {
		c := Candidate{
			Name:           item.Name,
			Attributes:     item.Attributes,
			SourceEvidence: item.SourceEvidence,
		}
		fp := c.fingerprint()
		if idx, dup := seen[fp]; dup {
			out[idx].SourceEvidence = mergeEvidence(out[idx].SourceEvidence, item.SourceEvidence)
			warnings = append(warnings, fmt.Sprintf("%s: duplicate candidate %q merged", constants.StageOne, item.Name))
			continue
		}
		c.ID = len(out) + 1
		seen[fp] = len(out)
		out = append(out, c)
	}
	return out, warnings
}

func mergeEvidence(dst, src []string) []string {
	have := make(map[string]struct{}, len(dst))
	for _, e := range dst {
		have[e] = struct{}{}
	}
	for _, e := range src {
		if _, ok := have[e]; !ok {
			dst = append(dst, e)
			have[e] = struct{}{}
		}
	}
	return dst
}
