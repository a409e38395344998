// Package pipeline sequences the submittal extraction stages: layout text,
// high-recall candidate enumeration, visual selection judgment, and the
// merged final result.
package pipeline

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/paritoshk/LLM-document-judge/constants"
)

// Attribute is one distinguishing property of a product variant (thickness,
// series, manufacturer, ...). Order is as produced by stage one.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Candidate is a product variant mentioned in the document, not yet known to
// be selected. IDs are stable within a run, assigned in first-seen order.
type Candidate struct {
	ID             int         `json:"id"`
	Name           string      `json:"name"`
	Attributes     []Attribute `json:"attributes,omitempty"`
	SourceEvidence []string    `json:"source_evidence,omitempty"`
}

// fingerprint canonicalizes (name, attributes) for deduplication. Attribute
// names are sorted so permuted duplicates still collapse; values are
// compared case-sensitively since "XP" and "xp" can be distinct variants.
func (c Candidate) fingerprint() string {
	attrs := make([]string, 0, len(c.Attributes))
	for _, a := range c.Attributes {
		attrs = append(attrs, a.Name+"="+a.Value)
	}
	sort.Strings(attrs)
	return strings.TrimSpace(c.Name) + "\x1f" + strings.Join(attrs, "\x1e")
}

// Evidence links a visual selection mark to a candidate.
type Evidence struct {
	CandidateID    int                      `json:"candidate_id"`
	AnnotationType constants.AnnotationType `json:"annotation_type"`
	PageNumber     int                      `json:"page_number"`
	Confidence     float64                  `json:"confidence"`
}

// FinalProduct is the terminal, externally visible artifact: a candidate
// merged with zero-or-one piece of selection evidence.
type FinalProduct struct {
	Name       string      `json:"name"`
	Attributes []Attribute `json:"attributes,omitempty"`
	Selected   bool        `json:"selected"`
	Evidence   *Evidence   `json:"evidence,omitempty"`
}

// Result is the outcome of one document run.
type Result struct {
	RunID      string                `json:"run_id"`
	DocName    string                `json:"doc_name"`
	DocHash    string                `json:"doc_hash"`
	PageCount  int                   `json:"page_count"`
	State      constants.RunState    `json:"state"`
	Candidates []Candidate           `json:"candidates"`
	Evidence   []Evidence            `json:"evidence,omitempty"`
	Products   []FinalProduct        `json:"products"`
	Warnings   []string              `json:"warnings,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// Degraded reports whether the run completed without the visual stage.
func (r *Result) Degraded() bool { return r.State == constants.StateDegraded }

// canonicalCandidatesJSON is the deterministic serialization used both for
// the stage-two cache fingerprint and the stage-two prompt.
func canonicalCandidatesJSON(cands []Candidate) []byte {
	b, _ := json.Marshal(struct {
		Products []Candidate `json:"products"`
	}{Products: cands})
	return b
}
