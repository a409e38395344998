package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/paritoshk/LLM-document-judge/constants"
	"github.com/paritoshk/LLM-document-judge/internal/llm"
)

type fakeVision struct {
	response string
	err      error
	calls    int
	lastReq  llm.VisionRequest
}

func (f *fakeVision) InferVision(_ context.Context, req llm.VisionRequest) (string, error) {
	f.lastReq = req
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func testCandidates() []Candidate {
	return []Candidate{
		{ID: 1, Name: "Gold Bond XP 1/2\""},
		{ID: 2, Name: "Gold Bond XP 5/8\""},
		{ID: 3, Name: "ProRoc Type X"},
	}
}

func TestParseEvidenceDropsUnknownIDs(t *testing.T) {
	raw := `{"selections": [
		{"candidate_id": 2, "annotation_type": "highlight", "page_number": 3, "confidence": 0.9},
		{"candidate_id": 99, "annotation_type": "circle", "page_number": 1, "confidence": 0.8}
	]}`
	ev, warnings, err := ParseEvidence(raw, testCandidates(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev) != 1 || ev[0].CandidateID != 2 {
		t.Fatalf("unexpected evidence: %+v", ev)
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "unknown candidate") && strings.Contains(w, "99") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected referential warning, got %v", warnings)
	}
}

func TestParseEvidenceHighestConfidenceWins(t *testing.T) {
	raw := `{"selections": [
		{"candidate_id": 1, "annotation_type": "highlight", "page_number": 2, "confidence": 0.6},
		{"candidate_id": 1, "annotation_type": "circle", "page_number": 5, "confidence": 0.95}
	]}`
	ev, _, err := ParseEvidence(raw, testCandidates(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev) != 1 {
		t.Fatalf("duplicate selections not collapsed: %+v", ev)
	}
	if ev[0].Confidence != 0.95 || ev[0].PageNumber != 5 {
		t.Fatalf("lower-confidence selection kept: %+v", ev[0])
	}
}

func TestParseEvidenceTieKeepsFirst(t *testing.T) {
	raw := `{"selections": [
		{"candidate_id": 1, "annotation_type": "highlight", "page_number": 2, "confidence": 0.8},
		{"candidate_id": 1, "annotation_type": "circle", "page_number": 7, "confidence": 0.8}
	]}`
	ev, _, err := ParseEvidence(raw, testCandidates(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev) != 1 || ev[0].PageNumber != 2 || ev[0].AnnotationType != constants.AnnotationHighlight {
		t.Fatalf("tie did not keep first occurrence: %+v", ev[0])
	}
}

func TestParseEvidenceCoercions(t *testing.T) {
	raw := `{"selections": [
		{"candidate_id": "3", "annotation_type": "scribbled arrow", "page_number": 4, "confidence": 1.7}
	]}`
	ev, warnings, err := ParseEvidence(raw, testCandidates(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev) != 1 || ev[0].CandidateID != 3 {
		t.Fatalf("string id not coerced: %+v", ev)
	}
	if ev[0].AnnotationType != constants.AnnotationOther {
		t.Fatalf("unrecognized mark not collapsed to other: %v", ev[0].AnnotationType)
	}
	if ev[0].Confidence != 1 {
		t.Fatalf("confidence not clamped: %v", ev[0].Confidence)
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "scribbled arrow") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected annotation warning, got %v", warnings)
	}
}

func TestParseEvidenceLegacyShape(t *testing.T) {
	ev, warnings, err := ParseEvidence(`{"selected_ids": [1, 3]}`, testCandidates(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev) != 2 {
		t.Fatalf("legacy ids not honored: %+v", ev)
	}
	if ev[0].AnnotationType != constants.AnnotationOther {
		t.Fatalf("legacy selection should default to other: %v", ev[0].AnnotationType)
	}
	if len(warnings) == 0 {
		t.Fatal("legacy shape should warn")
	}
}

func TestStageTwoSkipsWithoutCandidates(t *testing.T) {
	inf := &fakeVision{response: `{"selections": []}`}
	s2 := NewStageTwo(inf, fastRetry(2), 0, nil)
	ev, warnings, err := s2.Run(context.Background(), "doc.pdf", nil, nil)
	if err != nil || ev != nil || warnings != nil {
		t.Fatalf("empty input should short-circuit: %v %v %v", ev, warnings, err)
	}
	if inf.calls != 0 {
		t.Fatalf("model called with zero candidates")
	}
}

func TestStageTwoPromptCarriesCandidatesAndPages(t *testing.T) {
	inf := &fakeVision{response: `{"selections": [{"candidate_id": 1, "annotation_type": "highlight", "page_number": 1, "confidence": 0.9}]}`}
	s2 := NewStageTwo(inf, fastRetry(2), 256, nil)
	pages := []llm.PageBlock{{PageNumber: 1, MediaType: "application/pdf", Data: []byte("%PDF-1.4")}}

	ev, _, err := s2.Run(context.Background(), "doc.pdf", testCandidates(), pages)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev) != 1 || ev[0].AnnotationType != constants.AnnotationHighlight {
		t.Fatalf("unexpected evidence: %+v", ev)
	}
	if !strings.Contains(inf.lastReq.Prompt, "Gold Bond XP 1/2") {
		t.Fatal("candidate list missing from prompt")
	}
	if len(inf.lastReq.Pages) != 1 {
		t.Fatal("pages not attached to request")
	}
	if inf.lastReq.MaxTokens != 256 {
		t.Fatalf("configured budget not forwarded: %d", inf.lastReq.MaxTokens)
	}
}
