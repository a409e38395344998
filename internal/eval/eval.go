// Package eval scores pipeline output against hand-labeled gold selections.
package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/paritoshk/LLM-document-judge/internal/pipeline"
)

// GoldSet maps a document file name to the product names a human marked as
// selected in it.
type GoldSet map[string][]string

// LoadGold reads a gold-label JSON file: an object mapping document names to
// arrays of selected product names.
func LoadGold(path string) (GoldSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gold labels: %w", err)
	}
	var gs GoldSet
	if err := json.Unmarshal(b, &gs); err != nil {
		return nil, fmt.Errorf("decode gold labels: %w", err)
	}
	return gs, nil
}

// DocScore is the per-document confusion tally. Matching is on normalized
// product names, selected products only: an unselected candidate never
// counts for or against.
type DocScore struct {
	Doc       string
	Degraded  bool
	Missing   []string // gold selections the pipeline missed
	Spurious  []string // pipeline selections not in gold
	TP        int
	FP        int
	FN        int
	Precision float64
	Recall    float64
	F1        float64
}

// Report aggregates document scores with micro-averaged totals.
type Report struct {
	Docs      []DocScore
	TP        int
	FP        int
	FN        int
	Precision float64
	Recall    float64
	F1        float64
	Skipped   []string // run failures and documents without gold labels
}

// Evaluate scores batch output against gold. Failed runs and documents
// absent from gold are skipped, not scored as zero.
func Evaluate(items []pipeline.BatchItem, gold GoldSet) *Report {
	rep := &Report{}
	for _, item := range items {
		name := filepath.Base(item.Path)
		if item.Err != nil {
			rep.Skipped = append(rep.Skipped, name+" (run failed)")
			continue
		}
		expected, ok := gold[name]
		if !ok {
			rep.Skipped = append(rep.Skipped, name+" (no gold labels)")
			continue
		}

		ds := scoreDoc(name, item.Result, expected)
		rep.Docs = append(rep.Docs, ds)
		rep.TP += ds.TP
		rep.FP += ds.FP
		rep.FN += ds.FN
	}
	rep.Precision, rep.Recall, rep.F1 = prf(rep.TP, rep.FP, rep.FN)
	return rep
}

func scoreDoc(name string, res *pipeline.Result, expected []string) DocScore {
	ds := DocScore{Doc: name, Degraded: res.Degraded()}

	want := make(map[string]string, len(expected)) // normalized -> original
	for _, e := range expected {
		want[normalizeName(e)] = e
	}
	got := make(map[string]struct{})
	for _, p := range res.Products {
		if !p.Selected {
			continue
		}
		n := normalizeName(p.Name)
		if _, dup := got[n]; dup {
			continue
		}
		got[n] = struct{}{}
		if _, ok := want[n]; ok {
			ds.TP++
		} else {
			ds.FP++
			ds.Spurious = append(ds.Spurious, p.Name)
		}
	}
	for n, orig := range want {
		if _, ok := got[n]; !ok {
			ds.FN++
			ds.Missing = append(ds.Missing, orig)
		}
	}
	sort.Strings(ds.Missing)
	sort.Strings(ds.Spurious)
	ds.Precision, ds.Recall, ds.F1 = prf(ds.TP, ds.FP, ds.FN)
	return ds
}

// prf computes precision, recall, and F1 with empty denominators scoring
// zero rather than NaN, so a document with no selections at all is total.
func prf(tp, fp, fn int) (p, r, f1 float64) {
	if tp+fp > 0 {
		p = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		r = float64(tp) / float64(tp+fn)
	}
	if p+r > 0 {
		f1 = 2 * p * r / (p + r)
	}
	return p, r, f1
}

// normalizeName canonicalizes a product name for matching: lowercase,
// straight quotes, collapsed whitespace. "5/8\" Gold Bond XP" and
// "5/8” gold bond xp" are the same product.
func normalizeName(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
