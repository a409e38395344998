// Package jsonx recovers well-formed JSON payloads from free-form model
// text. Model output is not guaranteed to be pure JSON: it can be wrapped in
// prose or code fences, carry trailing commentary, or arrive truncated
// mid-structure.
package jsonx

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/paritoshk/LLM-document-judge/internal/common"
)

var (
	reFenceOpen  = regexp.MustCompile("(?m)^```(?:json|JSON)?\\s*\n?")
	reFenceClose = regexp.MustCompile("\n?```\\s*$")
	reXMLOpen    = regexp.MustCompile(`^\s*<[^>]+>\s*`)
	reXMLClose   = regexp.MustCompile(`\s*</[^>]+>\s*$`)
	reLineComm   = regexp.MustCompile(`(?m)//.*?$`)
	reBlockComm  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reTrailComma = regexp.MustCompile(`,(\s*[}\]])`)
	reCtrlChars  = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F]")
)

// Extract applies an ordered sequence of repair strategies to raw and
// returns the first parseable JSON value:
//
//  1. the text as-is
//  2. the text with surrounding narrative and code fences stripped
//  3. the outermost balanced JSON block, located by delimiter scan
//  4. the truncated block with the minimal closing sequence appended
//
// Exhausting all four is a malformed-output error, never an empty result.
func Extract(raw string) (json.RawMessage, error) {
	if v, ok := parse(raw); ok {
		return v, nil
	}

	stripped := cleanMinorIssues(stripWrappers(raw))
	if v, ok := parse(stripped); ok {
		return v, nil
	}

	block, closers, found := firstBlock(stripped)
	if found {
		if v, ok := parse(block); ok {
			return v, nil
		}
		if closers != "" {
			if v, ok := parse(block + closers); ok {
				return v, nil
			}
		}
	}

	return nil, common.Malformed("jsonx", "no parseable JSON block",
		fmt.Errorf("tried 4 strategies over %d bytes", len(raw)))
}

func parse(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	// Only structured roots count; a bare string or number in prose is noise.
	switch v.(type) {
	case map[string]any, []any:
		return json.RawMessage(s), true
	}
	return nil, false
}

// stripWrappers removes a BOM, ```json fences and trivial XML/HTML wrappers.
func stripWrappers(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "\uFEFF")
	if strings.HasPrefix(s, "```") {
		s = reFenceOpen.ReplaceAllString(s, "")
		s = reFenceClose.ReplaceAllString(s, "")
	}
	s = reXMLOpen.ReplaceAllString(s, "")
	s = reXMLClose.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// cleanMinorIssues fixes common near-JSON defects without ever raising:
// JS-style comments, trailing commas, smart quotes, NBSP, control chars.
func cleanMinorIssues(s string) string {
	if s == "" {
		return s
	}
	s = strings.TrimPrefix(s, "\uFEFF")
	s = reLineComm.ReplaceAllString(s, "")
	s = reBlockComm.ReplaceAllString(s, "")
	s = reTrailComma.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, " ", " ")
	s = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'").Replace(s)
	s = reCtrlChars.ReplaceAllString(s, "")
	return s
}

// firstBlock locates the first top-level JSON object or array in s and scans
// to end-of-input, tracking nesting while ignoring delimiters inside quoted
// strings (with escape handling). It returns the block, plus the minimal
// closing sequence needed when the input ends unbalanced (an unterminated
// string contributes a closing quote first).
func firstBlock(s string) (block string, closers string, found bool) {
	iObj := strings.IndexByte(s, '{')
	iArr := strings.IndexByte(s, '[')
	start := -1
	switch {
	case iObj == -1 && iArr == -1:
		return "", "", false
	case iObj == -1:
		start = iArr
	case iArr == -1:
		start = iObj
	default:
		start = min(iObj, iArr)
	}

	var stack []byte
	inStr := false
	esc := false
	end := len(s)
	for j := start; j < len(s); j++ {
		c := s[j]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				if (top == '{' && c == '}') || (top == '[' && c == ']') {
					stack = stack[:len(stack)-1]
				}
			}
			if len(stack) == 0 {
				end = j + 1
				return s[start:end], "", true
			}
		}
	}

	var b strings.Builder
	if inStr {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return s[start:end], b.String(), true
}
