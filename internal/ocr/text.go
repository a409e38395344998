package ocr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var reTag = regexp.MustCompile(`<[^<]+?>`)

// ParseResult decodes a cached raw marker result.
func ParseResult(raw []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode marker result: %w", err)
	}
	return &res, nil
}

// ExtractText flattens the marker layout tree into plain text: each page's
// leaf blocks have their HTML tags stripped, non-empty fragments joined with
// newlines. A nil layout yields the empty string.
func ExtractText(res *Result) string {
	if res == nil || res.Layout == nil {
		return ""
	}
	var sb strings.Builder
	for _, page := range res.Layout.Children {
		appendBlockText(&sb, page)
	}
	return sb.String()
}

func appendBlockText(sb *strings.Builder, b Block) {
	if b.HTML != "" {
		text := strings.TrimSpace(reTag.ReplaceAllString(b.HTML, ""))
		if text != "" {
			sb.WriteString(text)
			sb.WriteByte('\n')
		}
	}
	for _, child := range b.Children {
		appendBlockText(sb, child)
	}
}
