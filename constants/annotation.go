package constants

import "strings"

// AnnotationType classifies the visual selection mark found on a page.
type AnnotationType string

const (
	AnnotationHighlight AnnotationType = "highlight"
	AnnotationBox       AnnotationType = "box"
	AnnotationCircle    AnnotationType = "circle"
	AnnotationOther     AnnotationType = "other"
)

// AnnotationTypes holds the allowed values, in schema-enum order.
var AnnotationTypes = []AnnotationType{
	AnnotationHighlight,
	AnnotationBox,
	AnnotationCircle,
	AnnotationOther,
}

// NormalizeAnnotation maps a free-form model label onto the canonical set.
// Unrecognized labels collapse to AnnotationOther; callers decide whether
// that deserves a warning.
func NormalizeAnnotation(s string) (AnnotationType, bool) {
	t := AnnotationType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AnnotationTypes {
		if t == known {
			return known, true
		}
	}
	return AnnotationOther, false
}
