package llm

import "context"

// TextRequest is a text-only inference call (stage one).
type TextRequest struct {
	System    string
	Prompts   []string // each becomes its own user turn, in order
	MaxTokens int
}

// PageBlock is one rendered document page attached to a vision request,
// ordered by 1-based page number.
type PageBlock struct {
	PageNumber int
	MediaType  string // e.g. "application/pdf", "image/png"
	Data       []byte
}

// VisionRequest is a multimodal inference call (stage two): prompt text plus
// ordered page blocks.
type VisionRequest struct {
	System    string
	Prompt    string
	Pages     []PageBlock
	MaxTokens int
}

// TextInferencer is the stage-one collaborator: prompt in, free-form text
// out. Errors are classified transient vs fatal via the common sentinels.
type TextInferencer interface {
	Infer(ctx context.Context, req TextRequest) (string, error)
}

// VisionInferencer is the stage-two collaborator.
type VisionInferencer interface {
	InferVision(ctx context.Context, req VisionRequest) (string, error)
}

// Versioned exposes the model identifier for cache key construction. A
// changed model must invalidate cached stage results.
type Versioned interface {
	ModelVersion() string
}
