package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paritoshk/LLM-document-judge/internal/llm"
)

const apiVersion = "2023-06-01"

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *blockSource `json:"source,omitempty"`
}

type blockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Infer implements llm.TextInferencer via the messages endpoint.
func (c *Client) Infer(ctx context.Context, req llm.TextRequest) (string, error) {
	msgs := make([]message, 0, len(req.Prompts))
	for _, p := range req.Prompts {
		msgs = append(msgs, message{Role: "user", Content: p})
	}
	return c.send(ctx, req.System, msgs, req.MaxTokens)
}

// InferVision implements llm.VisionInferencer: the prompt text followed by
// the rendered pages, in order, as one user turn.
func (c *Client) InferVision(ctx context.Context, req llm.VisionRequest) (string, error) {
	blocks := []contentBlock{{Type: "text", Text: req.Prompt}}
	for _, page := range req.Pages {
		blockType := "image"
		if strings.HasPrefix(page.MediaType, "application/pdf") {
			blockType = "document"
		}
		blocks = append(blocks, contentBlock{
			Type: blockType,
			Source: &blockSource{
				Type:      "base64",
				MediaType: page.MediaType,
				Data:      base64.StdEncoding.EncodeToString(page.Data),
			},
		})
	}
	return c.send(ctx, req.System, []message{{Role: "user", Content: blocks}}, req.MaxTokens)
}

func (c *Client) send(ctx context.Context, system string, msgs []message, maxTokens int) (string, error) {
	rid := uuid.New().String()
	start := time.Now()
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body := map[string]any{
		"model":       c.cfg.Model,
		"max_tokens":  maxTokens,
		"temperature": c.cfg.Temperature,
		"messages":    msgs,
	}
	if system != "" {
		body["system"] = system
	}

	c.logger.Info("anthropic.infer.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"turns", len(msgs),
		"max_tokens", maxTokens,
	)

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/messages"
	raw, status, err := llm.SendJSON(ctx, c.http, endpoint, body, map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": apiVersion,
	}, c.logger)
	if err != nil {
		c.logger.Error("anthropic.infer.http_error",
			"req_id", rid, "status", status, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", err
	}

	var mr messagesResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		c.logger.Error("anthropic.infer.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", fmt.Errorf("decode anthropic response: %w", err)
	}

	var sb strings.Builder
	textParts := 0
	for _, block := range mr.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
			textParts++
		}
	}
	if textParts > 1 {
		c.logger.Warn("anthropic.infer.multiple_text_blocks", "req_id", rid, "parts", textParts)
	}

	c.logger.Info("anthropic.infer.ok",
		"req_id", rid,
		"stop_reason", mr.StopReason,
		"text_len", sb.Len(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return sb.String(), nil
}
