// Package ocr wraps the Datalab marker API: high-quality PDF layout
// extraction as a long-running remote job. Submission returns a check URL
// that is polled to completion; the check URL doubles as the resumable job
// reference persisted in the cache store.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/paritoshk/LLM-document-judge/constants"
	"github.com/paritoshk/LLM-document-judge/internal/common"
)

// ProcessorVersion participates in OCR cache keys: bumping it after a marker
// config change invalidates cached layout results.
const ProcessorVersion = "marker-v1"

type Config struct {
	APIKey       string
	BaseURL      string // default https://www.datalab.to/api/v1
	PollInterval time.Duration
	MaxPolls     int
	Timeout      time.Duration // per-request http timeout
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.datalab.to/api/v1"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultPollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = constants.DefaultMaxPolls
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: logger}
}

// Version participates in OCR cache keys.
func (c *Client) Version() string { return ProcessorVersion }

// Result is the completed marker response. Layout is the page/block tree.
type Result struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Layout *Block `json:"json,omitempty"`
}

// Block is one node of the layout tree; leaf blocks carry HTML fragments.
type Block struct {
	BlockType string  `json:"block_type,omitempty"`
	HTML      string  `json:"html,omitempty"`
	Children  []Block `json:"children,omitempty"`
}

type submitResponse struct {
	RequestCheckURL string `json:"request_check_url"`
	Error           string `json:"error,omitempty"`
}

// markerOptions mirror the submission parameters the extraction quality was
// tuned against. Changing them warrants a ProcessorVersion bump.
var markerOptions = map[string]string{
	"use_llm":                  "true",
	"force_ocr":                "true",
	"output_format":            "json",
	"paginate":                 "true",
	"strip_existing_ocr":       "false",
	"disable_image_extraction": "false",
}

// JobHandle tracks the resumable remote job reference across process
// restarts. Implemented by cache.Job; a nil handle disables resumption.
type JobHandle interface {
	Reference() string
	SaveReference(ctx context.Context, ref string)
	DropReference(ctx context.Context, reason string)
}

// Process obtains the completed layout for pdf, resuming from the handle's
// persisted check URL when one exists. A freshly submitted job's check URL
// is saved before polling begins, so a restart can resume instead of
// resubmitting. A resume that fails with a non-retriable error discards the
// reference and falls through to a fresh submission; it is never an error
// to the caller.
func (c *Client) Process(ctx context.Context, name string, pdf []byte, job JobHandle) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, common.Fatal(string(constants.StageOCR), "DATALAB_API_KEY not configured", nil)
	}

	if job != nil {
		if ref := job.Reference(); ref != "" {
			c.log.Info("ocr.resume", "doc", name, "check_url", ref)
			raw, err := c.poll(ctx, ref)
			if err == nil {
				return raw, nil
			}
			if common.IsRetriable(err) || ctx.Err() != nil {
				return nil, err
			}
			job.DropReference(ctx, err.Error())
		}
	}

	checkURL, err := c.submit(ctx, name, pdf)
	if err != nil {
		return nil, err
	}
	if job != nil {
		job.SaveReference(ctx, checkURL)
	}
	return c.poll(ctx, checkURL)
}

func (c *Client) submit(ctx context.Context, name string, pdf []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := fw.Write(pdf); err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	for k, v := range markerOptions {
		if err := w.WriteField(k, v); err != nil {
			return "", fmt.Errorf("build multipart: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/marker"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	c.log.Info("ocr.submit", "doc", name, "bytes", len(pdf))
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", common.Transient(string(constants.StageOCR), "submit failed", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if kind := common.ClassifyHTTPStatus(resp.StatusCode); kind != nil {
		return "", common.NewStageError(string(constants.StageOCR), kind,
			fmt.Sprintf("submit returned %d", resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	}

	var sr submitResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return "", common.Fatal(string(constants.StageOCR), "decode submit response", err)
	}
	if sr.RequestCheckURL == "" {
		return "", common.Fatal(string(constants.StageOCR), "submit response missing check URL", nil)
	}
	c.log.Info("ocr.submitted", "doc", name, "check_url", sr.RequestCheckURL)
	return sr.RequestCheckURL, nil
}

// poll fetches checkURL until the job completes, fails, or the poll budget
// is exhausted. The returned bytes are the raw marker result JSON, suitable
// for caching verbatim.
func (c *Client) poll(ctx context.Context, checkURL string) ([]byte, error) {
	for attempt := 0; attempt < c.cfg.MaxPolls; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.PollInterval):
			case <-ctx.Done():
				// Local waiting stops; the remote job keeps running and the
				// persisted check URL lets a later run recover it.
				return nil, ctx.Err()
			}
		}

		raw, status, err := c.fetch(ctx, checkURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("ocr.poll_error", "check_url", checkURL, "attempt", attempt, "error", err)
			continue
		}
		if kind := common.ClassifyHTTPStatus(status); kind != nil {
			if kind == common.ErrUpstreamTransient {
				c.log.Warn("ocr.poll_status", "check_url", checkURL, "status", status)
				continue
			}
			// 4xx on the check URL means the reference is expired/unknown.
			return nil, common.Fatal(string(constants.StageOCR),
				fmt.Sprintf("job reference rejected with %d", status), nil)
		}

		var res Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, common.Fatal(string(constants.StageOCR), "decode poll response", err)
		}
		switch res.Status {
		case "complete":
			return raw, nil
		case "error":
			return nil, common.Fatal(string(constants.StageOCR), "marker job failed",
				fmt.Errorf("%s", res.Error))
		}
	}
	return nil, common.Transient(string(constants.StageOCR),
		fmt.Sprintf("job not complete after %d polls", c.cfg.MaxPolls), nil)
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return raw, resp.StatusCode, err
}
