// Package server exposes the pipeline over HTTP for the review dashboard:
// upload a submittal, poll the run, fetch the judged result.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paritoshk/LLM-document-judge/internal/pdf"
	"github.com/paritoshk/LLM-document-judge/internal/pipeline"
)

// maxUploadBytes caps submittal uploads; construction submittals run large
// but not unbounded.
const maxUploadBytes = 100 << 20

type runStatus string

const (
	statusRunning runStatus = "RUNNING"
	statusDone    runStatus = "DONE"
	statusFailed  runStatus = "FAILED"
)

type runRecord struct {
	ID        string           `json:"id"`
	DocName   string           `json:"doc_name"`
	Status    runStatus        `json:"status"`
	Result    *pipeline.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Service handles dashboard requests, running at most `workers` documents
// concurrently and keeping finished runs in memory until restart.
type Service struct {
	coord  *pipeline.Coordinator
	sem    chan struct{}
	logger *slog.Logger

	mu   sync.RWMutex
	runs map[string]*runRecord
}

func NewService(coord *pipeline.Coordinator, workers int, logger *slog.Logger) *Service {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		coord:  coord,
		sem:    make(chan struct{}, workers),
		logger: logger,
		runs:   make(map[string]*runRecord),
	}
}

// Handler returns the route table.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/runs", s.handleSubmit)
	mux.HandleFunc("GET /v1/runs", s.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGet)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit accepts a multipart PDF upload and starts a run. The
// response returns immediately with the run id; the pipeline continues in
// the background.
func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	b, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}
	doc, err := pdf.FromBytes(header.Filename, b)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	rec := &runRecord{
		ID:        uuid.NewString(),
		DocName:   doc.Name,
		Status:    statusRunning,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.runs[rec.ID] = rec
	s.mu.Unlock()
	s.logger.Info("server.run.accepted", "id", rec.ID, "doc", doc.Name, "bytes", len(b))

	go s.execute(rec, doc)

	writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID})
}

// execute runs the pipeline detached from the request context: an uploader
// closing their browser must not abandon a half-billed run.
func (s *Service) execute(rec *runRecord, doc *pdf.Document) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	res, err := s.coord.Run(context.Background(), doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		rec.Status = statusFailed
		rec.Error = err.Error()
		s.logger.Error("server.run.failed", "id", rec.ID, "doc", doc.Name, "error", err)
		return
	}
	rec.Status = statusDone
	rec.Result = res
	s.logger.Info("server.run.done", "id", rec.ID, "doc", doc.Name, "state", res.State)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown run id"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*runRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
