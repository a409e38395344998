package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paritoshk/LLM-document-judge/internal/common"
)

type fakeJob struct {
	ref     string
	saved   []string
	dropped []string
}

func (j *fakeJob) Reference() string { return j.ref }

func (j *fakeJob) SaveReference(_ context.Context, ref string) {
	j.saved = append(j.saved, ref)
	j.ref = ref
}

func (j *fakeJob) DropReference(_ context.Context, reason string) {
	j.dropped = append(j.dropped, reason)
	j.ref = ""
}

func testClient(baseURL string) *Client {
	return NewClient(Config{
		APIKey:       "test-key",
		BaseURL:      baseURL,
		PollInterval: time.Millisecond,
		MaxPolls:     20,
		Timeout:      time.Second,
	}, nil)
}

func TestProcessSubmitAndPoll(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /marker", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("output_format") != "json" {
			t.Errorf("output_format = %q", r.FormValue("output_format"))
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("file part missing: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"request_check_url": srv.URL + "/check/1"})
	})
	mux.HandleFunc("GET /check/1", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) < 3 {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing"})
			return
		}
		fmt.Fprint(w, `{"status":"complete","json":{"children":[{"children":[{"html":"<p>Hello</p>"}]}]}}`)
	})

	job := &fakeJob{}
	raw, err := testClient(srv.URL).Process(context.Background(), "doc.pdf", []byte("%PDF"), job)
	if err != nil {
		t.Fatal(err)
	}
	if len(job.saved) != 1 || job.saved[0] != srv.URL+"/check/1" {
		t.Fatalf("check url not saved before polling: %v", job.saved)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", polls.Load())
	}

	res, err := ParseResult(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := ExtractText(res); got != "Hello\n" {
		t.Fatalf("extracted text = %q", got)
	}
}

func TestProcessResumesSavedReference(t *testing.T) {
	submitted := false
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /marker", func(http.ResponseWriter, *http.Request) {
		submitted = true
	})
	mux.HandleFunc("GET /check/7", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":"complete","json":{"children":[]}}`)
	})

	job := &fakeJob{ref: srv.URL + "/check/7"}
	raw, err := testClient(srv.URL).Process(context.Background(), "doc.pdf", []byte("%PDF"), job)
	if err != nil {
		t.Fatal(err)
	}
	if submitted {
		t.Fatal("resumed job must not resubmit")
	}
	if len(raw) == 0 {
		t.Fatal("empty result")
	}
}

func TestProcessDropsExpiredReference(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("GET /check/stale", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /marker", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"request_check_url": srv.URL + "/check/fresh"})
	})
	mux.HandleFunc("GET /check/fresh", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":"complete","json":{"children":[]}}`)
	})

	job := &fakeJob{ref: srv.URL + "/check/stale"}
	_, err := testClient(srv.URL).Process(context.Background(), "doc.pdf", []byte("%PDF"), job)
	if err != nil {
		t.Fatal(err)
	}
	if len(job.dropped) != 1 {
		t.Fatalf("expired reference not dropped: %v", job.dropped)
	}
	if len(job.saved) != 1 || job.saved[0] != srv.URL+"/check/fresh" {
		t.Fatalf("fresh job not saved: %v", job.saved)
	}
}

func TestProcessMarkerFailureIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /marker", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"request_check_url": srv.URL + "/check/1"})
	})
	mux.HandleFunc("GET /check/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":"error","error":"corrupt pdf"}`)
	})

	_, err := testClient(srv.URL).Process(context.Background(), "doc.pdf", []byte("%PDF"), nil)
	if !errors.Is(err, common.ErrUpstreamFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestProcessPollBudgetExhausted(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /marker", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"request_check_url": srv.URL + "/check/1"})
	})
	mux.HandleFunc("GET /check/1", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "processing"})
	})

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, PollInterval: time.Millisecond, MaxPolls: 3, Timeout: time.Second}, nil)
	_, err := c.Process(context.Background(), "doc.pdf", []byte("%PDF"), nil)
	if !errors.Is(err, common.ErrUpstreamTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestProcessRequiresAPIKey(t *testing.T) {
	c := NewClient(Config{}, nil)
	if _, err := c.Process(context.Background(), "doc.pdf", []byte("%PDF"), nil); !errors.Is(err, common.ErrUpstreamFatal) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}
