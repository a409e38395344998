package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrFillHit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := KeySpec{DocHash: "d", Stage: "ocr", ModelVersion: "v"}
	if _, err := store.Put(ctx, Entry{Key: key.String(), Stage: "ocr", Payload: []byte("cached"), CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	fs := NewFlightStore(store, nil)
	calls := 0
	res, err := fs.GetOrFill(ctx, key, func(context.Context, *Job) ([]byte, error) {
		calls++
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Hit || calls != 0 {
		t.Fatalf("expected pure hit, got hit=%v calls=%d", res.Hit, calls)
	}
	if string(res.Entry.Payload) != "cached" {
		t.Fatalf("wrong payload: %q", res.Entry.Payload)
	}
}

func TestGetOrFillSingleFlight(t *testing.T) {
	ctx := context.Background()
	fs := NewFlightStore(NewMemoryStore(), nil)
	key := KeySpec{DocHash: "d", Stage: "stage1_candidates", ModelVersion: "v"}

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context, *Job) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("payload"), nil
	}

	var wg sync.WaitGroup
	results := make([]FillResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := fs.GetOrFill(ctx, key, fetch)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = r
		}()
	}
	// Let the goroutines pile onto the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
	for i, r := range results {
		if r.Entry == nil || string(r.Entry.Payload) != "payload" {
			t.Fatalf("caller %d got wrong result: %+v", i, r)
		}
	}
}

func TestJobReferenceResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fs := NewFlightStore(store, nil)
	key := KeySpec{DocHash: "d", Stage: "ocr", ModelVersion: "v"}

	// First fill saves a reference, then fails before completion.
	boom := errors.New("poll interrupted")
	_, err := fs.GetOrFill(ctx, key, func(ctx context.Context, job *Job) ([]byte, error) {
		if job.Reference() != "" {
			t.Fatalf("unexpected prior reference %q", job.Reference())
		}
		job.SaveReference(ctx, "https://check/42")
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}

	// Second fill sees the persisted reference and completes.
	res, err := fs.GetOrFill(ctx, key, func(ctx context.Context, job *Job) ([]byte, error) {
		if job.Reference() != "https://check/42" {
			t.Fatalf("reference not resumed, got %q", job.Reference())
		}
		return []byte("done"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Hit {
		t.Fatal("reference-only entry must not count as a hit")
	}
	if string(res.Entry.Payload) != "done" {
		t.Fatalf("wrong payload: %q", res.Entry.Payload)
	}
}

func TestDropReferenceClearsPrior(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fs := NewFlightStore(store, nil)
	key := KeySpec{DocHash: "d", Stage: "ocr", ModelVersion: "v"}
	if _, err := store.Put(ctx, Entry{Key: key.String(), Stage: "ocr", JobReference: "https://check/stale"}); err != nil {
		t.Fatal(err)
	}

	res, err := fs.GetOrFill(ctx, key, func(ctx context.Context, job *Job) ([]byte, error) {
		job.DropReference(ctx, "rejected with 404")
		if job.Reference() != "" {
			t.Fatal("reference survived drop")
		}
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "stale job reference") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stale-reference warning, got %v", res.Warnings)
	}
}

type failingPutStore struct {
	Store
}

func (f failingPutStore) Put(context.Context, Entry) (*Entry, error) {
	return nil, errors.New("disk full")
}

func TestPutFailureDegradesToWarning(t *testing.T) {
	ctx := context.Background()
	fs := NewFlightStore(failingPutStore{Store: NewMemoryStore()}, nil)
	key := KeySpec{DocHash: "d", Stage: "stage1_candidates", ModelVersion: "v"}

	res, err := fs.GetOrFill(ctx, key, func(context.Context, *Job) ([]byte, error) {
		return []byte("payload"), nil
	})
	if err != nil {
		t.Fatalf("cache write failure must not fail the fill: %v", err)
	}
	if string(res.Entry.Payload) != "payload" {
		t.Fatal("in-memory entry missing after failed write")
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a cache-write warning")
	}
}
