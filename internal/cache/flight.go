package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/paritoshk/LLM-document-judge/internal/common"
)

// FetchFunc produces the payload for a cache miss. It receives the Job
// handle so it can resume a persisted external job reference, or record a
// new one before blocking on completion.
type FetchFunc func(ctx context.Context, job *Job) ([]byte, error)

// FillResult reports how a key was satisfied.
type FillResult struct {
	Entry *Entry
	// Hit is true when a completed entry was already present and no fetch ran.
	Hit bool
	// Warnings carries non-fatal recovery notes (cache write failures,
	// discarded job references) for the run's warning list.
	Warnings []string
}

// FlightStore wraps a Store with single-flight coordination: concurrent
// requests for the same key share one fetch, so at most one in-flight
// external job exists per key and duplicate billed calls are avoided.
type FlightStore struct {
	store Store
	group singleflight.Group
	log   *slog.Logger
}

func NewFlightStore(store Store, logger *slog.Logger) *FlightStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlightStore{store: store, log: logger}
}

// Store exposes the underlying store.
func (f *FlightStore) Store() Store { return f.store }

// GetOrFill returns the completed entry for key, running fetch on a miss.
// Concurrent callers for the same key wait on the first caller's fetch and
// share its result. A cache write failure does not fail the call: the entry
// is still returned in-memory and the failure is reported as a warning.
func (f *FlightStore) GetOrFill(ctx context.Context, key KeySpec, fetch FetchFunc) (FillResult, error) {
	k := key.String()
	v, err, _ := f.group.Do(k, func() (any, error) {
		return f.fill(ctx, k, key.Stage, fetch)
	})
	if err != nil {
		return FillResult{}, err
	}
	return v.(FillResult), nil
}

func (f *FlightStore) fill(ctx context.Context, key, stage string, fetch FetchFunc) (FillResult, error) {
	prior, err := f.store.Get(ctx, key)
	if err != nil {
		// A read failure degrades to a miss; the store may still accept the
		// write afterwards.
		f.log.Warn("cache.get_failed", "key", key, "stage", stage, "error", err)
		prior = nil
	}
	if prior.Complete() {
		f.log.Debug("cache.hit", "key", key, "stage", stage)
		return FillResult{Entry: prior, Hit: true}, nil
	}

	job := &Job{store: f.store, key: key, stage: stage, prior: prior, log: f.log}
	payload, err := fetch(ctx, job)
	if err != nil {
		return FillResult{}, err
	}

	entry := Entry{Key: key, Stage: stage, Payload: payload, CreatedAt: time.Now().UTC()}
	warnings := job.warnings
	if _, perr := f.store.Put(ctx, entry); perr != nil {
		f.log.Warn("cache.put_failed", "key", key, "stage", stage, "error", perr)
		warnings = append(warnings, fmt.Sprintf("%s: %v: %v", stage, common.ErrCacheWrite, perr))
	}
	return FillResult{Entry: &entry, Warnings: warnings}, nil
}

// Job is the handle a FetchFunc uses to manage a resumable external job
// while filling a cache miss.
type Job struct {
	store    Store
	key      string
	stage    string
	prior    *Entry
	log      *slog.Logger
	warnings []string
}

// Reference returns the persisted external job reference from a prior,
// incomplete entry, or "" when there is nothing to resume.
func (j *Job) Reference() string {
	if j.prior != nil && !j.prior.Complete() {
		return j.prior.JobReference
	}
	return ""
}

// SaveReference persists an in-flight external job reference before the job
// completes, so a restarted process can resume instead of resubmitting.
// Persistence is best effort: a write failure becomes a warning.
func (j *Job) SaveReference(ctx context.Context, ref string) {
	e := Entry{Key: j.key, Stage: j.stage, JobReference: ref, CreatedAt: time.Now().UTC()}
	if _, err := j.store.Put(ctx, e); err != nil {
		j.log.Warn("cache.save_reference_failed", "key", j.key, "stage", j.stage, "error", err)
		j.warnings = append(j.warnings, fmt.Sprintf("%s: could not persist job reference: %v", j.stage, err))
		return
	}
	j.log.Info("cache.job_reference_saved", "key", j.key, "stage", j.stage)
}

// DropReference discards a job reference that turned out to be expired or
// unknown, so a fresh job can be submitted. Never an error to the caller.
func (j *Job) DropReference(ctx context.Context, reason string) {
	if err := j.store.Delete(ctx, j.key); err != nil {
		j.log.Warn("cache.drop_reference_failed", "key", j.key, "stage", j.stage, "error", err)
	}
	j.prior = nil
	j.log.Warn("cache.job_reference_dropped", "key", j.key, "stage", j.stage, "reason", reason)
	j.warnings = append(j.warnings, fmt.Sprintf("%s: discarded stale job reference: %s", j.stage, reason))
}
