// Package cache provides the content-addressed key/value store that
// coordinates pipeline runs: completed stage payloads, in-flight job
// references for resumable external work, and cross-run reuse.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one cached stage result. Entries are never mutated in place: a
// changed input always yields a new key. An entry with a JobReference but an
// empty Payload records an in-flight external job that can be resumed after
// a restart.
type Entry struct {
	Key          string          `json:"key"`
	Stage        string          `json:"stage"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	JobReference string          `json:"job_reference,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Complete reports whether the entry holds a finished payload.
func (e *Entry) Complete() bool { return e != nil && len(e.Payload) > 0 }

// Store is the persistence contract. Implementations must support safe
// concurrent reads and key-scoped exclusive writes; reads never mutate.
type Store interface {
	// Get returns the entry for key, or nil with no error on a miss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put creates or overwrites the entry for e.Key.
	Put(ctx context.Context, e Entry) (*Entry, error)

	// Has reports whether key exists.
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes the entry for key. Deleting an absent key is not an
	// error; it is how expired job references are discarded.
	Delete(ctx context.Context, key string) error
}
