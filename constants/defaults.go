package constants

import "time"

// Pipeline-wide defaults. Values that affect cache keys (model, prompt
// version) live in config, not here.
const (
	// MaxVisionPages caps how many rendered pages are sent to the vision
	// model. Submittal selection marks are almost always in the first few
	// pages; the cap bounds request size and cost.
	MaxVisionPages = 10

	// DefaultPollInterval is the spacing between status checks on a
	// long-running layout-extraction job.
	DefaultPollInterval = 2 * time.Second

	// DefaultMaxPolls bounds the poll loop (300 * 2s = 10 minutes).
	DefaultMaxPolls = 300

	// DefaultRetryAttempts is the ceiling for transient upstream retries.
	DefaultRetryAttempts = 4

	// DefaultRetryBaseDelay seeds the exponential backoff.
	DefaultRetryBaseDelay = 1 * time.Second

	// DefaultMaxTokens is the response budget for a stage request when the
	// configuration does not set one.
	DefaultMaxTokens = 4000
)
