package domain

import "time"

// Attempt records the outcome of a single AI call attempt. It exists only
// for the duration of the call and is shipped to the stats sink, never
// stored by the pipeline itself.
type Attempt struct {
	PageID    string        `json:"page_id"`
	KeyMask   string        `json:"key_mask"`
	Model     string        `json:"model"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
