package domain

import (
	"encoding/json"
	"time"
)

// Analysis is the persisted outcome of one page's AI processing: the
// detected question regions plus the per-question analysis payload.
type Analysis struct {
	PageID       string          `json:"page_id"`
	Model        string          `json:"model"`
	Detection    json.RawMessage `json:"detection"`
	Result       json.RawMessage `json:"result"`
	FinishReason string          `json:"finish_reason"`
	TokensUsed   int             `json:"tokens_used"`
	CreatedAt    time.Time       `json:"created_at"`
}
