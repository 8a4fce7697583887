package domain

import "time"

// ScanPage represents one scanned exam page waiting for AI processing.
type ScanPage struct {
	ID         string            `json:"id"`
	ImageRef   string            `json:"image_ref"`
	Subject    string            `json:"subject"`
	Metadata   map[string]string `json:"metadata"`
	Status     PageStatus        `json:"status"`
	RetryCount int               `json:"retry_count"`
	LastError  string            `json:"last_error"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusProcessing PageStatus = "processing"
	PageStatusDone       PageStatus = "done"
	PageStatusFailed     PageStatus = "failed"
)
