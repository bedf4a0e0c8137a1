package models

import "time"

// Batch classifications exposed to presentation code.
const (
	ClassificationAllSucceeded   = "all_succeeded"
	ClassificationPartialSuccess = "partial_success"
	ClassificationAllFailed      = "all_failed"
)

// BatchReport is the event emitted once per batch to reporting sinks.
type BatchReport struct {
	BatchID        string            `json:"batch_id"`
	Classification string            `json:"classification"`
	Sender         string            `json:"sender"`
	Subject        string            `json:"subject"`
	Attempted      int               `json:"attempted"`
	Succeeded      int               `json:"succeeded"`
	Failures       []DeliveryFailure `json:"failures,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	Meta           map[string]string `json:"meta,omitempty"`
}
