package model

import "time"

// SubmitRequest is the JSON form of a submission that references an already stored document.
type SubmitRequest struct {
	DocumentURI string         `json:"documentUri" validate:"required"`
	Filename    string         `json:"filename" validate:"omitempty,max=500"`
	Metadata    SubmitMetadata `json:"metadata"`
}

// SubmitResponse represents the response when a document is admitted
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// CancelResponse represents the response of a cancellation request
type CancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// ReprocessResponse represents the response of a reprocess request
type ReprocessResponse struct {
	JobID       string    `json:"jobId"`
	ReprocessOf string    `json:"reprocessOf"`
	Status      JobStatus `json:"status"`
}
