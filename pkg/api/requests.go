package api

// CreateJobRequest is the HTTP request body for POST /api/v1/jobs.
type CreateJobRequest struct {
	JobType        string                 `json:"job_type"`
	Priority       int                    `json:"priority,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// CancelJobRequest is the HTTP request body for POST /api/v1/jobs/:id/cancel.
type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}
