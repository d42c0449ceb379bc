package events

// JobEvent is the payload of every job lifecycle event.
type JobEvent struct {
	JobID               string `json:"job_id"`
	Owner               string `json:"owner"`
	Target              string `json:"target"`
	JobStatus           string `json:"job_status"`
	AppStatus           string `json:"app_status,omitempty"`
	FailureReason       string `json:"failure_reason,omitempty"`
	ExecutionDurationMs int64  `json:"execution_duration_ms,omitempty"`
}
