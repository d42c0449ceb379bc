package mappers

import (
	"encoding/json"
	"time"

	"github.com/sitescan/notifier/internal/events"
	"github.com/sitescan/notifier/internal/store/model"
)

const dateFormat = "2006-01-02 15:04"

type ReportGenerated struct {
	JobID        string          `json:"jobId"`
	Target       string          `json:"target"`
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	DateString   string          `json:"dateString,omitempty"`
	ScrapingTime int64           `json:"scrapingTime"`
	Error        string          `json:"error,omitempty"`
}

type Status struct {
	JobID     string `json:"jobId"`
	Target    string `json:"target"`
	JobStatus string `json:"jobStatus"`
}

type PreviousJob struct {
	JobID        string          `json:"jobId"`
	Target       string          `json:"target"`
	JobStatus    string          `json:"jobStatus"`
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	DateString   string          `json:"dateString,omitempty"`
	ScrapingTime int64           `json:"scrapingTime,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type Error struct {
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
}

// Job is the REST representation of a job.
type Job struct {
	ID                  string          `json:"id"`
	Target              string          `json:"target"`
	JobStatus           string          `json:"jobStatus"`
	AppStatus           string          `json:"appStatus,omitempty"`
	Success             bool            `json:"success"`
	Result              json.RawMessage `json:"result,omitempty"`
	FailureReason       string          `json:"failureReason,omitempty"`
	ResultCreatedAt     *time.Time      `json:"resultCreatedAt,omitempty"`
	ExecutionDurationMs *int64          `json:"executionDurationMs,omitempty"`
	AcceptedAt          *time.Time      `json:"acceptedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func ReportGeneratedFromJob(j model.Job) ReportGenerated {
	return ReportGenerated{
		JobID:        j.ID.String(),
		Target:       j.Target,
		Success:      j.JobStatus == model.JobStatusFinished && j.Success,
		Data:         rawJSON(j.Result),
		DateString:   shortDate(j.ResultCreatedAt),
		ScrapingTime: deref(j.ExecutionDurationMs),
		Error:        j.FailureReason,
	}
}

func StatusFromJob(j model.Job) Status {
	return Status{
		JobID:     j.ID.String(),
		Target:    j.Target,
		JobStatus: j.JobStatus.String(),
	}
}

func PreviousJobsFromList(jobs model.JobList) []PreviousJob {
	previous := make([]PreviousJob, 0, len(jobs))
	for _, j := range jobs {
		previous = append(previous, PreviousJob{
			JobID:        j.ID.String(),
			Target:       j.Target,
			JobStatus:    j.JobStatus.String(),
			Success:      j.Success,
			Data:         rawJSON(j.Result),
			DateString:   shortDate(j.ResultCreatedAt),
			ScrapingTime: deref(j.ExecutionDurationMs),
			Error:        j.FailureReason,
			CreatedAt:    j.CreatedAt,
		})
	}
	return previous
}

func JobToApi(j model.Job) Job {
	return Job{
		ID:                  j.ID.String(),
		Target:              j.Target,
		JobStatus:           j.JobStatus.String(),
		AppStatus:           string(j.AppStatus),
		Success:             j.Success,
		Result:              rawJSON(j.Result),
		FailureReason:       j.FailureReason,
		ResultCreatedAt:     j.ResultCreatedAt,
		ExecutionDurationMs: j.ExecutionDurationMs,
		AcceptedAt:          j.AcceptedAt,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
	}
}

func JobListToApi(jobs model.JobList) []Job {
	list := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		list = append(list, JobToApi(j))
	}
	return list
}

func JobEventFromJob(j model.Job) events.JobEvent {
	return events.JobEvent{
		JobID:               j.ID.String(),
		Owner:               j.Owner,
		Target:              j.Target,
		JobStatus:           j.JobStatus.String(),
		AppStatus:           string(j.AppStatus),
		FailureReason:       j.FailureReason,
		ExecutionDurationMs: deref(j.ExecutionDurationMs),
	}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}

func shortDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(dateFormat)
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
