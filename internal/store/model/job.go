package model

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusScrapping JobStatus = "scrapping"
	JobStatusFinished  JobStatus = "finished"
	JobStatusError     JobStatus = "error"
	JobStatusAccepted  JobStatus = "accepted"
)

// transitions is the whole job state graph. Accepted has no outgoing edge.
var transitions = map[JobStatus][]JobStatus{
	JobStatusScrapping: {JobStatusFinished, JobStatusError},
	JobStatusFinished:  {JobStatusAccepted},
	JobStatusError:     {JobStatusAccepted},
}

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusScrapping, JobStatusFinished, JobStatusError, JobStatusAccepted:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	return slices.Contains(transitions[s], next)
}

// IsDone is true once the executor reported an outcome.
func (s JobStatus) IsDone() bool {
	return s == JobStatusFinished || s == JobStatusError
}

// AllowedSources returns the statuses a job may be in to move to next.
func AllowedSources(next JobStatus) []JobStatus {
	sources := []JobStatus{}
	for from, to := range transitions {
		if slices.Contains(to, next) {
			sources = append(sources, from)
		}
	}
	slices.Sort(sources)
	return sources
}

func (s JobStatus) String() string {
	return string(s)
}

type AppStatus string

const (
	AppStatusNone         AppStatus = ""
	AppStatusConnected    AppStatus = "connected"
	AppStatusDisconnected AppStatus = "disconnected"
)

type Job struct {
	ID                  uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Owner               string    `gorm:"not null;index"`
	Target              string    `gorm:"not null"`
	ConnectionHandle    string    `gorm:"index"`
	JobStatus           JobStatus `gorm:"not null;index"`
	AppStatus           AppStatus
	Result              []byte
	Success             bool
	FailureReason       string
	ResultCreatedAt     *time.Time
	ExecutionDurationMs *int64
	DeliveredTo         string
	AcceptedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type JobList []Job

func NewJob(owner, target, handle string) Job {
	return Job{
		ID:               uuid.New(),
		Owner:            owner,
		Target:           target,
		ConnectionHandle: handle,
		JobStatus:        JobStatusScrapping,
		AppStatus:        AppStatusConnected,
	}
}

func (j Job) String() string {
	v, _ := json.Marshal(j)
	return string(v)
}

// Deliverable is true when the job holds an outcome and a live connection
// that has not received it yet.
func (j Job) Deliverable() bool {
	return j.JobStatus.IsDone() &&
		j.AppStatus == AppStatusConnected &&
		j.ConnectionHandle != "" &&
		j.DeliveredTo != j.ConnectionHandle
}

func (jl JobList) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(jl))
	for _, j := range jl {
		ids = append(ids, j.ID)
	}
	return ids
}
