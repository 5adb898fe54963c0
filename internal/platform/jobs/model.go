// Package jobs turns uploads into queued analysis tasks, runs them on a pool
// of workers and tracks their state for polling and push clients.
package jobs

import (
	"errors"
	"time"

	"github.com/fhirguard/fhirguard/internal/pipeline"
	"github.com/fhirguard/fhirguard/internal/platform/fhir"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

// ErrJobNotFound is returned by a Store for unknown or expired task ids.
var ErrJobNotFound = errors.New("job not found")

// State is the lifecycle state of a task.
type State string

const (
	StatePending  State = "PENDING"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Task is one queued upload.
type Task struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Content     []byte    `json:"content"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Upload returns the ingestion input carried by t.
func (t Task) Upload() fhir.Upload {
	return fhir.Upload{Content: t.Content, Filename: t.Filename, ContentType: t.ContentType}
}

// Status is the externally visible state of a task.
type Status struct {
	TaskID    string            `json:"task_id"`
	State     State             `json:"state"`
	Current   int               `json:"current"`
	Total     int               `json:"total"`
	Status    string            `json:"status"`
	Result    *reporting.Report `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PendingStatus is the state of a task that no worker has picked up yet.
func PendingStatus(id string, at time.Time) Status {
	return Status{
		TaskID:    id,
		State:     StatePending,
		Current:   0,
		Total:     pipeline.ProgressTotal,
		Status:    "Pending in queue...",
		UpdatedAt: at,
	}
}

// ProgressStatus records a pipeline checkpoint.
func ProgressStatus(id string, p pipeline.Progress, at time.Time) Status {
	return Status{
		TaskID:    id,
		State:     StateProgress,
		Current:   p.Current,
		Total:     p.Total,
		Status:    p.Status,
		UpdatedAt: at,
	}
}

// SuccessStatus records a finished analysis.
func SuccessStatus(id string, report *reporting.Report, at time.Time) Status {
	return Status{
		TaskID:    id,
		State:     StateSuccess,
		Current:   pipeline.ProgressTotal,
		Total:     pipeline.ProgressTotal,
		Status:    pipeline.StageComplete.Status,
		Result:    report,
		UpdatedAt: at,
	}
}

// FailureStatus records a task that could not produce a report.
func FailureStatus(id string, err error, at time.Time) Status {
	return Status{
		TaskID:    id,
		State:     StateFailure,
		Current:   pipeline.ProgressTotal,
		Total:     pipeline.ProgressTotal,
		Status:    "Failed",
		Error:     err.Error(),
		UpdatedAt: at,
	}
}
