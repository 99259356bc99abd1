package model

import "time"

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Diagnostic records the execution of one stage.
type Diagnostic struct {
	StageIndex  int           `json:"stage_index"`
	StageType   string        `json:"stage_type"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	InputCount  int           `json:"input_count"`
	OutputCount int           `json:"output_count"`
	Attempts    int           `json:"attempts,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
}

// Failed reports whether the stage ended in an error.
func (d Diagnostic) Failed() bool {
	return d.Error != ""
}

// Job is a snapshot of a submitted pipeline execution.
type Job struct {
	ID          string              `json:"id"`
	PipelineID  string              `json:"pipeline_id"`
	Definition  *PipelineDefinition `json:"definition,omitempty"`
	State       JobState            `json:"state"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	Diagnostics []Diagnostic        `json:"diagnostics"`
	Error       string              `json:"error,omitempty"`
	ErrorCode   string              `json:"error_code,omitempty"`
}

// Duration returns the running time of the job, or zero if it never ran.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt == nil {
		return time.Since(*j.StartedAt)
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}
