package models

import "time"

type JobType string

const (
	JobCrawler   JobType = "crawler"
	JobMonitor   JobType = "monitor"
	JobExpansion JobType = "expansion"
)

// Valid reports whether t is one of the known automation modes.
func (t JobType) Valid() bool {
	switch t {
	case JobCrawler, JobMonitor, JobExpansion:
		return true
	}
	return false
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one execution of an automation mode. Params and Result hold the
// controller's typed values in memory and raw JSON after a reload from storage.
type Job struct {
	ID          string     `json:"jobId"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Params      any        `json:"params"`
	Result      any        `json:"result,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}
