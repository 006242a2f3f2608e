package model

import (
	"errors"
	"time"
)

// ErrJobNotFound is returned by job trackers for unknown or expired ids.
var ErrJobNotFound = errors.New("job not found")

// JobState is the lifecycle of an asynchronous ingestion.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the job will not change again.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is the pollable status of one queued upload.
type Job struct {
	ID      string   `json:"id"`
	OwnerID string   `json:"ownerId"`
	Title   string   `json:"title"`
	State   JobState `json:"state"`
	// Stage is the ingestion state machine position while running.
	Stage     string       `json:"stage,omitempty"`
	TrackID   string       `json:"trackId,omitempty"`
	Track     *TrackRecord `json:"track,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorKind string       `json:"errorKind,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
