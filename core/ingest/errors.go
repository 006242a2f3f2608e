package ingest

import (
	"errors"
	"fmt"

	"trackingest/core/audio"
	"trackingest/repository"
)

// Kind classifies an ingestion failure for callers.
type Kind string

const (
	KindValidation Kind = "validation"
	KindTranscode  Kind = "transcode"
	KindStorage    Kind = "storage"
	KindMetadata   Kind = "metadata"
	KindNotFound   Kind = "not_found"
	KindPermission Kind = "permission"
)

var (
	ErrInvalidTitle   = errors.New("invalid title")
	ErrDuplicateTitle = errors.New("title already used by this owner")
	ErrMissingOwner   = errors.New("owner id is required")
	ErrEmptySource    = errors.New("empty audio upload")
	ErrSourceTooLarge = errors.New("audio upload too large")
	ErrEmptyBatch     = errors.New("empty batch")
	ErrBatchFailed    = errors.New("no batch item succeeded")

	ErrPermissionDenied = errors.New("requester does not own the track")
	ErrQueueFull        = errors.New("ingestion queue is full")
	ErrStopped          = errors.New("dispatcher stopped")

	ErrTranscodeFailed  = audio.ErrTranscodeFailed
	ErrExtractionFailed = audio.ErrExtractionFailed
	ErrTrackNotFound    = repository.ErrTrackNotFound
)

// IngestError is the single structured error returned by orchestrator operations.
type IngestError struct {
	Kind  Kind
	Stage State
	Err   error
}

func (e *IngestError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failed at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Retryable is true for failures a later attempt may not hit.
func (e *IngestError) Retryable() bool {
	return e.Kind == KindTranscode || e.Kind == KindStorage
}

func newError(kind Kind, stage State, err error) *IngestError {
	return &IngestError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind of an *IngestError in err's chain, or "".
func KindOf(err error) Kind {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// IsRetryable reports whether err carries a retry hint.
func IsRetryable(err error) bool {
	var ie *IngestError
	return errors.As(err, &ie) && ie.Retryable()
}
