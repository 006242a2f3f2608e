package repository

import (
	"context"
	"errors"
	"time"

	"trackingest/model"
)

var (
	// ErrTrackNotFound is returned when no record matches the lookup.
	ErrTrackNotFound = errors.New("track not found")
	// ErrDuplicateSlug is returned when (owner_id, title_slug) is already taken.
	ErrDuplicateSlug = errors.New("duplicate title slug for owner")
)

// TrackRepository defines the interface for track data operations.
// Implementations must enforce (owner_id, title_slug) uniqueness atomically.
type TrackRepository interface {
	CreateTrack(ctx context.Context, ownerID, title, titleSlug, description string) (*model.TrackRecord, error)
	GetTrack(ctx context.Context, id string) (*model.TrackRecord, error)
	UpdateTrack(ctx context.Context, id string, upd model.TrackUpdate) (*model.TrackRecord, error)
	DeleteTrack(ctx context.Context, id string) error
	FindByOwnerAndSlug(ctx context.Context, ownerID, slug string) (*model.TrackRecord, error)
	// ListVisible returns the owner's published tracks, newest first.
	ListVisible(ctx context.Context, ownerID string) ([]*model.TrackRecord, error)
	// ListUnpublished returns records without a storage prefix created before olderThan.
	ListUnpublished(ctx context.Context, olderThan time.Time) ([]*model.TrackRecord, error)
}

// Pinger is implemented by repositories backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}

func newRecord(id, ownerID, title, titleSlug, description string, now time.Time) *model.TrackRecord {
	return &model.TrackRecord{
		ID:          id,
		OwnerID:     ownerID,
		Title:       title,
		TitleSlug:   titleSlug,
		Description: description,
		Waveform:    model.Waveform{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
