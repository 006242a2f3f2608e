package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trackingest/logger"
	"trackingest/model"
	"trackingest/repository"
	"trackingest/storage"
)

// TrackUpdateFields is the metadata a track owner may edit.
type TrackUpdateFields struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// ownedTrack loads a record and checks the requester owns it.
func (o *Orchestrator) ownedTrack(ctx context.Context, trackID, requesterID string) (*model.TrackRecord, error) {
	rec, err := o.tracks.GetTrack(ctx, trackID)
	if errors.Is(err, repository.ErrTrackNotFound) {
		return nil, newError(KindNotFound, "", fmt.Errorf("%w: %s", ErrTrackNotFound, trackID))
	}
	if err != nil {
		return nil, newError(KindMetadata, "", err)
	}
	if requesterID == "" || rec.OwnerID != requesterID {
		return nil, newError(KindPermission, "", ErrPermissionDenied)
	}
	return rec, nil
}

// Update edits title and description. Audio is never touched; a new title is
// re-slugged under the same per-owner uniqueness rule as ingestion.
func (o *Orchestrator) Update(ctx context.Context, trackID, requesterID string, fields TrackUpdateFields) (*model.TrackRecord, error) {
	rec, err := o.ownedTrack(ctx, trackID, requesterID)
	if err != nil {
		return nil, err
	}

	var upd model.TrackUpdate
	if fields.Title != nil {
		title, titleSlug, err := o.validateTitle(*fields.Title)
		if err != nil {
			return nil, newError(KindValidation, "", err)
		}
		if titleSlug != rec.TitleSlug {
			if err := o.checkSlugFree(ctx, rec.OwnerID, titleSlug, rec.ID); err != nil {
				return nil, err
			}
		}
		upd.Title = &title
		upd.TitleSlug = &titleSlug
	}
	if fields.Description != nil {
		desc := *fields.Description
		upd.Description = &desc
	}
	if upd.Empty() {
		return rec, nil
	}

	updated, err := o.tracks.UpdateTrack(ctx, rec.ID, upd)
	switch {
	case errors.Is(err, repository.ErrDuplicateSlug):
		return nil, newError(KindValidation, "", fmt.Errorf("%w: %q", ErrDuplicateTitle, *upd.TitleSlug))
	case errors.Is(err, repository.ErrTrackNotFound):
		return nil, newError(KindNotFound, "", fmt.Errorf("%w: %s", ErrTrackNotFound, trackID))
	case err != nil:
		return nil, newError(KindMetadata, "", err)
	}
	logger.Info("track metadata updated",
		logger.String("trackId", updated.ID),
		logger.String("slug", updated.TitleSlug))
	return updated, nil
}

// trackKeys enumerates the blobs under a track's orig/ and 320/ directories.
// Stores that cannot list fall back to the keys ingestion would have written.
func (o *Orchestrator) trackKeys(ctx context.Context, rec *model.TrackRecord) ([]string, error) {
	prefix := model.PrefixOf(rec)
	var keys []string
	for _, dir := range []string{prefix.OriginalDir(), prefix.TranscodedDir()} {
		listed, err := o.blobs.List(ctx, dir)
		if errors.Is(err, storage.ErrListUnsupported) {
			return directKeys(prefix, rec), nil
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		keys = append(keys, listed...)
	}
	return keys, nil
}

func directKeys(prefix model.StoragePrefix, rec *model.TrackRecord) []string {
	keys := make([]string, 0, 2)
	if rec.SourceExt != "" {
		keys = append(keys, prefix.OriginalKey(rec.ID, rec.SourceExt))
	}
	return append(keys, prefix.TranscodedKey(rec.ID))
}

// removeBlobs deletes keys, treating already missing ones as removed.
func (o *Orchestrator) removeBlobs(ctx context.Context, keys []string) (int, error) {
	removed := 0
	for _, key := range keys {
		err := o.blobs.Delete(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("delete %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

// Delete removes a track's audio and then its record. A blob failure aborts
// before the record is touched so the track stays visible and retryable.
func (o *Orchestrator) Delete(ctx context.Context, trackID, requesterID string) error {
	rec, err := o.ownedTrack(ctx, trackID, requesterID)
	if err != nil {
		return err
	}

	keys, err := o.trackKeys(ctx, rec)
	if err != nil {
		return newError(KindStorage, "", err)
	}
	removed, err := o.removeBlobs(ctx, keys)
	if err != nil {
		cleanupFailuresTotal.Inc()
		return newError(KindStorage, "", err)
	}

	if err := o.tracks.DeleteTrack(ctx, rec.ID); err != nil {
		if errors.Is(err, repository.ErrTrackNotFound) {
			return newError(KindNotFound, "", fmt.Errorf("%w: %s", ErrTrackNotFound, trackID))
		}
		return newError(KindMetadata, "", err)
	}
	logger.Info("track deleted",
		logger.String("trackId", rec.ID),
		logger.String("owner", rec.OwnerID),
		logger.Int("blobs", removed))
	return nil
}

// ReapResult summarizes one ReapAbandoned pass.
type ReapResult struct {
	Records  int
	Blobs    int
	Failures []string
}

// ReapAbandoned deletes records that never got a storage prefix and were
// created more than olderThan ago, along with any blobs under their prefix.
// Such records are left behind when the process dies mid-ingestion.
func (o *Orchestrator) ReapAbandoned(ctx context.Context, olderThan time.Duration) (*ReapResult, error) {
	cutoff := o.opts.Now().Add(-olderThan)
	recs, err := o.tracks.ListUnpublished(ctx, cutoff)
	if err != nil {
		return nil, newError(KindMetadata, "", err)
	}

	res := &ReapResult{}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		keys, err := o.trackKeys(ctx, rec)
		if err == nil {
			var n int
			n, err = o.removeBlobs(ctx, keys)
			res.Blobs += n
		}
		if err == nil {
			err = o.tracks.DeleteTrack(ctx, rec.ID)
			if errors.Is(err, repository.ErrTrackNotFound) {
				err = nil
			}
		}
		if err != nil {
			cleanupFailuresTotal.Inc()
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", rec.ID, err))
			logger.Warn("failed to reap abandoned track",
				logger.String("trackId", rec.ID),
				logger.ErrorField(err))
			continue
		}
		res.Records++
	}

	if res.Records > 0 || len(res.Failures) > 0 {
		logger.Info("reaped abandoned uploads",
			logger.Int("records", res.Records),
			logger.Int("blobs", res.Blobs),
			logger.Int("failures", len(res.Failures)))
	}
	return res, nil
}
