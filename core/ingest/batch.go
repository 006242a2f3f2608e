package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"trackingest/logger"
	"trackingest/model"
)

// BatchResult lists successes in input order and one message per failed item.
type BatchResult struct {
	Tracks   []*model.TrackRecord `json:"tracks"`
	Failures []string             `json:"failures"`
}

type slugKey struct {
	owner string
	slug  string
}

// validateBatch rejects the whole batch if any item is invalid, repeats a slug
// within the batch, or collides with an existing track.
func (o *Orchestrator) validateBatch(ctx context.Context, reqs []model.UploadRequest) error {
	var problems []string
	cause := ErrInvalidTitle
	seen := make(map[slugKey]int, len(reqs))
	for i, req := range reqs {
		_, titleSlug, err := o.validateUpload(req)
		if err != nil {
			problems = append(problems, fmt.Sprintf("item %d (%q): %v", i+1, req.Title, err))
			continue
		}
		key := slugKey{owner: req.OwnerID, slug: titleSlug}
		if first, dup := seen[key]; dup {
			problems = append(problems, fmt.Sprintf("item %d (%q): %v: same as item %d", i+1, req.Title, ErrDuplicateTitle, first))
			cause = ErrDuplicateTitle
			continue
		}
		seen[key] = i + 1

		if err := o.checkSlugFree(ctx, req.OwnerID, titleSlug, ""); err != nil {
			if KindOf(err) != KindValidation {
				return err
			}
			problems = append(problems, fmt.Sprintf("item %d (%q): %v", i+1, req.Title, ErrDuplicateTitle))
			cause = ErrDuplicateTitle
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return newError(KindValidation, StateValidating, fmt.Errorf("%w: %s", cause, strings.Join(problems, "; ")))
}

// IngestBatch validates every item before processing any, then ingests items
// independently. A failed item is rolled back on its own; successes are kept.
// The call fails only when no item succeeds.
func (o *Orchestrator) IngestBatch(ctx context.Context, reqs []model.UploadRequest) (*BatchResult, error) {
	if len(reqs) == 0 {
		return nil, newError(KindValidation, StateValidating, ErrEmptyBatch)
	}
	if err := o.validateBatch(ctx, reqs); err != nil {
		return nil, err
	}

	tracks := make([]*model.TrackRecord, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(o.opts.BatchConcurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			tracks[i], errs[i] = o.Ingest(ctx, reqs[i])
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult{Tracks: []*model.TrackRecord{}, Failures: []string{}}
	for i := range reqs {
		if errs[i] != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", reqs[i].Title, errs[i]))
			continue
		}
		res.Tracks = append(res.Tracks, tracks[i])
	}

	logger.Info("batch ingestion finished",
		logger.Int("items", len(reqs)),
		logger.Int("succeeded", len(res.Tracks)),
		logger.Int("failed", len(res.Failures)))

	if len(res.Tracks) == 0 {
		return res, fmt.Errorf("%w: %w", ErrBatchFailed, errors.Join(errs...))
	}
	return res, nil
}
