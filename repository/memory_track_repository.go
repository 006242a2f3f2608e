package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"trackingest/model"

	"github.com/google/uuid"
)

type slugKey struct {
	owner string
	slug  string
}

// memoryTrackRepository keeps records in maps guarded by a mutex.
type memoryTrackRepository struct {
	mu     sync.RWMutex
	tracks map[string]*model.TrackRecord
	slugs  map[slugKey]string
	now    func() time.Time
}

// NewMemoryTrackRepository creates an empty in-process repository.
func NewMemoryTrackRepository() TrackRepository {
	return &memoryTrackRepository{
		tracks: make(map[string]*model.TrackRecord),
		slugs:  make(map[slugKey]string),
		now:    time.Now,
	}
}

func clone(t *model.TrackRecord) *model.TrackRecord {
	c := *t
	if t.StoragePrefix != nil {
		p := *t.StoragePrefix
		c.StoragePrefix = &p
	}
	c.Waveform = append(model.Waveform{}, t.Waveform...)
	return &c
}

func (r *memoryTrackRepository) CreateTrack(ctx context.Context, ownerID, title, titleSlug, description string) (*model.TrackRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := slugKey{ownerID, titleSlug}
	if _, taken := r.slugs[key]; taken {
		return nil, ErrDuplicateSlug
	}
	rec := newRecord(uuid.NewString(), ownerID, title, titleSlug, description, r.now())
	r.tracks[rec.ID] = rec
	r.slugs[key] = rec.ID
	return clone(rec), nil
}

func (r *memoryTrackRepository) GetTrack(ctx context.Context, id string) (*model.TrackRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tracks[id]
	if !ok {
		return nil, ErrTrackNotFound
	}
	return clone(rec), nil
}

func (r *memoryTrackRepository) UpdateTrack(ctx context.Context, id string, upd model.TrackUpdate) (*model.TrackRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tracks[id]
	if !ok {
		return nil, ErrTrackNotFound
	}
	oldKey := slugKey{rec.OwnerID, rec.TitleSlug}
	if upd.TitleSlug != nil && *upd.TitleSlug != rec.TitleSlug {
		newKey := slugKey{rec.OwnerID, *upd.TitleSlug}
		if _, taken := r.slugs[newKey]; taken {
			return nil, ErrDuplicateSlug
		}
		delete(r.slugs, oldKey)
		r.slugs[newKey] = id
	}
	upd.Apply(rec)
	rec.UpdatedAt = r.now()
	return clone(rec), nil
}

func (r *memoryTrackRepository) DeleteTrack(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tracks[id]
	if !ok {
		return ErrTrackNotFound
	}
	delete(r.slugs, slugKey{rec.OwnerID, rec.TitleSlug})
	delete(r.tracks, id)
	return nil
}

func (r *memoryTrackRepository) FindByOwnerAndSlug(ctx context.Context, ownerID, slug string) (*model.TrackRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.slugs[slugKey{ownerID, slug}]
	if !ok {
		return nil, ErrTrackNotFound
	}
	return clone(r.tracks[id]), nil
}

func (r *memoryTrackRepository) ListVisible(ctx context.Context, ownerID string) ([]*model.TrackRecord, error) {
	return r.filter(func(t *model.TrackRecord) bool {
		return t.OwnerID == ownerID && t.Published()
	}), nil
}

func (r *memoryTrackRepository) ListUnpublished(ctx context.Context, olderThan time.Time) ([]*model.TrackRecord, error) {
	return r.filter(func(t *model.TrackRecord) bool {
		return !t.Published() && t.CreatedAt.Before(olderThan)
	}), nil
}

func (r *memoryTrackRepository) filter(keep func(*model.TrackRecord) bool) []*model.TrackRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.TrackRecord, 0)
	for _, t := range r.tracks {
		if keep(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
