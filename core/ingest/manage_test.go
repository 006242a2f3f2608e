package ingest

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"trackingest/core/audio"

	"trackingest/model"
	"trackingest/repository"
	"trackingest/storage"
)

func strPtr(s string) *string { return &s }

func TestDeleteRemovesBlobsThenRecord(t *testing.T) {
	for name, blobs := range map[string]*storage.MemoryStore{
		"listing":    storage.NewMemoryStore(),
		"no listing": storage.NewUnlistableMemoryStore(),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, blobs, nil, nil, nil)
			ctx := context.Background()

			rec, err := f.orch.Ingest(ctx, upload("alice", "Doomed", silentWAV(t, 1)))
			if err != nil {
				t.Fatal(err)
			}
			keys := []string{model.PrefixOf(rec).OriginalKey(rec.ID, ".wav"), model.PrefixOf(rec).TranscodedKey(rec.ID)}

			if err := f.orch.Delete(ctx, rec.ID, "alice"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			for _, key := range keys {
				if ok, _ := blobs.Exists(ctx, key); ok {
					t.Fatalf("%s still exists", key)
				}
			}
			if _, err := f.tracks.FindByOwnerAndSlug(ctx, "alice", "doomed"); !errors.Is(err, repository.ErrTrackNotFound) {
				t.Fatalf("record still findable: %v", err)
			}

			// the title is free again
			if _, err := f.orch.Ingest(ctx, upload("alice", "Doomed", silentWAV(t, 1))); err != nil {
				t.Fatalf("re-ingest: %v", err)
			}
		})
	}
}

func TestDeleteChecksOwnership(t *testing.T) {
	f := newFixture(t, nil, nil, nil, nil)
	ctx := context.Background()
	rec, err := f.orch.Ingest(ctx, upload("alice", "Mine", silentWAV(t, 1)))
	if err != nil {
		t.Fatal(err)
	}

	err = f.orch.Delete(ctx, rec.ID, "mallory")
	if KindOf(err) != KindPermission || !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission error", err)
	}
	if got := len(f.blobs.Keys()); got != 2 {
		t.Fatalf("blobs = %d after refused delete", got)
	}

	if err := f.orch.Delete(ctx, "no-such-track", "alice"); KindOf(err) != KindNotFound || !errors.Is(err, ErrTrackNotFound) {
		t.Fatalf("missing track err = %v", err)
	}
}

func TestDeleteBlobFailureKeepsRecord(t *testing.T) {
	blobs := storage.NewMemoryStore()
	f := newFixture(t, blobs, nil, nil, nil)
	ctx := context.Background()
	rec, err := f.orch.Ingest(ctx, upload("alice", "Stubborn", silentWAV(t, 1)))
	if err != nil {
		t.Fatal(err)
	}

	blobs.FailDelete("/320/", errors.New("timeout"))
	err = f.orch.Delete(ctx, rec.ID, "alice")
	if KindOf(err) != KindStorage {
		t.Fatalf("err = %v, want storage error", err)
	}
	if _, err := f.tracks.GetTrack(ctx, rec.ID); err != nil {
		t.Fatalf("record removed despite blob failure: %v", err)
	}

	// a retry after the store recovers finishes the job, tolerating the blob already gone
	blobs.FailDelete("/320/", nil)
	if err := f.orch.Delete(ctx, rec.ID, "alice"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := blobs.Len(); n != 0 {
		t.Fatalf("blobs left = %d", n)
	}
}

func TestUpdateMetadataOnly(t *testing.T) {
	f := newFixture(t, nil, nil, nil, nil)
	ctx := context.Background()
	rec, err := f.orch.Ingest(ctx, upload("alice", "Old Name", silentWAV(t, 2)))
	if err != nil {
		t.Fatal(err)
	}
	before := f.blobs.Keys()

	updated, err := f.orch.Update(ctx, rec.ID, "alice", TrackUpdateFields{Title: strPtr("New Name"), Description: strPtr("liner notes")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != "New Name" || updated.TitleSlug != "new-name" || updated.Description != "liner notes" {
		t.Fatalf("updated = %+v", updated)
	}
	if *updated.StoragePrefix != *rec.StoragePrefix || updated.AudioDurationSeconds != rec.AudioDurationSeconds {
		t.Fatal("audio fields changed on metadata update")
	}
	if after := f.blobs.Keys(); len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("blobs changed: %v -> %v", before, after)
	}

	// renaming to a case variant of itself is allowed
	if _, err := f.orch.Update(ctx, rec.ID, "alice", TrackUpdateFields{Title: strPtr("NEW NAME")}); err != nil {
		t.Fatalf("self rename: %v", err)
	}
	// nothing to change returns the record as is
	same, err := f.orch.Update(ctx, rec.ID, "alice", TrackUpdateFields{})
	if err != nil || same.Title != "NEW NAME" {
		t.Fatalf("empty update = %+v, %v", same, err)
	}
}

func TestUpdateRejects(t *testing.T) {
	f := newFixture(t, nil, nil, nil, nil)
	ctx := context.Background()
	a, err := f.orch.Ingest(ctx, upload("alice", "Alpha", silentWAV(t, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Ingest(ctx, upload("alice", "Beta", silentWAV(t, 1))); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name      string
		id, owner string
		fields    TrackUpdateFields
		kind      Kind
		want      error
	}{
		{"duplicate", a.ID, "alice", TrackUpdateFields{Title: strPtr(" beta ")}, KindValidation, ErrDuplicateTitle},
		{"empty title", a.ID, "alice", TrackUpdateFields{Title: strPtr("")}, KindValidation, ErrInvalidTitle},
		{"not owner", a.ID, "bob", TrackUpdateFields{Description: strPtr("x")}, KindPermission, ErrPermissionDenied},
		{"missing", "nope", "alice", TrackUpdateFields{Description: strPtr("x")}, KindNotFound, ErrTrackNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Update(ctx, tc.id, tc.owner, tc.fields)
			if KindOf(err) != tc.kind || !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %s / %v", err, tc.kind, tc.want)
			}
		})
	}
}

func TestReapAbandoned(t *testing.T) {
	blobs := storage.NewMemoryStore()
	repo := repository.NewMemoryTrackRepository()
	f := newFixture(t, blobs, repo, nil, nil)
	ctx := context.Background()

	published, err := f.orch.Ingest(ctx, upload("alice", "Keeper", silentWAV(t, 1)))
	if err != nil {
		t.Fatal(err)
	}

	// simulate a crash after the original was stored
	orphan, err := repo.CreateTrack(ctx, "alice", "Orphan", "orphan", "")
	if err != nil {
		t.Fatal(err)
	}
	orphanKey := model.PrefixOf(orphan).OriginalKey(orphan.ID, ".flac")
	if _, err := blobs.Put(ctx, orphanKey, []byte("fLaC"), "audio/flac"); err != nil {
		t.Fatal(err)
	}

	// too young to reap
	res, err := f.orch.ReapAbandoned(ctx, time.Hour)
	if err != nil || res.Records != 0 {
		t.Fatalf("early reap = %+v, %v", res, err)
	}

	f.orch.opts.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err = f.orch.ReapAbandoned(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReapAbandoned: %v", err)
	}
	if res.Records != 1 || res.Blobs != 1 || len(res.Failures) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if ok, _ := blobs.Exists(ctx, orphanKey); ok {
		t.Fatal("orphan blob survived")
	}
	if _, err := repo.GetTrack(ctx, orphan.ID); !errors.Is(err, repository.ErrTrackNotFound) {
		t.Fatalf("orphan record survived: %v", err)
	}
	if _, err := repo.GetTrack(ctx, published.ID); err != nil {
		t.Fatalf("published track reaped: %v", err)
	}
}

// dyingTranscoder ends the calling goroutine mid-transcode, leaving the
// pipeline as a killed process would.
type dyingTranscoder struct{}

func (dyingTranscoder) Transcode(ctx context.Context, src []byte, formatHint, scratchDir string) (*audio.TranscodedAudio, error) {
	runtime.Goexit()
	return nil, nil
}

func TestReapAbandonedUnlistableStore(t *testing.T) {
	blobs := storage.NewUnlistableMemoryStore()
	repo := repository.NewMemoryTrackRepository()
	f := newFixture(t, blobs, repo, dyingTranscoder{}, nil)
	ctx := context.Background()

	req := upload("alice", "Interrupted", silentWAV(t, 1))
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.orch.Ingest(ctx, req)
	}()
	<-done

	orphan, err := repo.FindByOwnerAndSlug(ctx, "alice", "interrupted")
	if err != nil {
		t.Fatalf("interrupted record missing: %v", err)
	}
	origKey := model.PrefixOf(orphan).OriginalKey(orphan.ID, ".wav")
	if ok, _ := blobs.Exists(ctx, origKey); !ok {
		t.Fatalf("original %s was not stored before the crash", origKey)
	}

	f.orch.opts.Now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := f.orch.ReapAbandoned(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReapAbandoned: %v", err)
	}
	if res.Records != 1 || res.Blobs != 1 || len(res.Failures) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if ok, _ := blobs.Exists(ctx, origKey); ok {
		t.Fatal("original blob orphaned after reap")
	}
}
