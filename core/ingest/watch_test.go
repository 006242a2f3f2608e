package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trackingest/model"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []model.UploadRequest
	err  error
}

func (s *recordingSubmitter) Submit(ctx context.Context, req model.UploadRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.reqs = append(s.reqs, req)
	return "job", nil
}

func (s *recordingSubmitter) titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.reqs {
		out = append(out, r.Title)
	}
	return out
}

func waitFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s never appeared", path)
}

func startWatcher(t *testing.T, w *FolderWatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func TestFolderWatcherSubmitsDroppedAudio(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Already Here.wav"), []byte("RIFF"), 0644); err != nil {
		t.Fatal(err)
	}

	sub := &recordingSubmitter{}
	startWatcher(t, &FolderWatcher{Dir: dir, OwnerID: "alice", Settle: 50 * time.Millisecond, Submit: sub})

	waitFile(t, filepath.Join(dir, submittedDir, "Already Here.wav"))

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "New Song.mp3"), []byte("ID3"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFile(t, filepath.Join(dir, submittedDir, "New Song.mp3"))

	got := sub.titles()
	if len(got) != 2 || got[0] != "Already Here" || got[1] != "New Song" {
		t.Fatalf("submitted titles = %v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("non-audio file was touched: %v", err)
	}
	sub.mu.Lock()
	if sub.reqs[1].OwnerID != "alice" || sub.reqs[1].SourceFilename != "New Song.mp3" {
		t.Fatalf("request = %+v", sub.reqs[1])
	}
	sub.mu.Unlock()
}

func TestFolderWatcherMovesRefusedFiles(t *testing.T) {
	dir := t.TempDir()
	sub := &recordingSubmitter{err: ErrQueueFull}
	startWatcher(t, &FolderWatcher{Dir: dir, OwnerID: "alice", Settle: 50 * time.Millisecond, Submit: sub})

	// give the watcher a moment to register before dropping the file
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "busy.flac"), []byte("fLaC"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFile(t, filepath.Join(dir, failedDir, "busy.flac"))
	if !errors.Is(sub.err, ErrQueueFull) || len(sub.titles()) != 0 {
		t.Fatal("refused submit was recorded")
	}
}
