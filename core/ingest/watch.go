package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"trackingest/logger"
	"trackingest/model"
)

// Submitter queues an upload. *Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, req model.UploadRequest) (string, error)
}

// watchedExts are the files a drop folder picks up.
var watchedExts = map[string]bool{
	".mp3": true, ".wav": true, ".flac": true, ".m4a": true,
	".aac": true, ".ogg": true, ".opus": true, ".aiff": true,
}

// FolderWatcher submits audio files copied into Dir on behalf of OwnerID.
// A file is picked up once it has not changed for Settle, then moved into
// Dir/submitted (or Dir/failed when the submit is refused).
type FolderWatcher struct {
	Dir     string
	OwnerID string
	Settle  time.Duration
	Submit  Submitter

	mu     sync.Mutex
	timers map[string]*time.Timer
	done   chan struct{}
}

const (
	submittedDir = "submitted"
	failedDir    = "failed"
)

// Run watches until ctx is done. Files already present are submitted first.
func (w *FolderWatcher) Run(ctx context.Context) error {
	if w.Settle <= 0 {
		w.Settle = 2 * time.Second
	}
	for _, sub := range []string{submittedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(w.Dir, sub), 0755); err != nil {
			return fmt.Errorf("create %s dir: %w", sub, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	w.timers = make(map[string]*time.Timer)
	w.done = make(chan struct{})
	ready := make(chan string, 16)
	defer w.stopTimers()
	defer close(w.done)

	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(w.Dir, e.Name()), ready)
		}
	}

	logger.Info("watching drop folder", logger.String("dir", w.Dir), logger.String("owner", w.OwnerID))
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(event.Name, ready)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", logger.ErrorField(err))
		case path := <-ready:
			w.submit(ctx, path)
		case <-ctx.Done():
			return nil
		}
	}
}

// schedule (re)starts the settle timer for path.
func (w *FolderWatcher) schedule(path string, ready chan<- string) {
	if !watchedExts[strings.ToLower(filepath.Ext(path))] {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.Settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.Settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case ready <- path:
		case <-w.done:
		}
	})
}

func (w *FolderWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *FolderWatcher) submit(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// moved away or deleted before it settled
		logger.Debug("drop folder file vanished", logger.String("file", path), logger.ErrorField(err))
		return
	}

	name := filepath.Base(path)
	req := model.UploadRequest{
		OwnerID:        w.OwnerID,
		Title:          strings.TrimSuffix(name, filepath.Ext(name)),
		Source:         data,
		SourceFilename: name,
	}
	jobID, err := w.Submit.Submit(ctx, req)
	dest := submittedDir
	if err != nil {
		dest = failedDir
		logger.Warn("drop folder submit failed", logger.String("file", name), logger.ErrorField(err))
	} else {
		logger.Info("drop folder file submitted", logger.String("file", name), logger.String("jobId", jobID))
	}
	if err := os.Rename(path, filepath.Join(w.Dir, dest, name)); err != nil {
		logger.Warn("failed to move drop folder file", logger.String("file", name), logger.ErrorField(err))
	}
}
