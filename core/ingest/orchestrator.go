// Package ingest runs uploads through the store, transcode, analyse and
// publish sequence and undoes partial work when a step fails.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"trackingest/config"
	"trackingest/core/audio"
	"trackingest/core/slug"
	"trackingest/logger"
	"trackingest/model"
	"trackingest/repository"
	"trackingest/storage"
)

// State is a position in the per-upload state machine.
type State string

const (
	StateValidating        State = "validating"
	StateRecordCreated     State = "record_created"
	StateOriginalStored    State = "original_stored"
	StateTranscoding       State = "transcoding"
	StateTranscodedStored  State = "transcoded_stored"
	StateWaveformExtracted State = "waveform_extracted"
	StatePublished         State = "published"
	StateRolledBack        State = "rolled_back"
)

// ProgressFunc observes state transitions. trackID is empty while validating.
type ProgressFunc func(trackID string, state State)

// Options tune the orchestrator. Zero values fall back to defaults.
type Options struct {
	WaveformResolution int
	MaxTitleLength     int
	MaxSourceBytes     int64
	// ScratchDir is the parent of each ingestion's private temp directory.
	ScratchDir       string
	BatchConcurrency int
	Now              func() time.Time
}

// OptionsFromConfig maps the pipeline settings of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WaveformResolution: cfg.WaveformResolution,
		MaxTitleLength:     cfg.MaxTitleLength,
		MaxSourceBytes:     cfg.MaxUploadBytes,
		ScratchDir:         cfg.ScratchDir,
		BatchConcurrency:   cfg.BatchConcurrency,
	}
}

func (o *Options) setDefaults() {
	if o.WaveformResolution <= 0 {
		o.WaveformResolution = audio.DefaultResolution
	}
	if o.MaxTitleLength <= 0 {
		o.MaxTitleLength = 125
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Orchestrator owns persistence for uploads. Collaborators are injected once
// and shared by concurrent ingestions.
type Orchestrator struct {
	blobs      storage.BlobStore
	tracks     repository.TrackRepository
	transcoder audio.Transcoder
	extractor  audio.Extractor
	opts       Options
}

// New creates an orchestrator.
func New(blobs storage.BlobStore, tracks repository.TrackRepository, transcoder audio.Transcoder, extractor audio.Extractor, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		blobs:      blobs,
		tracks:     tracks,
		transcoder: transcoder,
		extractor:  extractor,
		opts:       opts,
	}
}

// Resolution is the waveform length every published track carries.
func (o *Orchestrator) Resolution() int { return o.opts.WaveformResolution }

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// sourceExt recovers the upload's extension; unknown or odd ones become .dat.
func sourceExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	if !extPattern.MatchString(ext) {
		return ".dat"
	}
	return ext
}

// validateTitle returns the trimmed title and its slug.
func (o *Orchestrator) validateTitle(title string) (string, string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", "", fmt.Errorf("%w: title is empty", ErrInvalidTitle)
	}
	if n := utf8.RuneCountInString(title); n > o.opts.MaxTitleLength {
		return "", "", fmt.Errorf("%w: %d characters, limit is %d", ErrInvalidTitle, n, o.opts.MaxTitleLength)
	}
	s := slug.Make(title)
	if s == "" {
		return "", "", fmt.Errorf("%w: %q has no usable characters", ErrInvalidTitle, title)
	}
	return title, s, nil
}

// validateUpload checks everything that does not need the metadata store.
func (o *Orchestrator) validateUpload(req model.UploadRequest) (title, titleSlug string, err error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return "", "", ErrMissingOwner
	}
	title, titleSlug, err = o.validateTitle(req.Title)
	if err != nil {
		return "", "", err
	}
	if len(req.Source) == 0 {
		return "", "", ErrEmptySource
	}
	if o.opts.MaxSourceBytes > 0 && int64(len(req.Source)) > o.opts.MaxSourceBytes {
		return "", "", fmt.Errorf("%w: %d bytes, limit is %d", ErrSourceTooLarge, len(req.Source), o.opts.MaxSourceBytes)
	}
	return title, titleSlug, nil
}

// checkSlugFree is the fast-path uniqueness check; CreateTrack is authoritative.
func (o *Orchestrator) checkSlugFree(ctx context.Context, ownerID, titleSlug, exceptID string) error {
	existing, err := o.tracks.FindByOwnerAndSlug(ctx, ownerID, titleSlug)
	switch {
	case errors.Is(err, repository.ErrTrackNotFound):
		return nil
	case err != nil:
		return newError(KindMetadata, StateValidating, err)
	case existing.ID == exceptID:
		return nil
	default:
		return newError(KindValidation, StateValidating, fmt.Errorf("%w: %q", ErrDuplicateTitle, titleSlug))
	}
}

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

// run is the state of one ingestion call.
type run struct {
	o          *Orchestrator
	req        model.UploadRequest
	progress   ProgressFunc
	state      State
	stageStart time.Time
	trackID    string
	undo       []undoStep
}

func (r *run) enter(state State) {
	now := time.Now()
	if r.state != "" {
		stageDuration.WithLabelValues(string(r.state)).Observe(now.Sub(r.stageStart).Seconds())
	}
	r.state = state
	r.stageStart = now
	logger.Debug("ingestion state",
		logger.String("trackId", r.trackID),
		logger.String("owner", r.req.OwnerID),
		logger.String("state", string(state)))
	if r.progress != nil {
		r.progress(r.trackID, state)
	}
}

func (r *run) push(name string, fn func(ctx context.Context) error) {
	r.undo = append(r.undo, undoStep{name: name, fn: fn})
}

// fail undoes every recorded step newest first and returns the primary error.
func (r *run) fail(ctx context.Context, kind Kind, err error) error {
	failedAt := r.state
	primary := newError(kind, failedAt, err)

	// Cleanup must run even when the caller's context is already done.
	cleanupCtx := context.WithoutCancel(ctx)
	for i := len(r.undo) - 1; i >= 0; i-- {
		step := r.undo[i]
		if uerr := step.fn(cleanupCtx); uerr != nil {
			cleanupFailuresTotal.Inc()
			logger.Error("rollback step failed",
				logger.String("trackId", r.trackID),
				logger.String("step", step.name),
				logger.ErrorField(uerr))
		}
	}
	r.undo = nil

	rollbacksTotal.WithLabelValues(string(failedAt)).Inc()
	ingestTotal.WithLabelValues(outcomeRolledBack).Inc()
	logger.Warn("ingestion rolled back",
		logger.String("trackId", r.trackID),
		logger.String("owner", r.req.OwnerID),
		logger.String("failedAt", string(failedAt)),
		logger.ErrorField(err))
	r.enter(StateRolledBack)
	return primary
}

// Ingest runs one upload to completion.
func (o *Orchestrator) Ingest(ctx context.Context, req model.UploadRequest) (*model.TrackRecord, error) {
	return o.IngestWithProgress(ctx, req, nil)
}

// IngestWithProgress is Ingest with a callback for every state transition.
func (o *Orchestrator) IngestWithProgress(ctx context.Context, req model.UploadRequest, progress ProgressFunc) (*model.TrackRecord, error) {
	r := &run{o: o, req: req, progress: progress}

	// 1. 校验
	r.enter(StateValidating)
	title, titleSlug, err := o.validateUpload(req)
	if err != nil {
		ingestTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, newError(KindValidation, StateValidating, err)
	}
	if err := o.checkSlugFree(ctx, req.OwnerID, titleSlug, ""); err != nil {
		ingestTotal.WithLabelValues(outcomeRejected).Inc()
		return nil, err
	}

	// 2. 创建记录
	rec, err := o.tracks.CreateTrack(ctx, req.OwnerID, title, titleSlug, req.Description)
	if err != nil {
		ingestTotal.WithLabelValues(outcomeRejected).Inc()
		if errors.Is(err, repository.ErrDuplicateSlug) {
			return nil, newError(KindValidation, StateValidating, fmt.Errorf("%w: %q", ErrDuplicateTitle, titleSlug))
		}
		return nil, newError(KindMetadata, StateValidating, err)
	}
	r.trackID = rec.ID
	r.push("delete record", func(ctx context.Context) error {
		err := o.tracks.DeleteTrack(ctx, rec.ID)
		if errors.Is(err, repository.ErrTrackNotFound) {
			return nil
		}
		return err
	})
	// 先记下扩展名，进程中途退出时清理任务才能找到原始文件
	ext := sourceExt(req.SourceFilename)
	if _, err := o.tracks.UpdateTrack(ctx, rec.ID, model.TrackUpdate{SourceExt: &ext}); err != nil {
		return nil, r.fail(ctx, KindMetadata, fmt.Errorf("record source extension: %w", err))
	}
	r.enter(StateRecordCreated)

	scratch, err := os.MkdirTemp(o.opts.ScratchDir, "ingest-"+rec.ID+"-")
	if err != nil {
		return nil, r.fail(ctx, KindStorage, fmt.Errorf("create scratch dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("failed to remove scratch dir", logger.String("dir", scratch), logger.ErrorField(err))
		}
	}()

	// 3. 保存原始文件
	prefix := model.NewStoragePrefix(rec.OwnerID, rec.ID)
	origKey := prefix.OriginalKey(rec.ID, ext)
	if _, err := o.blobs.Put(ctx, origKey, req.Source, storage.ContentTypeFor(origKey)); err != nil {
		return nil, r.fail(ctx, KindStorage, fmt.Errorf("store original: %w", err))
	}
	r.push("delete original", o.deleteBlob(origKey))
	r.enter(StateOriginalStored)

	// 4. 转码
	r.enter(StateTranscoding)
	transcoded, err := o.transcoder.Transcode(ctx, req.Source, ext, scratch)
	if err != nil {
		if !errors.Is(err, ErrTranscodeFailed) {
			err = fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
		}
		return nil, r.fail(ctx, KindTranscode, err)
	}
	transcodeTotal.WithLabelValues(transcoded.Method).Inc()

	// 5. 保存转码文件，并设置 storage prefix
	mp3Key := prefix.TranscodedKey(rec.ID)
	if _, err := o.blobs.Put(ctx, mp3Key, transcoded.Data, storage.ContentTypeFor(mp3Key)); err != nil {
		return nil, r.fail(ctx, KindStorage, fmt.Errorf("store transcoded: %w", err))
	}
	r.push("delete transcoded", o.deleteBlob(mp3Key))

	prefixStr := prefix.String()
	if _, err := o.tracks.UpdateTrack(ctx, rec.ID, model.TrackUpdate{StoragePrefix: &prefixStr}); err != nil {
		return nil, r.fail(ctx, KindMetadata, fmt.Errorf("set storage prefix: %w", err))
	}
	r.enter(StateTranscodedStored)

	// 6. 提取波形，失败不致命
	peaks, duration := model.Waveform{}, 0
	resolution := 0
	env, err := o.extractor.Extract(ctx, transcoded.Data, o.opts.WaveformResolution)
	switch {
	case err != nil:
		waveformBackendTotal.WithLabelValues("failed").Inc()
		logger.Warn("waveform extraction failed, publishing without waveform",
			logger.String("trackId", rec.ID),
			logger.ErrorField(err))
	case len(env.Peaks) != o.opts.WaveformResolution:
		waveformBackendTotal.WithLabelValues(env.Backend).Inc()
		duration = env.DurationSeconds
		logger.Warn("audio too short for a full waveform, publishing without waveform",
			logger.String("trackId", rec.ID),
			logger.Int("samples", env.Samples),
			logger.Int("resolution", o.opts.WaveformResolution))
	default:
		waveformBackendTotal.WithLabelValues(env.Backend).Inc()
		peaks = model.Waveform(env.Peaks)
		duration = env.DurationSeconds
		resolution = o.opts.WaveformResolution
	}
	r.enter(StateWaveformExtracted)

	// 7. 完成
	final, err := o.tracks.UpdateTrack(ctx, rec.ID, model.TrackUpdate{
		AudioDurationSeconds: &duration,
		Waveform:             &peaks,
		WaveformResolution:   &resolution,
	})
	if err != nil {
		return nil, r.fail(ctx, KindMetadata, fmt.Errorf("finalize record: %w", err))
	}
	r.undo = nil
	r.enter(StatePublished)

	if len(peaks) == 0 {
		ingestTotal.WithLabelValues(outcomeDegraded).Inc()
	} else {
		ingestTotal.WithLabelValues(outcomePublished).Inc()
	}
	logger.Info("track published",
		logger.String("trackId", final.ID),
		logger.String("owner", final.OwnerID),
		logger.String("slug", final.TitleSlug),
		logger.String("transcode", transcoded.Method),
		logger.Int64("bytes", transcoded.Size),
		logger.Int("durationSeconds", final.AudioDurationSeconds))
	return final, nil
}

// deleteBlob is an undo step that tolerates an already missing key.
func (o *Orchestrator) deleteBlob(key string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		err := o.blobs.Delete(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
}

// ListTracks returns the owner's published tracks.
func (o *Orchestrator) ListTracks(ctx context.Context, ownerID string) ([]*model.TrackRecord, error) {
	recs, err := o.tracks.ListVisible(ctx, ownerID)
	if err != nil {
		return nil, newError(KindMetadata, "", err)
	}
	return recs, nil
}
