package cmd

import (
	"context"
	"errors"
	"fmt"

	"trackingest/cache"
	"trackingest/config"
	"trackingest/core/audio"
	"trackingest/core/ingest"
	"trackingest/db"
	"trackingest/logger"
	"trackingest/repository"
	"trackingest/server"
	"trackingest/storage"
)

// app is the wired pipeline for one command invocation.
type app struct {
	blobs  storage.BlobStore
	tracks repository.TrackRepository
	orch   *ingest.Orchestrator
	ffmpeg *audio.FFmpeg
	checks map[string]server.HealthCheck

	closers []func() error
}

// newApp connects the configured backends and builds the orchestrator.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{checks: make(map[string]server.HealthCheck)}

	blobs, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	a.blobs = blobs
	if p, ok := blobs.(storage.Pinger); ok {
		a.checks["blobs"] = p.Ping
	}
	if fs, ok := blobs.(*storage.FileStore); ok {
		logger.Info("storing blobs on local disk", logger.String("root", fs.Root()))
	}

	tracks, err := a.openTracks(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	a.tracks = tracks
	if p, ok := tracks.(repository.Pinger); ok {
		a.checks["metadata"] = p.Ping
	}

	a.ffmpeg = audio.NewFFmpeg(cfg.FFmpegPath, cfg.TranscodeTimeout.Duration)
	if err := a.ffmpeg.Available(); err != nil {
		logger.Warn("ffmpeg unavailable, only the in-process paths will work", logger.ErrorField(err))
	}

	a.orch = ingest.New(blobs, tracks,
		audio.NewTranscoder(a.ffmpeg, cfg.TranscodeBitrateKbps),
		audio.NewWaveformExtractor(a.ffmpeg, cfg.ScratchDir),
		ingest.OptionsFromConfig(cfg))

	logger.Info("pipeline ready",
		logger.String("blobs", cfg.BlobBackend),
		logger.String("metadata", cfg.MetadataBackend),
		logger.Int("waveformResolution", a.orch.Resolution()))
	return a, nil
}

func (a *app) openTracks(ctx context.Context, cfg *config.Config) (repository.TrackRepository, error) {
	switch cfg.MetadataBackend {
	case config.MetadataMemory:
		return repository.NewMemoryTrackRepository(), nil
	case config.MetadataMySQL, config.MetadataSQLite:
		gdb, err := db.ConnectGormDB(cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return db.CloseGormDB(gdb) })
		return repository.NewGormTrackRepository(gdb), nil
	case config.MetadataPostgres:
		dsn := cfg.PostgresDSN()
		if err := db.MigratePostgres(dsn); err != nil {
			return nil, err
		}
		pool, err := db.ConnectPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		return repository.NewPostgresTrackRepository(pool), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
	}
}

// jobTracker opens the job status store selected by cfg.JobBackend.
func (a *app) jobTracker(ctx context.Context, cfg *config.Config) (ingest.JobTracker, error) {
	switch cfg.JobBackend {
	case config.JobsMemory:
		return cache.NewMemoryJobTracker(0, cfg.JobTTL.Duration), nil
	case config.JobsRedis:
		client, err := db.ConnectRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.checks["jobs"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return cache.NewRedisJobTracker(client, cfg.JobTTL.Duration), nil
	default:
		return nil, fmt.Errorf("unknown job backend %q", cfg.JobBackend)
	}
}

// dispatcher builds the asynchronous upload queue.
func (a *app) dispatcher(ctx context.Context, cfg *config.Config) (*ingest.Dispatcher, error) {
	jobs, err := a.jobTracker(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open job tracker: %w", err)
	}
	return ingest.NewDispatcher(a.orch, jobs, cfg.WorkerCount, cfg.QueueSize), nil
}

// Close releases backend connections in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
