package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trackingest/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const trackColumns = `id, owner_id, title, title_slug, description, storage_prefix, source_ext,
	audio_duration_seconds, waveform::text, waveform_resolution, created_at, updated_at`

// postgresTrackRepository implements TrackRepository with pgx.
type postgresTrackRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTrackRepository expects the schema from db.MigratePostgres.
func NewPostgresTrackRepository(pool *pgxpool.Pool) TrackRepository {
	return &postgresTrackRepository{pool: pool}
}

// isUniqueViolation проверяет нарушение уникальности (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func scanTrack(row pgx.Row) (*model.TrackRecord, error) {
	var (
		rec      model.TrackRecord
		waveform string
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Title, &rec.TitleSlug, &rec.Description,
		&rec.StoragePrefix, &rec.SourceExt, &rec.AudioDurationSeconds, &waveform,
		&rec.WaveformResolution, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := rec.Waveform.Scan(waveform); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *postgresTrackRepository) CreateTrack(ctx context.Context, ownerID, title, titleSlug, description string) (*model.TrackRecord, error) {
	rec := newRecord(uuid.NewString(), ownerID, title, titleSlug, description, time.Now().UTC())
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tracks (id, owner_id, title, title_slug, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.OwnerID, rec.Title, rec.TitleSlug, rec.Description, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateSlug
		}
		return nil, fmt.Errorf("insert track: %w", err)
	}
	return rec, nil
}

func (r *postgresTrackRepository) GetTrack(ctx context.Context, id string) (*model.TrackRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrTrackNotFound
	}
	rec, err := scanTrack(r.pool.QueryRow(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTrackNotFound
		}
		return nil, fmt.Errorf("get track %s: %w", id, err)
	}
	return rec, nil
}

func (r *postgresTrackRepository) UpdateTrack(ctx context.Context, id string, upd model.TrackUpdate) (*model.TrackRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrTrackNotFound
	}

	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.TitleSlug != nil {
		add("title_slug", *upd.TitleSlug)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.StoragePrefix != nil {
		add("storage_prefix", *upd.StoragePrefix)
	}
	if upd.SourceExt != nil {
		add("source_ext", *upd.SourceExt)
	}
	if upd.AudioDurationSeconds != nil {
		add("audio_duration_seconds", *upd.AudioDurationSeconds)
	}
	if upd.Waveform != nil {
		v, err := upd.Waveform.Value()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("waveform = $%d::jsonb", len(args)))
	}
	if upd.WaveformResolution != nil {
		add("waveform_resolution", *upd.WaveformResolution)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE tracks SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), trackColumns)
	rec, err := scanTrack(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, ErrTrackNotFound
		case isUniqueViolation(err):
			return nil, ErrDuplicateSlug
		}
		return nil, fmt.Errorf("update track %s: %w", id, err)
	}
	return rec, nil
}

func (r *postgresTrackRepository) DeleteTrack(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrTrackNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM tracks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete track %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTrackNotFound
	}
	return nil
}

func (r *postgresTrackRepository) FindByOwnerAndSlug(ctx context.Context, ownerID, slug string) (*model.TrackRecord, error) {
	rec, err := scanTrack(r.pool.QueryRow(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE owner_id = $1 AND title_slug = $2`, ownerID, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTrackNotFound
		}
		return nil, fmt.Errorf("find track by slug: %w", err)
	}
	return rec, nil
}

func (r *postgresTrackRepository) ListVisible(ctx context.Context, ownerID string) ([]*model.TrackRecord, error) {
	return r.list(ctx, `SELECT `+trackColumns+` FROM tracks
		WHERE owner_id = $1 AND storage_prefix IS NOT NULL
		ORDER BY created_at DESC`, ownerID)
}

func (r *postgresTrackRepository) ListUnpublished(ctx context.Context, olderThan time.Time) ([]*model.TrackRecord, error) {
	return r.list(ctx, `SELECT `+trackColumns+` FROM tracks
		WHERE storage_prefix IS NULL AND created_at < $1
		ORDER BY created_at ASC`, olderThan)
}

func (r *postgresTrackRepository) list(ctx context.Context, query string, args ...any) ([]*model.TrackRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	defer rows.Close()

	tracks := make([]*model.TrackRecord, 0)
	for rows.Next() {
		rec, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		tracks = append(tracks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracks: %w", err)
	}
	return tracks, nil
}

func (r *postgresTrackRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
