package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trackingest/model"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormTrackRepository GORM 实现，支持 MySQL 与 SQLite
type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository 创建 GORM track 仓库
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

// isDuplicateKey recognizes unique violations from either dialect.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

func (r *gormTrackRepository) CreateTrack(ctx context.Context, ownerID, title, titleSlug, description string) (*model.TrackRecord, error) {
	rec := newRecord(uuid.NewString(), ownerID, title, titleSlug, description, time.Now().UTC())
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, ErrDuplicateSlug
		}
		return nil, fmt.Errorf("create track: %w", err)
	}
	return rec, nil
}

func (r *gormTrackRepository) GetTrack(ctx context.Context, id string) (*model.TrackRecord, error) {
	var rec model.TrackRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrackNotFound
		}
		return nil, fmt.Errorf("get track %s: %w", id, err)
	}
	return &rec, nil
}

func (r *gormTrackRepository) UpdateTrack(ctx context.Context, id string, upd model.TrackUpdate) (*model.TrackRecord, error) {
	var rec model.TrackRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
			return err
		}
		upd.Apply(&rec)
		rec.UpdatedAt = time.Now().UTC()
		return tx.Save(&rec).Error
	})
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nil, ErrTrackNotFound
		case isDuplicateKey(err):
			return nil, ErrDuplicateSlug
		}
		return nil, fmt.Errorf("update track %s: %w", id, err)
	}
	return &rec, nil
}

func (r *gormTrackRepository) DeleteTrack(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.TrackRecord{})
	if result.Error != nil {
		return fmt.Errorf("delete track %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTrackNotFound
	}
	return nil
}

func (r *gormTrackRepository) FindByOwnerAndSlug(ctx context.Context, ownerID, slug string) (*model.TrackRecord, error) {
	var rec model.TrackRecord
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND title_slug = ?", ownerID, slug).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrackNotFound
		}
		return nil, fmt.Errorf("find track by slug: %w", err)
	}
	return &rec, nil
}

func (r *gormTrackRepository) ListVisible(ctx context.Context, ownerID string) ([]*model.TrackRecord, error) {
	tracks := make([]*model.TrackRecord, 0)
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND storage_prefix IS NOT NULL", ownerID).
		Order("created_at DESC").
		Find(&tracks).Error
	if err != nil {
		return nil, fmt.Errorf("list tracks for %s: %w", ownerID, err)
	}
	return tracks, nil
}

func (r *gormTrackRepository) ListUnpublished(ctx context.Context, olderThan time.Time) ([]*model.TrackRecord, error) {
	tracks := make([]*model.TrackRecord, 0)
	err := r.db.WithContext(ctx).
		Where("storage_prefix IS NULL AND created_at < ?", olderThan.UTC()).
		Order("created_at ASC").
		Find(&tracks).Error
	if err != nil {
		return nil, fmt.Errorf("list unpublished tracks: %w", err)
	}
	return tracks, nil
}

func (r *gormTrackRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
