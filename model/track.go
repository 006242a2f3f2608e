package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// MaxTitleColumn is the width of the title column, in characters.
// The gorm tag below and db/migrations use the same value.
const MaxTitleColumn = 125

// TrackRecord is the persisted metadata for one ingested track.
// StoragePrefix stays nil until the transcoded audio has been written;
// a nil prefix marks an upload that never completed.
type TrackRecord struct {
	ID                   string    `json:"id" gorm:"primaryKey;size:36"`
	OwnerID              string    `json:"ownerId" gorm:"size:64;not null;uniqueIndex:idx_owner_slug,priority:1"`
	Title                string    `json:"title" gorm:"size:125;not null"`
	TitleSlug            string    `json:"titleSlug" gorm:"size:255;not null;uniqueIndex:idx_owner_slug,priority:2"`
	Description          string    `json:"description" gorm:"type:text"`
	StoragePrefix        *string   `json:"storagePrefix,omitempty" gorm:"size:255;index"`
	SourceExt            string    `json:"-" gorm:"size:16"`
	AudioDurationSeconds int       `json:"audioDurationSeconds" gorm:"not null;default:0"`
	Waveform             Waveform  `json:"waveform" gorm:"type:json"`
	WaveformResolution   int       `json:"waveformResolution" gorm:"not null;default:0"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (TrackRecord) TableName() string {
	return "tracks"
}

// Published reports whether the track's audio has been stored.
func (t *TrackRecord) Published() bool {
	return t.StoragePrefix != nil && *t.StoragePrefix != ""
}

// Waveform is a normalized amplitude envelope stored as a JSON array.
type Waveform []float64

// Scan 实现 sql.Scanner 接口
func (w *Waveform) Scan(value interface{}) error {
	if value == nil {
		*w = Waveform{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported waveform column type %T", value)
	}
	if len(raw) == 0 {
		*w = Waveform{}
		return nil
	}
	var peaks []float64
	if err := json.Unmarshal(raw, &peaks); err != nil {
		return fmt.Errorf("decode waveform: %w", err)
	}
	*w = peaks
	return nil
}

// Value 实现 driver.Valuer 接口
func (w Waveform) Value() (driver.Value, error) {
	if w == nil {
		return "[]", nil
	}
	raw, err := json.Marshal([]float64(w))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// UploadRequest is a single audio upload as received from the caller.
type UploadRequest struct {
	OwnerID        string
	Title          string
	Description    string
	Source         []byte
	SourceFilename string
}

// TrackUpdate carries a partial update; nil fields are left untouched.
type TrackUpdate struct {
	Title                *string
	TitleSlug            *string
	Description          *string
	StoragePrefix        *string
	SourceExt            *string
	AudioDurationSeconds *int
	Waveform             *Waveform
	WaveformResolution   *int
}

// Empty reports whether the update changes nothing.
func (u TrackUpdate) Empty() bool {
	return u.Title == nil && u.TitleSlug == nil && u.Description == nil &&
		u.StoragePrefix == nil && u.SourceExt == nil && u.AudioDurationSeconds == nil &&
		u.Waveform == nil && u.WaveformResolution == nil
}

// Apply copies the non-nil fields onto t.
func (u TrackUpdate) Apply(t *TrackRecord) {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.TitleSlug != nil {
		t.TitleSlug = *u.TitleSlug
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.StoragePrefix != nil {
		p := *u.StoragePrefix
		t.StoragePrefix = &p
	}
	if u.SourceExt != nil {
		t.SourceExt = *u.SourceExt
	}
	if u.AudioDurationSeconds != nil {
		t.AudioDurationSeconds = *u.AudioDurationSeconds
	}
	if u.Waveform != nil {
		t.Waveform = append(Waveform{}, (*u.Waveform)...)
	}
	if u.WaveformResolution != nil {
		t.WaveformResolution = *u.WaveformResolution
	}
}

const (
	originalDir   = "orig"
	transcodedDir = "320"
)

// StoragePrefix locates a track's audio under the blob store:
// {ownerId}/audio/{trackId}.
type StoragePrefix string

// NewStoragePrefix builds the prefix for a track.
func NewStoragePrefix(ownerID, trackID string) StoragePrefix {
	return StoragePrefix(path.Join(ownerID, "audio", trackID))
}

// PrefixOf returns the stored prefix of t, or the prefix it would have had.
func PrefixOf(t *TrackRecord) StoragePrefix {
	if t.Published() {
		return StoragePrefix(*t.StoragePrefix)
	}
	return NewStoragePrefix(t.OwnerID, t.ID)
}

func (p StoragePrefix) String() string { return string(p) }

// OriginalDir is the directory holding the verbatim upload, with trailing slash.
func (p StoragePrefix) OriginalDir() string {
	return path.Join(string(p), originalDir) + "/"
}

// TranscodedDir is the directory holding the canonical MP3, with trailing slash.
func (p StoragePrefix) TranscodedDir() string {
	return path.Join(string(p), transcodedDir) + "/"
}

// OriginalKey is orig/{trackId}{ext}.
func (p StoragePrefix) OriginalKey(trackID, ext string) string {
	return path.Join(string(p), originalDir, trackID+ext)
}

// TranscodedKey is 320/{trackId}.mp3.
func (p StoragePrefix) TranscodedKey(trackID string) string {
	return path.Join(string(p), transcodedDir, trackID+".mp3")
}
