// Package storage provides key-addressed blob storage for track audio.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get and Delete when the key does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrListUnsupported is returned by List on backends that cannot enumerate keys.
	ErrListUnsupported = errors.New("blob listing not supported")
)

// BlobStore is byte storage addressed by slash-separated keys.
type BlobStore interface {
	// Put stores data under key, replacing any previous value, and returns the stored key.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// ObjectLister is implemented by stores that can report object sizes.
type ObjectLister interface {
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ContentTypeFor guesses a MIME type from a key's extension.
func ContentTypeFor(key string) string {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "application/octet-stream"
	}
	switch strings.ToLower(key[i:]) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".aac":
		return "audio/aac"
	case ".ogg", ".oga":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

func cleanKey(key string) string {
	return strings.TrimLeft(key, "/")
}
