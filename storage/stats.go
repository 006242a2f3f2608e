package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// BucketStats 存储统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
	// SizeByExt maps a lowercase extension ("" for none) to total bytes.
	SizeByExt map[string]int64
	// SizeByOwner maps the first key segment to total bytes.
	SizeByOwner map[string]int64
}

// Stats lists objects under prefix and aggregates their sizes.
// Stores that cannot report sizes are listed with zero sizes.
func Stats(ctx context.Context, store BlobStore, prefix string) ([]ObjectInfo, *BucketStats, error) {
	var objects []ObjectInfo
	if ol, ok := store.(ObjectLister); ok {
		objs, err := ol.ListObjects(ctx, prefix)
		if err != nil {
			return nil, nil, err
		}
		objects = objs
	} else {
		keys, err := store.List(ctx, prefix)
		if err != nil {
			return nil, nil, err
		}
		for _, k := range keys {
			objects = append(objects, ObjectInfo{Key: k, ContentType: ContentTypeFor(k)})
		}
	}

	stats := &BucketStats{
		SizeByExt:   make(map[string]int64),
		SizeByOwner: make(map[string]int64),
	}
	for _, obj := range objects {
		stats.TotalObjects++
		stats.TotalSize += obj.Size
		if obj.LastModified.After(stats.LastModified) {
			stats.LastModified = obj.LastModified
		}
		stats.SizeByExt[strings.ToLower(path.Ext(obj.Key))] += obj.Size
		owner, _, _ := strings.Cut(obj.Key, "/")
		stats.SizeByOwner[owner] += obj.Size
	}
	return objects, stats, nil
}

// DeletePrefix removes every object under prefix and returns how many were deleted.
// Objects that vanish concurrently are not counted as failures.
func DeletePrefix(ctx context.Context, store BlobStore, prefix string) (int, error) {
	if strings.Trim(prefix, "/") == "" {
		return 0, fmt.Errorf("refusing to delete an empty prefix")
	}
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	var errs []error
	for _, k := range keys {
		if err := store.Delete(ctx, k); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// Dirs returns the distinct directory prefixes of keys, sorted.
func Dirs(keys []string) []string {
	seen := make(map[string]bool)
	for _, k := range keys {
		for d := path.Dir(k); d != "." && d != "/" && !seen[d]; d = path.Dir(d) {
			seen[d] = true
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
