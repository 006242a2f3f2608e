package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	objects  map[string]memoryObject
	canList  bool
	failPuts map[string]error
	failDels map[string]error
}

// NewMemoryStore returns an empty store that supports listing.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), canList: true}
}

// NewUnlistableMemoryStore returns a store whose List always fails with ErrListUnsupported.
func NewUnlistableMemoryStore() *MemoryStore {
	s := NewMemoryStore()
	s.canList = false
	return s
}

// FailPut makes Put return err for keys containing substr.
func (s *MemoryStore) FailPut(substr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPuts == nil {
		s.failPuts = make(map[string]error)
	}
	s.failPuts[substr] = err
}

// FailDelete makes Delete return err for keys containing substr.
func (s *MemoryStore) FailDelete(substr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDels == nil {
		s.failDels = make(map[string]error)
	}
	s.failDels[substr] = err
}

func injected(rules map[string]error, key string) error {
	for substr, err := range rules {
		if strings.Contains(key, substr) {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key = cleanKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := injected(s.failPuts, key); err != nil {
		return "", err
	}
	s.objects[key] = memoryObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		modified:    time.Now(),
	}
	return key, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[cleanKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	key = cleanKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := injected(s.failDels, key); err != nil {
		return err
	}
	if _, ok := s.objects[key]; !ok {
		return ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[cleanKey(key)]
	return ok, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if !s.canList {
		return nil, ErrListUnsupported
	}
	objs, err := s.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.Key
	}
	return keys, nil
}

func (s *MemoryStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if !s.canList {
		return nil, ErrListUnsupported
	}
	prefix = cleanKey(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectInfo
	for k, o := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(o.data)), LastModified: o.modified, ContentType: o.contentType})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Keys returns every stored key, sorted, regardless of listing support.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len reports how many blobs are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
