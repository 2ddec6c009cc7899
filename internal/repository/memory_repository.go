package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/t-kanstantsin/fileupload/internal/domain"
)

type memoryObject struct {
	data       []byte
	modifiedAt time.Time
}

// MemoryRepository is a BlobStore kept in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
	writes  int
}

// NewMemoryRepository returns an empty store. now stamps written objects;
// nil selects time.Now.
func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		objects: make(map[string]memoryObject),
		now:     now,
	}
}

func (r *MemoryRepository) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	obj, ok := r.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("memory: %s: %w", key, domain.ErrNotExist)
	}
	return ObjectInfo{Size: int64(len(obj.data)), ModifiedAt: obj.modifiedAt}, nil
}

func (r *MemoryRepository) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	obj, ok := r.objects[key]
	if !ok {
		return nil, fmt.Errorf("memory: %s: %w", key, domain.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (r *MemoryRepository) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.objects[key] = memoryObject{
		data:       append([]byte(nil), data...),
		modifiedAt: r.now(),
	}
	r.writes++
	return nil
}

// Touch sets the modification time of key.
func (r *MemoryRepository) Touch(key string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if obj, ok := r.objects[key]; ok {
		obj.modifiedAt = at
		r.objects[key] = obj
	}
}

// Writes returns the number of Write calls so far.
func (r *MemoryRepository) Writes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writes
}

func (r *MemoryRepository) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.objects, key)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key := range r.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
