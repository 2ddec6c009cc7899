package repository

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/t-kanstantsin/fileupload/internal/domain"
)

// ObjectInfo is the metadata a BlobStore reports for one key.
type ObjectInfo struct {
	Size       int64
	ModifiedAt time.Time
}

// BlobStore persists raw bytes by key. Stat and Open return an error
// wrapping domain.ErrNotExist for missing keys. Write must replace the
// object atomically: readers observe either the old or the new content.
type BlobStore interface {
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Write(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Exists reports whether key is present in store.
func Exists(ctx context.Context, store BlobStore, key string) (bool, error) {
	_, err := store.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadAll reads the whole object stored at key.
func ReadAll(ctx context.Context, store BlobStore, key string) ([]byte, error) {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}
