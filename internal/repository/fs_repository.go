package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/t-kanstantsin/fileupload/internal/domain"
)

// fsRepository stores objects on the local filesystem. It is intended for
// development and single-node deployments without an object store.
type fsRepository struct {
	basePath string
	log      *zap.Logger
}

// NewFSRepository initializes a filesystem BlobStore rooted at basePath.
func NewFSRepository(basePath string, log *zap.Logger) (BlobStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("storage: base path is required: %w", domain.ErrInvalidConfig)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}

	log.Info("Filesystem storage ready", zap.String("base_path", basePath))

	return &fsRepository{basePath: basePath, log: log}, nil
}

func (r *fsRepository) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	full, err := r.fullPath(ctx, key)
	if err != nil {
		return ObjectInfo{}, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return ObjectInfo{}, wrapNotExist(key, err)
	}
	if info.IsDir() {
		return ObjectInfo{}, fmt.Errorf("storage: %s is a directory: %w", key, domain.ErrNotExist)
	}

	return ObjectInfo{Size: info.Size(), ModifiedAt: info.ModTime()}, nil
}

func (r *fsRepository) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := r.fullPath(ctx, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, wrapNotExist(key, err)
	}

	return f, nil
}

// Write stores data through a temporary file renamed over the target, so a
// concurrent reader never observes a partially written object.
func (r *fsRepository) Write(ctx context.Context, key string, data []byte) error {
	full, err := r.fullPath(ctx, key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: ensure directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(full)+"-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: close file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: chmod file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		r.log.Error("Failed to replace file",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("storage: rename file: %w", err)
	}

	r.log.Debug("File written",
		zap.String("key", key),
		zap.Int("size", len(data)))

	return nil
}

func (r *fsRepository) Delete(ctx context.Context, key string) error {
	full, err := r.fullPath(ctx, key)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete file: %w", err)
	}

	return nil
}

func (r *fsRepository) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(r.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(r.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list files: %w", err)
	}

	sort.Strings(keys)

	return keys, nil
}

func (r *fsRepository) fullPath(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.basePath, filepath.FromSlash(cleanKey)), nil
}

func wrapNotExist(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: %s: %w", key, domain.ErrNotExist)
	}
	return fmt.Errorf("storage: %s: %w", key, err)
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
