package domain

import (
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrInvalidConfig marks configuration errors. They are fatal and never retried.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrSourceNotFound is returned by a pipeline when the source file is absent.
	ErrSourceNotFound = errors.New("source not found")
	// ErrNotExist is returned by blob stores for missing keys.
	ErrNotExist = errors.New("object does not exist")
	// ErrEmptyContent is returned when a pipeline produced zero bytes.
	ErrEmptyContent = errors.New("empty content")
	// ErrUnknownFormat is returned for format names missing from the catalog.
	ErrUnknownFormat = errors.New("unknown format")
	// ErrInvalidUpload is returned for rejected uploads.
	ErrInvalidUpload = errors.New("invalid upload")
)

// SourceFile is the canonical uploaded file derived assets are produced from.
type SourceFile struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
	Extension string    `json:"extension,omitempty"`
	Size      int64     `json:"size"`
}

// NewSourceFile builds a SourceFile, taking the extension from the key.
func NewSourceFile(key string, updatedAt time.Time, size int64) SourceFile {
	return SourceFile{
		Key:       key,
		UpdatedAt: updatedAt,
		Extension: ExtensionOf(key),
		Size:      size,
	}
}

// ExtensionOf returns the lowercase extension of key without the dot, or "".
func ExtensionOf(key string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
}

// Event is the terminal outcome of one save attempt.
type Event int

const (
	EventError Event = iota
	EventCached
	EventEmpty
	EventNotFound
)

func (e Event) String() string {
	switch e {
	case EventCached:
		return "cached"
	case EventEmpty:
		return "empty"
	case EventNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// OK reports whether a valid, non-empty derived asset exists after the save.
func (e Event) OK() bool {
	return e == EventCached
}

// Derived describes the outcome of deriving one format of one source.
type Derived struct {
	SourceKey string    `json:"source_key"`
	Format    string    `json:"format"`
	Path      string    `json:"path"`
	Event     string    `json:"event"`
	Cached    bool      `json:"cached"`
	CachedAt  time.Time `json:"cached_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Upload is a stored source file returned to API clients.
type Upload struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	StoragePath  string    `json:"storage_path"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	UploadedAt   time.Time `json:"uploaded_at"`
}
