package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t-kanstantsin/fileupload/internal/domain"
	"github.com/t-kanstantsin/fileupload/internal/service"
)

type Handler struct {
	service       service.AssetService
	maxUploadSize int64
	log           *zap.Logger
}

func NewHandler(service service.AssetService, maxUploadSize int64, log *zap.Logger) *Handler {
	return &Handler{
		service:       service,
		maxUploadSize: maxUploadSize,
		log:           log,
	}
}

func (h *Handler) UploadSource(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		h.log.Error("Failed to get file from form", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}

	if h.maxUploadSize > 0 && file.Size > h.maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File too large"})
		return
	}

	f, err := file.Open()
	if err != nil {
		h.log.Error("Failed to open file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process file"})
		return
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		h.log.Error("Failed to read file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
		return
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(path.Ext(file.Filename)))
	}

	upload, err := h.service.Upload(c.Request.Context(), buf, file.Filename, contentType)
	if err != nil {
		h.fail(c, "Failed to upload file", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "File uploaded successfully",
		"file":    upload,
	})
}

func (h *Handler) ReplaceSource(c *gin.Context) {
	key := sourceKey(c)

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, h.limit()))
	if err != nil {
		h.log.Error("Failed to read body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	if err := h.service.Replace(c.Request.Context(), key, data); err != nil {
		h.fail(c, "Failed to replace file", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "File replaced successfully", "key": key})
}

func (h *Handler) ListSources(c *gin.Context) {
	keys, err := h.service.ListSources(c.Request.Context())
	if err != nil {
		h.fail(c, "Failed to list files", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"files": keys})
}

func (h *Handler) ListFormats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"formats": h.service.Formats()})
}

// ServeDerived streams the derived file, generating it when needed.
func (h *Handler) ServeDerived(c *gin.Context) {
	key := sourceKey(c)
	formatName := c.Param("format")

	rc, derived, err := h.service.Open(c.Request.Context(), key, formatName)
	if err != nil {
		h.fail(c, "Failed to derive file", err)
		return
	}
	if rc == nil {
		status := http.StatusUnprocessableEntity
		if derived.Event == domain.EventNotFound.String() {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "No derived file available", "derived": derived})
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(derived.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("X-Cache-Event", derived.Event)
	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}

func (h *Handler) WarmSource(c *gin.Context) {
	key := sourceKey(c)

	results, err := h.service.Warm(c.Request.Context(), key)
	if err != nil {
		h.fail(c, "Failed to warm file", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"derived": results})
}

func (h *Handler) InvalidateSource(c *gin.Context) {
	key := sourceKey(c)

	if err := h.service.Invalidate(c.Request.Context(), key); err != nil {
		h.fail(c, "Failed to invalidate file", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Derived files invalidated", "key": key})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidUpload):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownFormat),
		errors.Is(err, domain.ErrSourceNotFound),
		errors.Is(err, domain.ErrNotExist):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		h.log.Error(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg, "details": err.Error()})
}

func (h *Handler) limit() int64 {
	if h.maxUploadSize > 0 {
		return h.maxUploadSize
	}
	return 10 << 20
}

// sourceKey extracts the *key wildcard without its leading slash.
func sourceKey(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("key"), "/")
}
