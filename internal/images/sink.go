// Package images persists upstream-generated images to disk and hands back
// URLs the caller can fetch.
package images

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Sink stores one image and returns its public URL.
type Sink interface {
	SaveImage(data []byte, mimeType string) (string, error)
}

// DiskSink writes images under a directory served at baseURL.
type DiskSink struct {
	dir     string
	baseURL string
}

// NewDiskSink creates the image directory and returns the sink.
func NewDiskSink(dir, baseURL string) (*DiskSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &DiskSink{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the directory images are written to.
func (s *DiskSink) Dir() string { return s.dir }

// SaveImage writes the bytes and returns the serving URL.
func (s *DiskSink) SaveImage(data []byte, mimeType string) (string, error) {
	name := uuid.NewString() + extFor(mimeType)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	log.WithFields(log.Fields{"file": name, "bytes": len(data)}).Debug("images: saved")
	return s.baseURL + "/images/" + name, nil
}

// SaveBase64 decodes a base64 payload and stores it through the sink.
func SaveBase64(s Sink, b64, mimeType string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	return s.SaveImage(data, mimeType)
}

func extFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
