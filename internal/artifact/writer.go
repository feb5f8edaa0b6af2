// Package artifact persists task result sets as CSV blobs.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/JakeFAU/jobsearch-crawler/internal/listing"
	"github.com/JakeFAU/jobsearch-crawler/internal/task"
)

// BlobStore is the storage backend for artifacts. Open must return an error
// wrapping fs.ErrNotExist for unknown paths.
type BlobStore interface {
	Put(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// Writer encodes records to CSV and stores them under a prefix.
type Writer struct {
	blobs  BlobStore
	prefix string
}

// NewWriter builds a Writer. An empty prefix stores artifacts at the root.
func NewWriter(blobs BlobStore, prefix string) *Writer {
	return &Writer{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

// FileName is the download name of a task's artifact.
func FileName(taskID string) string {
	return "jobs_" + taskID + ".csv"
}

// Path returns the object path of a task's artifact.
func (w *Writer) Path(taskID string) string {
	return path.Join(w.prefix, taskID, FileName(taskID))
}

// Write encodes records and uploads them.
func (w *Writer) Write(ctx context.Context, taskID string, records []listing.Record) (task.Artifact, error) {
	if strings.TrimSpace(taskID) == "" {
		return task.Artifact{}, errors.New("task id is required")
	}
	var buf bytes.Buffer
	if err := listing.WriteCSV(&buf, records); err != nil {
		return task.Artifact{}, fmt.Errorf("encode csv: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	size := int64(buf.Len())
	objectPath := w.Path(taskID)
	uri, err := w.blobs.Put(ctx, objectPath, listing.ContentType, &buf)
	if err != nil {
		return task.Artifact{}, fmt.Errorf("store artifact %s: %w", objectPath, err)
	}
	return task.Artifact{
		URI:      uri,
		Path:     objectPath,
		Checksum: hex.EncodeToString(sum[:]),
		Size:     size,
	}, nil
}

// Open returns the stored CSV for path.
func (w *Writer) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	rc, err := w.blobs.Open(ctx, objectPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", task.ErrArtifactMissing, objectPath)
		}
		return nil, fmt.Errorf("open artifact %s: %w", objectPath, err)
	}
	return rc, nil
}
