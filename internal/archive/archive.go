// Package archive exports failed-job snapshots as JSON lines to object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	json "github.com/goccy/go-json"

	"embedding-updater/internal/models"
)

// JobLister reads failed jobs by status.
type JobLister interface {
	FailedJobsByStatus(ctx context.Context, status string, limit int) ([]models.FailedJob, error)
}

// Uploader stores one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter writes failed jobs of one status as a single JSON-lines object.
type Exporter struct {
	jobs     JobLister
	uploader Uploader
	limit    int
	now      func() time.Time
}

func NewExporter(jobs JobLister, uploader Uploader, limit int) *Exporter {
	if limit <= 0 {
		limit = 10000
	}
	return &Exporter{jobs: jobs, uploader: uploader, limit: limit, now: time.Now}
}

// Export uploads every job with status under failed-jobs/<status>/<timestamp>.jsonl. Records are
// copied, never removed.
func (e *Exporter) Export(ctx context.Context, status string) (string, int, error) {
	if !slices.Contains(models.FailedJobStatuses(), status) {
		return "", 0, fmt.Errorf("unknown failed job status %q", status)
	}
	jobs, err := e.jobs.FailedJobsByStatus(ctx, status, e.limit)
	if err != nil {
		return "", 0, fmt.Errorf("list %s jobs: %w", status, err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			return "", 0, fmt.Errorf("encode job %s: %w", job.ID, err)
		}
	}
	key := fmt.Sprintf("failed-jobs/%s/%s.jsonl", status, e.now().UTC().Format("20060102T150405Z"))
	location, err := e.uploader.Upload(ctx, key, buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return "", 0, err
	}
	return location, len(jobs), nil
}
