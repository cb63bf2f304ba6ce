package archive

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"embedding-updater/internal/models"
)

type listerFunc func(status string, limit int) ([]models.FailedJob, error)

func (f listerFunc) FailedJobsByStatus(_ context.Context, status string, limit int) ([]models.FailedJob, error) {
	return f(status, limit)
}

func TestExportWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	jobs := []models.FailedJob{
		{ID: "1", SubjectID: "s1", Operation: models.OperationUpdateUserEmbedding, Status: models.FailedStatusAbandoned, Payload: []byte(`{"userId":1}`)},
		{ID: "2", SubjectID: "s2", Operation: models.OperationUpdateUserEmbedding, Status: models.FailedStatusAbandoned, Payload: []byte(`{"userId":2}`)},
	}
	var gotLimit int
	e := NewExporter(listerFunc(func(status string, limit int) ([]models.FailedJob, error) {
		require.Equal(t, models.FailedStatusAbandoned, status)
		gotLimit = limit
		return jobs, nil
	}), NewLocalUploader(dir), 500)
	e.now = func() time.Time { return time.Date(2026, 7, 4, 1, 2, 3, 0, time.UTC) }

	location, n, err := e.Export(context.Background(), models.FailedStatusAbandoned)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 500, gotLimit)
	require.Equal(t, filepath.Join(dir, "failed-jobs", "abandoned", "20260704T010203Z.jsonl"), location)

	raw, err := os.ReadFile(location)
	require.NoError(t, err)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	var decoded []models.FailedJob
	for scanner.Scan() {
		var job models.FailedJob
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &job))
		decoded = append(decoded, job)
	}
	require.Len(t, decoded, 2)
	require.Equal(t, "s2", decoded[1].SubjectID)
	require.JSONEq(t, `{"userId":2}`, string(decoded[1].Payload))
}

func TestExportRejectsUnknownStatus(t *testing.T) {
	e := NewExporter(listerFunc(func(string, int) ([]models.FailedJob, error) {
		t.Fatal("should not list")
		return nil, nil
	}), NewLocalUploader(t.TempDir()), 0)
	_, _, err := e.Export(context.Background(), "pending")
	require.Error(t, err)
}

func TestLocalUploaderKeepsKeysInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	path, err := NewLocalUploader(dir).Upload(context.Background(), "../../escape.jsonl", []byte("x"), "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "escape.jsonl"), path)
}
