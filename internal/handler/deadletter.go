package handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"embedding-updater/internal/models"
)

// DeadLetterRecord describes a message the consumer gave up on.
type DeadLetterRecord struct {
	MessageID  string
	Payload    []byte
	Err        error
	Deliveries int
	Reason     string
	// Unrecoverable marks messages that can never succeed, such as malformed payloads.
	Unrecoverable bool
}

// RecordDeadLetter persists a FailedJob for a dead-lettered message. Recoverable failures are due for
// replay after the first retry interval; unrecoverable ones are stored abandoned and never replayed.
func (h *Handler) RecordDeadLetter(ctx context.Context, rec DeadLetterRecord) (models.FailedJob, error) {
	if h.deps.FailedJobs == nil {
		return models.FailedJob{}, errors.New("no failed job recorder configured")
	}
	subject := rec.MessageID
	if subject == "" {
		sum := sha256.Sum256(rec.Payload)
		subject = hex.EncodeToString(sum[:])
	}
	now := h.now().UTC()
	msg := rec.Reason
	if rec.Err != nil {
		msg = rec.Err.Error()
	}
	status, retryAfter := models.FailedStatusFailed, models.NextRetryAfter(now, 0)
	if rec.Unrecoverable || models.IsUnrecoverable(rec.Err) {
		status, retryAfter = models.FailedStatusAbandoned, now
	}
	payload := rec.Payload
	if !json.Valid(payload) {
		// Keep undecodable payloads as a JSON string so they still fit the jsonb column.
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return models.FailedJob{}, fmt.Errorf("encode payload snapshot: %w", err)
		}
		payload = quoted
	}
	job, err := h.deps.FailedJobs.RecordFailedJob(ctx, models.FailedJob{
		SubjectID:    subject,
		Operation:    models.OperationUpdateUserEmbedding,
		ErrorMessage: msg,
		ErrorTrace:   errorTrace(rec),
		Payload:      payload,
		Status:       status,
		FailedAt:     now,
		RetryAfter:   retryAfter,
	})
	if err != nil {
		return models.FailedJob{}, fmt.Errorf("record dead letter %s: %w", subject, err)
	}
	h.logger.Info("failed job recorded",
		zap.String("failed_job_id", job.ID),
		zap.String("message_id", subject),
		zap.String("reason", rec.Reason),
		zap.String("status", job.Status),
		zap.Int("deliveries", rec.Deliveries),
		zap.Time("retry_after", job.RetryAfter),
	)
	return job, nil
}

// errorTrace flattens the wrapped error chain, one cause per line.
func errorTrace(rec DeadLetterRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "reason=%s deliveries=%d at=%s\n", rec.Reason, rec.Deliveries, time.Now().UTC().Format(time.RFC3339))
	queue := []error{rec.Err}
	for len(queue) > 0 {
		err := queue[0]
		queue = queue[1:]
		if err == nil {
			continue
		}
		fmt.Fprintf(&b, "%T: %s\n", err, err.Error())
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			queue = append(queue, u.Unwrap()...)
		case interface{ Unwrap() error }:
			queue = append(queue, u.Unwrap())
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
