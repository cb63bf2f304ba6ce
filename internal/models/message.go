package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrValidation marks a message that can never be processed and must not be retried.
	ErrValidation = errors.New("invalid message")
	// ErrDimensionMismatch marks a vector whose length differs from the provider dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// ValidationError names the field and rule that rejected a message.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Rule)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// UpdateUserEmbeddingMessage is the queue payload produced for every trackable user action.
type UpdateUserEmbeddingMessage struct {
	UserID         int64             `json:"userId"`
	EventType      EventType         `json:"eventType"`
	SearchPhrase   *string           `json:"searchPhrase"`
	ProductID      *int64            `json:"productId"`
	OccurredAt     time.Time         `json:"occurredAt"`
	Metadata       map[string]string `json:"metadata"`
	MessageID      string            `json:"messageId"`
	EventEmbedding []float32         `json:"eventEmbedding,omitempty"`
}

// MessageID derives the idempotency key from the natural key of an event.
func MessageID(userID int64, eventType EventType, searchPhrase string, productID int64, occurredAt time.Time) string {
	subject := searchPhrase
	if eventType.RequiresProductID() {
		subject = strconv.FormatInt(productID, 10)
	}
	key := strings.Join([]string{
		strconv.FormatInt(userID, 10),
		string(eventType),
		subject,
		occurredAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Phrase returns the search phrase or "" when absent.
func (m UpdateUserEmbeddingMessage) Phrase() string {
	if m.SearchPhrase == nil {
		return ""
	}
	return *m.SearchPhrase
}

// Product returns the product id or 0 when absent.
func (m UpdateUserEmbeddingMessage) Product() int64 {
	if m.ProductID == nil {
		return 0
	}
	return *m.ProductID
}

// Validate checks structural rules. dimensions applies to a carried event embedding; maxSkew bounds
// how far occurredAt may lie ahead of now.
func (m UpdateUserEmbeddingMessage) Validate(dimensions int, now time.Time, maxSkew time.Duration) error {
	if m.UserID <= 0 {
		return &ValidationError{Field: "userId", Rule: "must be positive"}
	}
	if !m.EventType.Valid() {
		return &ValidationError{Field: "eventType", Rule: fmt.Sprintf("unknown value %q", m.EventType)}
	}
	if m.EventType.RequiresSearchPhrase() && strings.TrimSpace(m.Phrase()) == "" {
		return &ValidationError{Field: "searchPhrase", Rule: "required for search events"}
	}
	if !m.EventType.RequiresSearchPhrase() && m.SearchPhrase != nil {
		return &ValidationError{Field: "searchPhrase", Rule: "only allowed for search events"}
	}
	if m.EventType.RequiresProductID() && m.ProductID == nil {
		return &ValidationError{Field: "productId", Rule: fmt.Sprintf("required for %s events", m.EventType)}
	}
	if !m.EventType.RequiresProductID() && m.ProductID != nil {
		return &ValidationError{Field: "productId", Rule: "only allowed for product events"}
	}
	if m.ProductID != nil && *m.ProductID <= 0 {
		return &ValidationError{Field: "productId", Rule: "must be positive"}
	}
	if m.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurredAt", Rule: "required"}
	}
	if m.OccurredAt.After(now.Add(maxSkew)) {
		return &ValidationError{Field: "occurredAt", Rule: fmt.Sprintf("more than %s in the future", maxSkew)}
	}
	if !isHex64(m.MessageID) {
		return &ValidationError{Field: "messageId", Rule: "must be 64 hex characters"}
	}
	if m.EventEmbedding != nil {
		if err := CheckDimensions(m.EventEmbedding, dimensions); err != nil {
			return fmt.Errorf("eventEmbedding: %w", err)
		}
	}
	return nil
}

// CheckDimensions returns ErrDimensionMismatch when len(v) != want.
func CheckDimensions(v []float32, want int) error {
	if len(v) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), want)
	}
	return nil
}

// IsUnrecoverable reports whether err means the message can never succeed.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrDimensionMismatch)
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
