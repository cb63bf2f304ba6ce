package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func validSearch(now time.Time) UpdateUserEmbeddingMessage {
	occurred := now.Add(-time.Minute)
	return UpdateUserEmbeddingMessage{
		UserID:       12345,
		EventType:    EventSearch,
		SearchPhrase: ptr("wireless headphones"),
		OccurredAt:   occurred,
		Metadata:     map[string]string{},
		MessageID:    MessageID(12345, EventSearch, "wireless headphones", 0, occurred),
	}
}

func TestMessageIDDeterministic(t *testing.T) {
	at := time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC)
	a := MessageID(42, EventProductPurchase, "", 7, at)
	b := MessageID(42, EventProductPurchase, "", 7, at.In(time.FixedZone("x", 3600)))
	require.Equal(t, a, b)
	require.Len(t, a, 64)
	require.NotEqual(t, a, MessageID(42, EventProductClick, "", 7, at))
}

func TestValidateAcceptsWellFormedMessages(t *testing.T) {
	now := time.Now()
	require.NoError(t, validSearch(now).Validate(4, now, time.Minute))

	occurred := now.Add(-time.Hour)
	purchase := UpdateUserEmbeddingMessage{
		UserID:     42,
		EventType:  EventProductPurchase,
		ProductID:  ptr(int64(7)),
		OccurredAt: occurred,
		MessageID:  MessageID(42, EventProductPurchase, "", 7, occurred),
	}
	require.NoError(t, purchase.Validate(4, now, time.Minute))
}

func TestValidateRejections(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		mutate func(m *UpdateUserEmbeddingMessage)
		field  string
	}{
		{"non-positive user", func(m *UpdateUserEmbeddingMessage) { m.UserID = 0 }, "userId"},
		{"unknown event", func(m *UpdateUserEmbeddingMessage) { m.EventType = "wishlist" }, "eventType"},
		{"blank phrase", func(m *UpdateUserEmbeddingMessage) { m.SearchPhrase = ptr("   ") }, "searchPhrase"},
		{"product on search", func(m *UpdateUserEmbeddingMessage) { m.ProductID = ptr(int64(3)) }, "productId"},
		{"far future", func(m *UpdateUserEmbeddingMessage) { m.OccurredAt = now.Add(time.Hour) }, "occurredAt"},
		{"short message id", func(m *UpdateUserEmbeddingMessage) { m.MessageID = "abc" }, "messageId"},
		{"non hex message id", func(m *UpdateUserEmbeddingMessage) { m.MessageID = strings.Repeat("z", 64) }, "messageId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validSearch(now)
			tc.mutate(&m)
			err := m.Validate(4, now, time.Minute)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, tc.field, verr.Field)
			require.True(t, IsUnrecoverable(err))
		})
	}
}

func TestValidateProductEventNeedsProduct(t *testing.T) {
	now := time.Now()
	m := UpdateUserEmbeddingMessage{
		UserID:     1,
		EventType:  EventProductView,
		OccurredAt: now,
		MessageID:  strings.Repeat("a", 64),
	}
	err := m.Validate(4, now, time.Minute)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "productId", verr.Field)
}

func TestValidateCarriedEmbeddingDimensions(t *testing.T) {
	now := time.Now()
	m := validSearch(now)
	m.EventEmbedding = []float32{1, 2, 3}
	err := m.Validate(4, now, time.Minute)
	require.ErrorIs(t, err, ErrDimensionMismatch)
	require.True(t, IsUnrecoverable(err))

	m.EventEmbedding = []float32{1, 2, 3, 4}
	require.NoError(t, m.Validate(4, now, time.Minute))
}

func TestEventWeightsOrdered(t *testing.T) {
	require.NoError(t, ValidateWeights())
	require.Greater(t, EventProductPurchase.Weight(), EventProductClick.Weight())
	require.Greater(t, EventProductClick.Weight(), EventProductView.Weight())
	require.Greater(t, EventProductView.Weight(), EventSearch.Weight())
	require.InDelta(t, 10, EventProductPurchase.Weight()/EventSearch.Weight(), 1e-9)

	_, err := ParseEventType("product_click")
	require.NoError(t, err)
	_, err = ParseEventType("nope")
	require.Error(t, err)
}

func TestFailedJobTransitions(t *testing.T) {
	require.True(t, CanTransition(FailedStatusFailed, FailedStatusRetrying))
	require.True(t, CanTransition(FailedStatusRetrying, FailedStatusResolved))
	require.True(t, CanTransition(FailedStatusRetrying, FailedStatusFailed))
	require.True(t, CanTransition(FailedStatusRetrying, FailedStatusAbandoned))
	require.False(t, CanTransition(FailedStatusFailed, FailedStatusResolved))
	require.False(t, CanTransition(FailedStatusAbandoned, FailedStatusRetrying))
	require.False(t, CanTransition(FailedStatusResolved, FailedStatusFailed))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, base.Add(time.Minute), NextRetryAfter(base, 0))
	require.Equal(t, base.Add(2*time.Hour), NextRetryAfter(base, 3))
	require.Equal(t, base.Add(24*time.Hour), NextRetryAfter(base, 12))
}
