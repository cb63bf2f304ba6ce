package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"embedding-updater/internal/models"
)

// FindByUserID loads a user's profile or returns ErrNotFound.
func (s *Store) FindByUserID(ctx context.Context, userID int64) (models.UserEmbedding, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, embedding::text, version, created_at, updated_at
		FROM user_embeddings WHERE user_id = $1
	`, userID)

	var emb models.UserEmbedding
	var raw string
	if err := row.Scan(&emb.UserID, &raw, &emb.Version, &emb.CreatedAt, &emb.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UserEmbedding{}, ErrNotFound
		}
		return models.UserEmbedding{}, fmt.Errorf("scan user embedding: %w", err)
	}
	vec, err := parseVector(raw)
	if err != nil {
		return models.UserEmbedding{}, fmt.Errorf("user %d: %w", userID, err)
	}
	emb.Vector = vec
	return emb, nil
}

// UpsertWithVersionCheck writes emb only if the stored version still equals expectedVersion
// (0 meaning "no row yet") and bumps the version by one in the same statement. When messageID is
// set it is recorded in processed_messages in the same transaction; a message that was already
// recorded returns ErrAlreadyApplied and leaves the profile untouched.
func (s *Store) UpsertWithVersionCheck(ctx context.Context, emb models.UserEmbedding, expectedVersion int64, messageID string) (models.UserEmbedding, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.UserEmbedding{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if messageID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO processed_messages (message_id, user_id, processed_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (message_id) DO NOTHING
		`, messageID, emb.UserID)
		if err != nil {
			return models.UserEmbedding{}, fmt.Errorf("record processed message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.UserEmbedding{}, ErrAlreadyApplied
		}
	}

	updatedAt := emb.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	vec := pgvector.NewVector(emb.Vector).String()

	var row pgx.Row
	if expectedVersion == 0 {
		row = tx.QueryRow(ctx, `
			INSERT INTO user_embeddings (user_id, embedding, version, created_at, updated_at)
			VALUES ($1, $2::vector, 1, $3, $3)
			ON CONFLICT (user_id) DO NOTHING
			RETURNING version, created_at, updated_at
		`, emb.UserID, vec, updatedAt)
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE user_embeddings
			SET embedding = $2::vector, version = version + 1, updated_at = $3
			WHERE user_id = $1 AND version = $4
			RETURNING version, created_at, updated_at
		`, emb.UserID, vec, updatedAt, expectedVersion)
	}

	out := models.UserEmbedding{UserID: emb.UserID, Vector: emb.Vector}
	if err := row.Scan(&out.Version, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UserEmbedding{}, ErrVersionConflict
		}
		return models.UserEmbedding{}, fmt.Errorf("write user embedding: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.UserEmbedding{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Delete removes a user's profile and its processed message ids. Only the retention process calls it.
func (s *Store) Delete(ctx context.Context, userID int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_embeddings WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete user embedding: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM processed_messages WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete processed messages: %w", err)
	}
	return tx.Commit(ctx)
}

// MessageApplied reports whether messageID was committed by an earlier delivery.
func (s *Store) MessageApplied(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_messages WHERE message_id = $1)
	`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query processed message: %w", err)
	}
	return exists, nil
}

// ProductEmbedding returns the catalogued embedding for a product or ErrNotFound.
func (s *Store) ProductEmbedding(ctx context.Context, productID int64) ([]float32, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `
		SELECT embedding::text FROM product_embeddings WHERE product_id = $1
	`, productID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product embedding: %w", err)
	}
	vec, err := parseVector(raw)
	if err != nil {
		return nil, fmt.Errorf("product %d: %w", productID, err)
	}
	return vec, nil
}

// SaveProductEmbedding stores a catalogue embedding, replacing any previous one.
func (s *Store) SaveProductEmbedding(ctx context.Context, productID int64, vector []float32) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO product_embeddings (product_id, embedding, updated_at)
		VALUES ($1, $2::vector, NOW())
		ON CONFLICT (product_id) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at
	`, productID, pgvector.NewVector(vector).String())
	return err
}

func parseVector(raw string) ([]float32, error) {
	var vec pgvector.Vector
	if err := vec.Scan(raw); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return vec.Slice(), nil
}
