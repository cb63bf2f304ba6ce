package models

import "time"

// DefaultDimensions is the embedding length of the default provider model.
const DefaultDimensions = 1536

// UserEmbedding is the persisted taste profile, one per user.
type UserEmbedding struct {
	UserID    int64     `json:"user_id"`
	Vector    []float32 `json:"vector"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can blend without aliasing stored state.
func (e UserEmbedding) Clone() UserEmbedding {
	out := e
	if e.Vector != nil {
		out.Vector = make([]float32, len(e.Vector))
		copy(out.Vector, e.Vector)
	}
	return out
}
