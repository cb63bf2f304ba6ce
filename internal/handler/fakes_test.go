package handler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"embedding-updater/internal/models"
	"embedding-updater/internal/store"
)

// memStore is a compare-and-swap profile store that records processed message ids in the same
// critical section as the write.
type memStore struct {
	mu       sync.Mutex
	profiles map[int64]models.UserEmbedding
	applied  map[string]bool
	writes   int
	findErr  error
	// beforeUpsert runs outside the lock before each conditional write.
	beforeUpsert func(s *memStore, userID int64)
}

func newMemStore() *memStore {
	return &memStore{profiles: map[int64]models.UserEmbedding{}, applied: map[string]bool{}}
}

func (s *memStore) FindByUserID(_ context.Context, userID int64) (models.UserEmbedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return models.UserEmbedding{}, s.findErr
	}
	emb, ok := s.profiles[userID]
	if !ok {
		return models.UserEmbedding{}, store.ErrNotFound
	}
	return emb.Clone(), nil
}

func (s *memStore) UpsertWithVersionCheck(_ context.Context, emb models.UserEmbedding, expected int64, messageID string) (models.UserEmbedding, error) {
	if s.beforeUpsert != nil {
		s.beforeUpsert(s, emb.UserID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID != "" && s.applied[messageID] {
		return models.UserEmbedding{}, store.ErrAlreadyApplied
	}
	cur, ok := s.profiles[emb.UserID]
	switch {
	case expected == 0 && ok, expected != 0 && (!ok || cur.Version != expected):
		return models.UserEmbedding{}, store.ErrVersionConflict
	}
	out := emb.Clone()
	out.Version = expected + 1
	out.CreatedAt = cur.CreatedAt
	if !ok {
		out.CreatedAt = emb.UpdatedAt
	}
	s.profiles[emb.UserID] = out
	if messageID != "" {
		s.applied[messageID] = true
	}
	s.writes++
	return out.Clone(), nil
}

// put stores a profile directly, as another worker would.
func (s *memStore) put(emb models.UserEmbedding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[emb.UserID] = emb.Clone()
}

func (s *memStore) get(userID int64) (models.UserEmbedding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	emb, ok := s.profiles[userID]
	return emb.Clone(), ok
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fakeProvider struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   []string
}

func (p *fakeProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, text)
	if p.err != nil {
		return nil, p.err
	}
	v, ok := p.vectors[text]
	if !ok {
		return []float32{0.25, 0.25, 0.25, 0.25}, nil
	}
	return append([]float32(nil), v...), nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeCatalog map[int64][]float32

func (c fakeCatalog) ProductEmbedding(_ context.Context, productID int64) ([]float32, error) {
	v, ok := c[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

type fakeMonitor struct {
	mu        sync.Mutex
	successes int
	failures  []string
}

func (m *fakeMonitor) RecordSuccess() {
	m.mu.Lock()
	m.successes++
	m.mu.Unlock()
}

func (m *fakeMonitor) RecordFailure(reason string, _ ...zap.Field) {
	m.mu.Lock()
	m.failures = append(m.failures, reason)
	m.mu.Unlock()
}

type fakeRecorder struct {
	jobs []models.FailedJob
}

func (r *fakeRecorder) RecordFailedJob(_ context.Context, job models.FailedJob) (models.FailedJob, error) {
	job.ID = "job-1"
	r.jobs = append(r.jobs, job)
	return job, nil
}
