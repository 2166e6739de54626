package budget

import (
	"context"
	"sync"
)

// defaults applied to projects with no explicit limits.
const (
	defaultDailyLimitCents = 5_000
	defaultTotalLimitCents = 50_000
)

// MemoryStorage implements Storage in memory for tests and development.
type MemoryStorage struct {
	mu      sync.RWMutex
	budgets map[string]*Budget
	limits  map[string]struct{ daily, total int64 }
}

// NewMemoryStorage creates empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		budgets: make(map[string]*Budget),
		limits:  make(map[string]struct{ daily, total int64 }),
	}
}

// Get implements Storage. A missing project is not an error; the enforcer
// initializes it from Limits.
func (s *MemoryStorage) Get(ctx context.Context, projectID string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.budgets[projectID]; ok {
		val := *b
		return &val, nil
	}
	return nil, nil
}

// Set implements Storage.
func (s *MemoryStorage) Set(ctx context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *b
	s.budgets[b.ProjectID] = &val
	return nil
}

// Limits implements Storage.
func (s *MemoryStorage) Limits(ctx context.Context, projectID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.limits[projectID]; ok {
		return l.daily, l.total, nil
	}
	return defaultDailyLimitCents, defaultTotalLimitCents, nil
}

// SetLimits implements Storage.
func (s *MemoryStorage) SetLimits(ctx context.Context, projectID string, daily, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[projectID] = struct{ daily, total int64 }{daily, total}
	return nil
}
