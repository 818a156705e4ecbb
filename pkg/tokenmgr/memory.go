package tokenmgr

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory TokenStore with proactive refresh
// scheduling backed by a single timer.
type MemoryStore struct {
	mu    sync.Mutex
	token *TokenData
	timer *time.Timer
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the stored token, or ErrNoToken.
func (s *MemoryStore) Load(_ context.Context) (*TokenData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return nil, ErrNoToken
	}
	copied := *s.token
	return &copied, nil
}

// Save overwrites the stored token.
func (s *MemoryStore) Save(_ context.Context, token *TokenData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *token
	s.token = &copied
	return nil
}

// Clear removes the stored token.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	return nil
}

// ScheduleRefresh arranges for fn to run at the given time, replacing
// any previously scheduled callback.
func (s *MemoryStore) ScheduleRefresh(at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(time.Until(at), fn)
}

// CancelRefresh cancels the pending callback, if any.
func (s *MemoryStore) CancelRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Verify interface compliance.
var (
	_ TokenStore       = (*MemoryStore)(nil)
	_ RefreshScheduler = (*MemoryStore)(nil)
)
