// Package results holds the committed outputs of succeeded jobs for a
// bounded retention window.
package results

import (
	"sync"
	"time"

	"go-pointcloud-pipeline/internal/errors"
	"go-pointcloud-pipeline/internal/model"
)

// entry is immutable once stored. A nil result marks a tombstone left by
// eviction.
type entry struct {
	result    *model.Result
	expiresAt time.Time
}

// Store maps job ids to results. Reads check expiry by timestamp, so an
// expired result is never returned even before the sweeper removes it.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]entry
	retention time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store keeping results for retention.
func New(retention time.Duration, opts ...Option) *Store {
	s := &Store{
		entries:   make(map[string]entry),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Put stores the result of jobID. A job's result can only be put once.
func (s *Store) Put(jobID string, result *model.Result) error {
	if result == nil {
		return errors.Newf("nil result for job %s", jobID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[jobID]; exists {
		return errors.Newf("result for job %s already stored", jobID)
	}
	s.entries[jobID] = entry{result: result, expiresAt: s.now().Add(s.retention)}
	return nil
}

// Get returns the result of jobID, ErrExpired once its retention window
// elapsed, or ErrNotFound when nothing was ever stored (or the tombstone
// itself has gone).
func (s *Store) Get(jobID string) (*model.Result, error) {
	s.mu.RLock()
	e, ok := s.entries[jobID]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "result %s", jobID)
	}
	if e.result == nil || !s.now().Before(e.expiresAt) {
		return nil, errors.Wrapf(errors.ErrExpired, "result %s", jobID)
	}
	return e.result, nil
}

// Delete evicts the result of jobID and reports whether one was present.
// Later reads return ErrNotFound.
func (s *Store) Delete(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok || e.result == nil {
		return false
	}
	delete(s.entries, jobID)
	return true
}

// EvictExpired drops the data of expired results, leaving a tombstone for
// one more retention window, and removes tombstones older than that. It
// returns the number of results evicted.
func (s *Store) EvictExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		if now.Before(e.expiresAt) {
			continue
		}
		if e.result == nil {
			delete(s.entries, id)
			continue
		}
		s.entries[id] = entry{expiresAt: e.expiresAt.Add(s.retention)}
		evicted++
	}
	return evicted
}

// Len returns the number of live (unexpired) results.
func (s *Store) Len() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.result != nil && now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}
