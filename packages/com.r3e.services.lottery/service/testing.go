package lottery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// MemoryStore provides an in-memory implementation of Store for testing.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[uint64]RoundResult
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[uint64]RoundResult)}
}

func (s *MemoryStore) RecordResult(ctx context.Context, result RoundResult) (RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[result.Round]; ok {
		return RoundResult{}, fmt.Errorf("result for round %d already recorded", result.Round)
	}
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.SettledAt.IsZero() {
		result.SettledAt = time.Now().UTC()
	}
	result = cloneResult(result)
	s.results[result.Round] = result
	return cloneResult(result), nil
}

func (s *MemoryStore) GetResult(ctx context.Context, round uint64) (RoundResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[round]
	if !ok {
		return RoundResult{}, fmt.Errorf("%w: round %d", ErrResultNotFound, round)
	}
	return cloneResult(result), nil
}

func (s *MemoryStore) ListResults(ctx context.Context, limit int) ([]RoundResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RoundResult, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, cloneResult(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round > out[j].Round })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneResult(r RoundResult) RoundResult {
	if r.Prize != nil {
		r.Prize = new(uint256.Int).Set(r.Prize)
	}
	if r.Randomness != nil {
		r.Randomness = new(uint256.Int).Set(r.Randomness)
	}
	return r
}

// FailingStore rejects every write. Useful to check that history failures
// do not undo a payout.
type FailingStore struct {
	MemoryStore
	Err error
}

func (s *FailingStore) RecordResult(ctx context.Context, result RoundResult) (RoundResult, error) {
	return RoundResult{}, s.Err
}

// EventRecorder collects published events.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *EventRecorder) Publish(ctx context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *EventRecorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
