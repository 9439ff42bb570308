package bus

import (
	"context"
	"sync"

	"github.com/MissPeppermintPatty/taskolib"
)

// MemMessageStore is a thread-safe in-memory message store. Runs are kept in
// the order they first appear.
type MemMessageStore struct {
	mu    sync.RWMutex
	order []string
	runs  map[string][]taskolib.Message
}

// NewMemMessageStore creates an empty in-memory message store.
func NewMemMessageStore() *MemMessageStore {
	return &MemMessageStore{
		runs: make(map[string][]taskolib.Message),
	}
}

func (s *MemMessageStore) Append(_ context.Context, m taskolib.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.runs[m.RunID]; !seen {
		s.order = append(s.order, m.RunID)
	}
	s.runs[m.RunID] = append(s.runs[m.RunID], m)
	return nil
}

func (s *MemMessageStore) History(_ context.Context, runID string) ([]taskolib.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.runs[runID]
	out := make([]taskolib.Message, len(history))
	copy(out, history)
	return out, nil
}

func (s *MemMessageStore) Tail(_ context.Context, runID string, afterSeq uint64, limit int) ([]taskolib.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []taskolib.Message
	for _, m := range s.runs[runID] {
		if m.Seq <= afterSeq {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemMessageStore) Runs(_ context.Context) ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]RunSummary, 0, len(s.order))
	for _, runID := range s.order {
		summaries = append(summaries, summarizeRun(runID, s.runs[runID]))
	}
	return summaries, nil
}

// Compile-time interface check.
var _ MessageStore = (*MemMessageStore)(nil)
