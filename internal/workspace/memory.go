package workspace

import (
	"context"
	"sync"
)

// Memory is a process-local Backend. It backs tests and `workspace.driver: memory`.
type Memory struct {
	mu      sync.Mutex
	seq     int64
	records map[string][]Record
	keys    map[Key]struct{}
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string][]Record),
		keys:    make(map[Key]struct{}),
	}
}

func (m *Memory) Insert(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[rec.Key]; ok {
		return false, nil
	}
	m.seq++
	rec.Seq = m.seq
	m.keys[rec.Key] = struct{}{}
	m.records[rec.RunID] = append(m.records[rec.RunID], rec)
	return true, nil
}

func (m *Memory) Has(_ context.Context, key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *Memory) MaxGeneration(_ context.Context, runID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[runID]
	if len(recs) == 0 {
		return 0, false, nil
	}
	max := 0
	for _, r := range recs {
		if r.Generation > max {
			max = r.Generation
		}
	}
	return max, true, nil
}

func (m *Memory) Records(_ context.Context, runID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records[runID]))
	copy(out, m.records[runID])
	return out, nil
}

func (m *Memory) LatestState(_ context.Context, runID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[runID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Kind == KindState {
			r := recs[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (m *Memory) Runs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for id := range m.records {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
