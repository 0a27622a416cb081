package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/courier/envelope"
)

type memRow struct {
	seq int64
	rec Record
}

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	rows    map[string]*memRow
	metrics map[[2]string]*Metric
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[string]*memRow),
		metrics: make(map[[2]string]*Metric),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Save(_ context.Context, env *envelope.Envelope, state State) error {
	if !state.Valid() {
		return fmt.Errorf("save message %s: unknown state %q", env.ID, state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[env.ID]; ok {
		return fmt.Errorf("message %s: %w", env.ID, ErrDuplicate)
	}
	m.seq++
	cp := *env
	now := time.Now().UTC()
	m.rows[env.ID] = &memRow{
		seq: m.seq,
		rec: Record{Envelope: &cp, State: state, CreatedAt: now, UpdatedAt: now},
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	rec, err := m.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Envelope, nil
}

func (m *MemoryStore) Record(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	rec := row.rec
	env := *rec.Envelope
	rec.Envelope = &env
	return &rec, nil
}

func (m *MemoryStore) Pending(_ context.Context, recipient string) ([]*envelope.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.match(func(r *memRow) bool {
		return r.rec.Envelope.Recipient == recipient && r.rec.State == StatePending
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return envelopes(rows, 0), nil
}

func (m *MemoryStore) UpdateState(_ context.Context, id string, state State, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if !CanTransition(row.rec.State, state) {
		return fmt.Errorf("message %s %s -> %s: %w", id, row.rec.State, state, ErrIllegalTransition)
	}
	row.rec.State = state
	if retryCount >= 0 {
		row.rec.RetryCount = retryCount
	}
	row.rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id string, maxRetries int) (State, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return "", 0, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if row.rec.State != StatePending {
		return row.rec.State, row.rec.RetryCount, fmt.Errorf("message %s is %s: %w", id, row.rec.State, ErrIllegalTransition)
	}
	row.rec.RetryCount++
	if row.rec.RetryCount > maxRetries {
		row.rec.State = StateFailed
	}
	row.rec.UpdatedAt = time.Now().UTC()
	return row.rec.State, row.rec.RetryCount, nil
}

func (m *MemoryStore) RetryCount(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if row, ok := m.rows[id]; ok {
		return row.rec.RetryCount, nil
	}
	return 0, nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]*envelope.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.match(func(r *memRow) bool {
		env := r.rec.Envelope
		if f.Sender != "" && env.Sender != f.Sender {
			return false
		}
		if f.Recipient != "" && env.Recipient != f.Recipient {
			return false
		}
		return inWindow(env, f.Window)
	})
	return newestFirst(rows, f.Limit), nil
}

func (m *MemoryStore) Conversation(_ context.Context, a, b string, w Window) ([]*envelope.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.match(func(r *memRow) bool {
		env := r.rec.Envelope
		pair := (env.Sender == a && env.Recipient == b) || (env.Sender == b && env.Recipient == a)
		return pair && inWindow(env, w)
	})
	return newestFirst(rows, w.Limit), nil
}

func (m *MemoryStore) Cleanup(_ context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, row := range m.rows {
		if row.rec.State == StateProcessed && row.rec.Envelope.Timestamp.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RecordMetric(_ context.Context, agent, name string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{agent, name}
	met, ok := m.metrics[key]
	if !ok {
		met = &Metric{Agent: agent, Name: name}
		m.metrics[key] = met
	}
	met.Value += delta
	met.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Metrics(_ context.Context, agent string) ([]Metric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Metric
	for _, met := range m.metrics {
		if agent == "" || met.Agent == agent {
			out = append(out, *met)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Agent != out[j].Agent {
			return out[i].Agent < out[j].Agent
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// match must be called with m.mu held.
func (m *MemoryStore) match(keep func(*memRow) bool) []*memRow {
	var out []*memRow
	for _, r := range m.rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func inWindow(env *envelope.Envelope, w Window) bool {
	if !w.Start.IsZero() && env.Timestamp.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && env.Timestamp.After(w.End) {
		return false
	}
	return true
}

func newestFirst(rows []*memRow, limit int) []*envelope.Envelope {
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := rows[i].rec.Envelope.Timestamp, rows[j].rec.Envelope.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return rows[i].seq > rows[j].seq
	})
	return envelopes(rows, limit)
}

func envelopes(rows []*memRow, limit int) []*envelope.Envelope {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*envelope.Envelope, 0, len(rows))
	for _, r := range rows {
		env := *r.rec.Envelope
		out = append(out, &env)
	}
	return out
}
