package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-binary development
// without PostgreSQL.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int
	rows   map[int]DataSource
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, rows: make(map[int]DataSource)}
}

// List implements Store, newest first.
func (m *MemoryStore) List(_ context.Context) ([]DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DataSource, 0, len(m.rows))
	for _, src := range m.rows {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ListEnabled implements Store, in id order.
func (m *MemoryStore) ListEnabled(_ context.Context) ([]DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DataSource
	for _, src := range m.rows {
		if src.Enabled {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id int) (*DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &src, nil
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, in CreateInput) (*DataSource, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.rows {
		if src.Name == in.Name {
			return nil, fmt.Errorf("data source %q already exists", in.Name)
		}
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	cfg := in.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	now := time.Now().UTC()
	src := DataSource{
		ID:        m.nextID,
		Name:      in.Name,
		Type:      in.Type,
		Enabled:   enabled,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.nextID++
	m.rows[src.ID] = src
	return &src, nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, id int, in UpdateInput) (*DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if in.Name != nil {
		src.Name = *in.Name
	}
	if in.Enabled != nil {
		src.Enabled = *in.Enabled
	}
	if in.Config != nil {
		src.Config = in.Config
	}
	src.UpdatedAt = time.Now().UTC()
	m.rows[id] = src
	return &src, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	return nil
}
