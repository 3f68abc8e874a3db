package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"workstream/items-api/domain"
)

// Memory is a process-local Store used for development and tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string]domain.Item
	now   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: map[string]domain.Item{}, now: time.Now}
}

func (m *Memory) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := it.Clone()
	return &c, nil
}

func (m *Memory) AddItem(ctx context.Context, rec domain.NewItemRecord) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := domain.Item{
		ID:         uuid.NewString(),
		Title:      rec.Title,
		Estimation: rec.Estimation,
		Priority:   rec.Priority,
		ParentID:   rec.ParentID,
		CreatedAt:  m.now().UTC(),
		StartedAt:  rec.StartedAt,
	}
	it = it.Clone()
	m.items[it.ID] = it
	c := it.Clone()
	return &c, nil
}

func (m *Memory) UpdateItem(ctx context.Context, id string, patch domain.ItemPatch) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	patch.Apply(&it)
	m.items[id] = it
	c := it.Clone()
	return &c, nil
}

func (m *Memory) DeleteItem(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *Memory) CountItemsWithParent(ctx context.Context, parentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, it := range m.items {
		if it.ParentID != nil && *it.ParentID == parentID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FindFirstByPriorityAsc(ctx context.Context, parentID *string) (*domain.Item, error) {
	items, _ := m.ListItems(ctx, domain.ListFilter{ParentID: parentID})
	return firstOf(items), nil
}

func (m *Memory) FindLastByPriorityDesc(ctx context.Context, parentID *string) (*domain.Item, error) {
	items, _ := m.ListItems(ctx, domain.ListFilter{ParentID: parentID})
	return lastOf(items), nil
}

func (m *Memory) ListItems(ctx context.Context, filter domain.ListFilter) ([]domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Item, 0, len(m.items))
	for _, it := range m.items {
		if filter.Matches(&it) {
			out = append(out, it.Clone())
		}
	}
	domain.SortItems(out)
	return out, nil
}

func firstOf(items []domain.Item) *domain.Item {
	if len(items) == 0 {
		return nil
	}
	return &items[0]
}

func lastOf(items []domain.Item) *domain.Item {
	if len(items) == 0 {
		return nil
	}
	return &items[len(items)-1]
}
