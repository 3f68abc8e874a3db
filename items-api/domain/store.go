package domain

import "context"

// Store defines the persistence operations the items service relies on.
// Implementations return ErrNotFound for missing ids and wrap every other
// backend failure with Unavailable.
type Store interface {
	GetItem(ctx context.Context, id string) (*Item, error)
	AddItem(ctx context.Context, rec NewItemRecord) (*Item, error)
	UpdateItem(ctx context.Context, id string, patch ItemPatch) (*Item, error)
	DeleteItem(ctx context.Context, id string) error
	CountItemsWithParent(ctx context.Context, parentID string) (int, error)
	// FindFirstByPriorityAsc returns the first item of a sibling context, or
	// nil when the context is empty. A nil parentID selects root items.
	FindFirstByPriorityAsc(ctx context.Context, parentID *string) (*Item, error)
	// FindLastByPriorityDesc returns the last item of a sibling context, or
	// nil when the context is empty.
	FindLastByPriorityDesc(ctx context.Context, parentID *string) (*Item, error)
	ListItems(ctx context.Context, filter ListFilter) ([]Item, error)
}

// ListFilter selects either every item or one sibling context.
type ListFilter struct {
	All      bool
	ParentID *string
}

// AllItems selects every item regardless of parent.
func AllItems() ListFilter {
	return ListFilter{All: true}
}

// Roots selects items without a parent.
func Roots() ListFilter {
	return ListFilter{}
}

// ChildrenOf selects the sibling context under parentID.
func ChildrenOf(parentID string) ListFilter {
	return ListFilter{ParentID: &parentID}
}

// Matches reports whether it passes the filter.
func (f ListFilter) Matches(it *Item) bool {
	return f.All || it.InContext(f.ParentID)
}

// Key renders the filter for cache keys.
func (f ListFilter) Key() string {
	if f.All {
		return "all"
	}
	return ParentKey(f.ParentID)
}
