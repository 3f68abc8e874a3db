package sequencer

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"workstream/items-api/domain"
)

// CountStore is the slice of domain.Store a Recounter needs.
type CountStore interface {
	CountItemsWithParent(ctx context.Context, parentID string) (int, error)
	UpdateItem(ctx context.Context, id string, patch domain.ItemPatch) (*domain.Item, error)
}

// RecountError reports a children count that could not be refreshed. When it
// follows a structural write, that write has already landed.
type RecountError struct {
	ParentID string
	Err      error
}

func (e *RecountError) Error() string {
	return fmt.Sprintf("recount children of %s: %v", e.ParentID, e.Err)
}

func (e *RecountError) Unwrap() error {
	return e.Err
}

// Recounter recomputes a parent's cached children count with one count read
// and one write. The read and the write are not atomic: a structural change
// landing between them can leave the count stale until the next recount.
type Recounter struct {
	store  CountStore
	logger *log.Logger
}

// NewRecounter creates a Recounter over store.
func NewRecounter(store CountStore, logger *log.Logger) *Recounter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Recounter{store: store, logger: logger}
}

// RecomputeChildrenCount counts the items under parentID and persists the
// result on the parent. A failed write is returned as is; the count read
// before it is not rolled back or retried.
func (r *Recounter) RecomputeChildrenCount(ctx context.Context, parentID string) (int, error) {
	n, err := r.store.CountItemsWithParent(ctx, parentID)
	if err != nil {
		return 0, &RecountError{ParentID: parentID, Err: fmt.Errorf("count: %w", err)}
	}
	if _, err := r.store.UpdateItem(ctx, parentID, domain.ItemPatch{ChildrenCount: &n}); err != nil {
		return n, &RecountError{ParentID: parentID, Err: fmt.Errorf("store count: %w", err)}
	}
	r.logger.WithFields(log.Fields{"parent_id": parentID, "children_count": n}).Debug("children count recomputed")
	return n, nil
}
