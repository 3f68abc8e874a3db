// Package sequencer computes fractional priorities for inserting and moving
// items within a sibling context and keeps cached children counts in sync.
//
// Priorities are plain float64 midpoints. Repeated insertion into the same
// gap halves the remaining spacing each time; no renumbering is performed.
// Two neighbors with equal priorities yield that same priority for the new
// item, which then ties with both and falls back to the creation-time/id
// tie break.
package sequencer

import "workstream/items-api/domain"

// InsertionPriority returns the priority for a new item placed between
// previous and next. Either neighbor may be nil.
func InsertionPriority(previous, next *domain.Item) float64 {
	switch {
	case previous != nil && next != nil:
		return (previous.Priority + next.Priority) / 2
	case previous != nil:
		return previous.Priority + 1
	case next != nil:
		return next.Priority - 1
	default:
		return 0
	}
}

// MovePriority returns the priority for an existing item relocated between
// previous and next. Callers must not pass the moved item as its own neighbor.
func MovePriority(previous, next *domain.Item) float64 {
	return InsertionPriority(previous, next)
}

// Placement is the outcome of a reparent: the item's new priority and
// parent, plus the parents whose children count must be recomputed.
type Placement struct {
	Priority float64
	ParentID *string
	Recount  []string
}

// ParentChanged reports whether the placement moves the item to another
// sibling context.
func (p Placement) ParentChanged(item *domain.Item) bool {
	return !domain.SameParent(item.ParentID, p.ParentID)
}

// Reparent places item between previous and next under newParentID. The old
// parent and the new parent are scheduled for a recount only when they
// differ; the item itself never is.
func Reparent(item *domain.Item, newParentID *string, previous, next *domain.Item) Placement {
	p := Placement{
		Priority: MovePriority(previous, next),
		ParentID: newParentID,
	}
	if domain.SameParent(item.ParentID, newParentID) {
		return p
	}
	if item.ParentID != nil {
		p.Recount = append(p.Recount, *item.ParentID)
	}
	if newParentID != nil {
		p.Recount = append(p.Recount, *newParentID)
	}
	return p
}
