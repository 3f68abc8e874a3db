// Package items orchestrates item writes: it resolves referenced items,
// asks the sequencer for a placement, persists the result and keeps cached
// children counts in step.
package items

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"workstream/items-api/domain"
	"workstream/items-api/sequencer"
)

const tracerName = "workstream/items"

// Publisher receives change events after writes land.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// Service implements the item operations on top of a domain.Store.
type Service struct {
	store     domain.Store
	recounter *sequencer.Recounter
	publisher Publisher
	logger    *log.Logger
	now       func() time.Time
}

// NewService wires a Service. publisher may be nil.
func NewService(store domain.Store, publisher Publisher, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		store:     store,
		recounter: sequencer.NewRecounter(store, logger),
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// NewItem is the input of Create.
type NewItem struct {
	Title      string
	Estimation domain.Estimation
	// Priority is used only when no neighbor is given.
	Priority   *float64
	PreviousID *string
	NextID     *string
	ParentID   *string
	StartedAt  *time.Time
}

// Changes is the input of Update. Nil fields are left untouched.
type Changes struct {
	Title      *string
	Estimation *domain.Estimation
	Priority   *float64
	StartedAt  domain.OptionalTime
	Parent     domain.OptionalString
}

// MoveRequest places an item between two siblings, optionally under a new
// parent. Parent.Set with a nil Value moves the item to the root context.
type MoveRequest struct {
	PreviousID *string
	NextID     *string
	Parent     domain.OptionalString
}

// RecountResult reports a children count repaired by RecountAll.
type RecountResult struct {
	ID     string `json:"id"`
	Before int    `json:"before"`
	After  int    `json:"after"`
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, id string) (_ *domain.Item, err error) {
	ctx, span := s.startSpan(ctx, "items.Get", attribute.String("item.id", id))
	defer func() { finishSpan(span, err) }()
	return s.store.GetItem(ctx, id)
}

// List returns the items selected by filter in sibling order.
func (s *Service) List(ctx context.Context, filter domain.ListFilter) (_ []domain.Item, err error) {
	ctx, span := s.startSpan(ctx, "items.List", attribute.String("items.filter", filter.Key()))
	defer func() { finishSpan(span, err) }()
	items, err := s.store.ListItems(ctx, filter)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("items.returned", len(items)))
	return items, nil
}

// Create inserts a new item. With neighbors it lands between them; without,
// it takes the explicit priority or is appended to its sibling context.
func (s *Service) Create(ctx context.Context, in NewItem) (_ *domain.Item, err error) {
	ctx, span := s.startSpan(ctx, "items.Create")
	defer func() { finishSpan(span, err) }()

	title, err := domain.ValidateTitle(in.Title)
	if err != nil {
		return nil, err
	}
	if err := in.Estimation.Validate(); err != nil {
		return nil, err
	}
	if err := validatePriority(in.Priority); err != nil {
		return nil, err
	}

	prev, err := s.resolveRef(ctx, "previousId", in.PreviousID)
	if err != nil {
		return nil, err
	}
	next, err := s.resolveRef(ctx, "nextId", in.NextID)
	if err != nil {
		return nil, err
	}
	parent, err := s.resolveRef(ctx, "parentId", in.ParentID)
	if err != nil {
		return nil, err
	}

	var parentID *string
	switch {
	case parent != nil:
		parentID = domain.StringPtr(parent.ID)
	case prev != nil:
		parentID = prev.ParentID
	case next != nil:
		parentID = next.ParentID
	}
	if err := checkNeighbors(parentID, prev, next); err != nil {
		return nil, err
	}

	var priority float64
	switch {
	case prev != nil || next != nil:
		priority = sequencer.InsertionPriority(prev, next)
	case in.Priority != nil:
		priority = *in.Priority
	default:
		last, err := s.store.FindLastByPriorityDesc(ctx, parentID)
		if err != nil {
			return nil, err
		}
		priority = sequencer.InsertionPriority(last, nil)
	}

	it, err := s.store.AddItem(ctx, domain.NewItemRecord{
		Title:      title,
		Estimation: in.Estimation,
		Priority:   priority,
		ParentID:   parentID,
		StartedAt:  in.StartedAt,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("item.id", it.ID), attribute.Float64("item.priority", it.Priority))
	s.logger.WithFields(log.Fields{"item_id": it.ID, "parent_id": parentKey(parentID), "priority": it.Priority}).Debug("item created")

	var recountErr error
	if parentID != nil {
		recountErr = s.recountParent(ctx, *parentID)
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventItemCreated, ItemID: it.ID, ParentID: it.ParentID, Item: it})
	if recountErr != nil {
		return it, recountErr
	}
	return it, nil
}

// Update applies field changes. A parent change is carried out as a move to
// the end of the new sibling context before the other fields are written,
// so an explicit priority in the same request wins.
func (s *Service) Update(ctx context.Context, id string, ch Changes) (_ *domain.Item, err error) {
	ctx, span := s.startSpan(ctx, "items.Update", attribute.String("item.id", id))
	defer func() { finishSpan(span, err) }()

	patch := domain.ItemPatch{Priority: ch.Priority, StartedAt: ch.StartedAt}
	if ch.Title != nil {
		title, err := domain.ValidateTitle(*ch.Title)
		if err != nil {
			return nil, err
		}
		patch.Title = &title
	}
	if ch.Estimation != nil {
		if err := ch.Estimation.Validate(); err != nil {
			return nil, err
		}
		patch.Estimation = ch.Estimation
	}
	if err := validatePriority(ch.Priority); err != nil {
		return nil, err
	}

	current, err := s.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	// A moved item comes back together with any recount failure; the move
	// has landed either way.
	var recountErr error
	if ch.Parent.Set && !domain.SameParent(current.ParentID, ch.Parent.Value) {
		moved, err := s.Move(ctx, id, MoveRequest{Parent: ch.Parent})
		if moved == nil {
			return nil, err
		}
		current, recountErr = moved, err
	}
	if patch.IsEmpty() {
		return current, recountErr
	}

	updated, err := s.store.UpdateItem(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("item_id", id).Debug("item updated")
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventItemUpdated, ItemID: id, ParentID: updated.ParentID, Item: updated})
	return updated, recountErr
}

// Move repositions an item between neighbors, possibly under a new parent.
// Neighbors are never written; only the moved item and the affected
// parents' children counts change.
func (s *Service) Move(ctx context.Context, id string, req MoveRequest) (_ *domain.Item, err error) {
	ctx, span := s.startSpan(ctx, "items.Move", attribute.String("item.id", id))
	defer func() { finishSpan(span, err) }()

	it, err := s.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	prev, err := s.resolveRef(ctx, "previousId", dropSelf(req.PreviousID, id))
	if err != nil {
		return nil, err
	}
	next, err := s.resolveRef(ctx, "nextId", dropSelf(req.NextID, id))
	if err != nil {
		return nil, err
	}

	var target *string
	switch {
	case req.Parent.Set:
		target = req.Parent.Value
	case prev != nil:
		target = prev.ParentID
	case next != nil:
		target = next.ParentID
	default:
		target = it.ParentID
	}
	if target != nil {
		if err := s.checkParent(ctx, id, *target, req.Parent.Set); err != nil {
			return nil, err
		}
	}
	if err := checkNeighbors(target, prev, next); err != nil {
		return nil, err
	}
	if prev == nil && next == nil {
		prev, err = s.lastSiblingExcept(ctx, target, id)
		if err != nil {
			return nil, err
		}
	}

	placement := sequencer.Reparent(it, target, prev, next)
	patch := domain.ItemPatch{Priority: &placement.Priority}
	if placement.ParentChanged(it) {
		patch.Parent = domain.OptionalString{Set: true, Value: placement.ParentID}
	}
	updated, err := s.store.UpdateItem(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Float64("item.priority", placement.Priority), attribute.Int("items.recounted", len(placement.Recount)))
	s.logger.WithFields(log.Fields{
		"item_id":   id,
		"parent_id": parentKey(placement.ParentID),
		"priority":  placement.Priority,
		"recount":   len(placement.Recount),
	}).Debug("item moved")

	var recountErr error
	for _, pid := range placement.Recount {
		if err := s.recountParent(ctx, pid); err != nil {
			recountErr = errors.Join(recountErr, err)
		}
	}
	ev := domain.ChangeEvent{Type: domain.EventItemMoved, ItemID: id, ParentID: updated.ParentID, Item: updated}
	if placement.ParentChanged(it) {
		ev.PreviousParentID = it.ParentID
	}
	s.publish(ctx, ev)
	if recountErr != nil {
		return updated, recountErr
	}
	return updated, nil
}

// Delete removes an item. Its children are left in place with a parentId
// that no longer resolves.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	ctx, span := s.startSpan(ctx, "items.Delete", attribute.String("item.id", id))
	defer func() { finishSpan(span, err) }()

	it, err := s.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	s.logger.WithFields(log.Fields{"item_id": id, "parent_id": parentKey(it.ParentID)}).Debug("item deleted")

	var recountErr error
	if it.ParentID != nil {
		recountErr = s.recountParent(ctx, *it.ParentID)
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventItemDeleted, ItemID: id, ParentID: it.ParentID})
	return recountErr
}

// MarkFiltered stamps lastFilteredAt with the current time.
func (s *Service) MarkFiltered(ctx context.Context, id string) (_ *domain.Item, err error) {
	ctx, span := s.startSpan(ctx, "items.MarkFiltered", attribute.String("item.id", id))
	defer func() { finishSpan(span, err) }()

	it, err := s.store.UpdateItem(ctx, id, domain.ItemPatch{LastFilteredAt: domain.SetTime(s.now().UTC())})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventItemFiltered, ItemID: id, ParentID: it.ParentID, Item: it})
	return it, nil
}

// RecountChildren recomputes the cached children count of one item.
func (s *Service) RecountChildren(ctx context.Context, id string) (_ int, err error) {
	ctx, span := s.startSpan(ctx, "items.RecountChildren", attribute.String("item.id", id))
	defer func() { finishSpan(span, err) }()

	if _, err := s.store.GetItem(ctx, id); err != nil {
		return 0, err
	}
	n, err := s.recounter.RecomputeChildrenCount(ctx, id)
	if err != nil {
		return n, err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventItemRecount, ItemID: id})
	return n, nil
}

// RecountAll repairs every cached children count that disagrees with the
// items currently stored and reports the ones it changed.
func (s *Service) RecountAll(ctx context.Context) (_ []RecountResult, err error) {
	ctx, span := s.startSpan(ctx, "items.RecountAll")
	defer func() { finishSpan(span, err) }()

	all, err := s.store.ListItems(ctx, domain.AllItems())
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(all))
	for _, it := range all {
		if it.ParentID != nil {
			counts[*it.ParentID]++
		}
	}
	var repaired []RecountResult
	for _, it := range all {
		want := counts[it.ID]
		if it.ChildrenCount == want {
			continue
		}
		if _, err := s.store.UpdateItem(ctx, it.ID, domain.ItemPatch{ChildrenCount: &want}); err != nil {
			return repaired, err
		}
		repaired = append(repaired, RecountResult{ID: it.ID, Before: it.ChildrenCount, After: want})
		s.publish(ctx, domain.ChangeEvent{Type: domain.EventItemRecount, ItemID: it.ID})
	}
	span.SetAttributes(attribute.Int("items.scanned", len(all)), attribute.Int("items.repaired", len(repaired)))
	s.logger.WithFields(log.Fields{"scanned": len(all), "repaired": len(repaired)}).Info("children counts repaired")
	return repaired, nil
}

// resolveRef loads a referenced item. A nil id resolves to nil.
func (s *Service) resolveRef(ctx context.Context, field string, id *string) (*domain.Item, error) {
	if id == nil {
		return nil, nil
	}
	it, err := s.store.GetItem(ctx, *id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.ReferenceNotFoundError{Field: field, ID: *id}
	}
	return it, err
}

// checkParent rejects parents that sit below the item being moved. A parent
// the caller named must exist; one inherited from the item or its neighbors
// may already be deleted, leaving orphans that can still be reordered.
func (s *Service) checkParent(ctx context.Context, id, parentID string, requested bool) error {
	if parentID == id {
		return fmt.Errorf("%w: %s cannot be its own parent", domain.ErrParentCycle, id)
	}
	cur, err := s.store.GetItem(ctx, parentID)
	if errors.Is(err, domain.ErrNotFound) {
		if requested {
			return &domain.ReferenceNotFoundError{Field: "parentId", ID: parentID}
		}
		return nil
	}
	if err != nil {
		return err
	}
	seen := map[string]bool{cur.ID: true}
	for cur.ParentID != nil {
		ancestor := *cur.ParentID
		if ancestor == id {
			return fmt.Errorf("%w: %s is a descendant of %s", domain.ErrParentCycle, parentID, id)
		}
		if seen[ancestor] {
			break
		}
		seen[ancestor] = true
		cur, err = s.store.GetItem(ctx, ancestor)
		if errors.Is(err, domain.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// recountParent refreshes a parent's children count after a structural
// write. A parent that no longer exists has no count to keep.
func (s *Service) recountParent(ctx context.Context, parentID string) error {
	_, err := s.recounter.RecomputeChildrenCount(ctx, parentID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.WithField("parent_id", parentID).Debug("skipping recount of deleted parent")
		return nil
	}
	return err
}

func (s *Service) lastSiblingExcept(ctx context.Context, parentID *string, id string) (*domain.Item, error) {
	last, err := s.store.FindLastByPriorityDesc(ctx, parentID)
	if err != nil || last == nil || last.ID != id {
		return last, err
	}
	siblings, err := s.store.ListItems(ctx, domain.ListFilter{ParentID: parentID})
	if err != nil {
		return nil, err
	}
	for i := len(siblings) - 1; i >= 0; i-- {
		if siblings[i].ID != id {
			return &siblings[i], nil
		}
	}
	return nil, nil
}

func (s *Service) publish(ctx context.Context, ev domain.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"event": ev.Type, "item_id": ev.ItemID}).Warn("change event not published")
	}
}

func checkNeighbors(parentID *string, prev, next *domain.Item) error {
	for _, n := range []*domain.Item{prev, next} {
		if n != nil && !n.InContext(parentID) {
			return fmt.Errorf("%w: %s is not in sibling context %s", domain.ErrInvalidPlacement, n.ID, parentKey(parentID))
		}
	}
	return nil
}

func validatePriority(p *float64) error {
	if p != nil && (math.IsNaN(*p) || math.IsInf(*p, 0)) {
		return fmt.Errorf("%w: priority must be a finite number", domain.ErrInvalidItem)
	}
	return nil
}

func dropSelf(id *string, self string) *string {
	if id == nil || *id == self {
		return nil
	}
	return id
}

func parentKey(p *string) string {
	return domain.ParentKey(p)
}
