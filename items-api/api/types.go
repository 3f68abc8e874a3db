package api

import (
	"context"
	"time"

	"workstream/items-api/domain"
	"workstream/items-api/items"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 64 << 10

// ItemService is the part of items.Service the handlers rely on.
type ItemService interface {
	Get(ctx context.Context, id string) (*domain.Item, error)
	List(ctx context.Context, filter domain.ListFilter) ([]domain.Item, error)
	Create(ctx context.Context, in items.NewItem) (*domain.Item, error)
	Update(ctx context.Context, id string, ch items.Changes) (*domain.Item, error)
	Move(ctx context.Context, id string, req items.MoveRequest) (*domain.Item, error)
	Delete(ctx context.Context, id string) error
	MarkFiltered(ctx context.Context, id string) (*domain.Item, error)
	RecountChildren(ctx context.Context, id string) (int, error)
}

// Deduper prevents a create request from being applied twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, key string) (bool, error)
	// Remove deletes a previously added key, used when the create fails.
	Remove(ctx context.Context, key string) error
}

// Publisher is the downstream change feed.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

type createItemDto struct {
	Title            string     `json:"title"`
	Estimation       *float64   `json:"estimation"`
	EstimationFormat string     `json:"estimationFormat"`
	Priority         *float64   `json:"priority"`
	PreviousID       *string    `json:"previousId"`
	NextID           *string    `json:"nextId"`
	StartedAt        *time.Time `json:"startedAt"`
	ParentID         *string    `json:"parentId"`
}

func (d createItemDto) toNewItem() (items.NewItem, error) {
	var value float64
	if d.Estimation != nil {
		value = *d.Estimation
	}
	est, err := domain.ParseEstimation(d.EstimationFormat, value)
	if err != nil {
		return items.NewItem{}, err
	}
	return items.NewItem{
		Title:      d.Title,
		Estimation: est,
		Priority:   d.Priority,
		PreviousID: d.PreviousID,
		NextID:     d.NextID,
		ParentID:   d.ParentID,
		StartedAt:  d.StartedAt,
	}, nil
}

type updateItemDto struct {
	Title            *string               `json:"title"`
	Estimation       *float64              `json:"estimation"`
	EstimationFormat *string               `json:"estimationFormat"`
	StartedAt        domain.OptionalTime   `json:"startedAt"`
	Priority         *float64              `json:"priority"`
	ParentID         domain.OptionalString `json:"parentId"`
}

func (d updateItemDto) touchesEstimation() bool {
	return d.Estimation != nil || d.EstimationFormat != nil
}

// toChanges converts the body. current supplies the stored estimation when
// only one of estimation and estimationFormat is sent; it may be nil
// otherwise.
func (d updateItemDto) toChanges(current *domain.Item) (items.Changes, error) {
	ch := items.Changes{
		Title:     d.Title,
		Priority:  d.Priority,
		StartedAt: d.StartedAt,
		Parent:    d.ParentID,
	}
	if !d.touchesEstimation() {
		return ch, nil
	}
	var (
		format string
		value  float64
	)
	if current != nil {
		format = string(current.Estimation.Format())
		value = current.Estimation.Value()
	}
	if d.EstimationFormat != nil {
		format = *d.EstimationFormat
	}
	if d.Estimation != nil {
		value = *d.Estimation
	}
	est, err := domain.ParseEstimation(format, value)
	if err != nil {
		return items.Changes{}, err
	}
	ch.Estimation = &est
	return ch, nil
}

type moveItemDto struct {
	PreviousID *string               `json:"previousId"`
	NextID     *string               `json:"nextId"`
	ParentID   domain.OptionalString `json:"parentId"`
}

type recountResponse struct {
	ID            string `json:"id"`
	ChildrenCount int    `json:"childrenCount"`
}

type errorResponse struct {
	Error string `json:"error"`
}
