package domain

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Item is a single task in the hierarchy. Items sharing a ParentID form a
// sibling context ordered by Priority.
type Item struct {
	ID             string
	Title          string
	Estimation     Estimation
	Priority       float64
	ParentID       *string
	ChildrenCount  int
	CreatedAt      time.Time
	StartedAt      *time.Time
	LastFilteredAt *time.Time
}

type itemJSON struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Estimation       float64    `json:"estimation"`
	EstimationFormat string     `json:"estimationFormat"`
	Priority         float64    `json:"priority"`
	ParentID         *string    `json:"parentId"`
	ChildrenCount    int        `json:"childrenCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt"`
	LastFilteredAt   *time.Time `json:"lastFilteredAt"`
}

func (it Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(itemJSON{
		ID:               it.ID,
		Title:            it.Title,
		Estimation:       it.Estimation.Value(),
		EstimationFormat: string(it.Estimation.Format()),
		Priority:         it.Priority,
		ParentID:         it.ParentID,
		ChildrenCount:    it.ChildrenCount,
		CreatedAt:        it.CreatedAt,
		StartedAt:        it.StartedAt,
		LastFilteredAt:   it.LastFilteredAt,
	})
}

func (it *Item) UnmarshalJSON(data []byte) error {
	var raw itemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	est, err := ParseEstimation(raw.EstimationFormat, raw.Estimation)
	if err != nil {
		return err
	}
	*it = Item{
		ID:             raw.ID,
		Title:          raw.Title,
		Estimation:     est,
		Priority:       raw.Priority,
		ParentID:       raw.ParentID,
		ChildrenCount:  raw.ChildrenCount,
		CreatedAt:      raw.CreatedAt,
		StartedAt:      raw.StartedAt,
		LastFilteredAt: raw.LastFilteredAt,
	}
	return nil
}

// IsRoot reports whether the item has no parent.
func (it *Item) IsRoot() bool {
	return it.ParentID == nil
}

// InContext reports whether the item belongs to the sibling context of parentID.
func (it *Item) InContext(parentID *string) bool {
	return SameParent(it.ParentID, parentID)
}

// NewItemRecord carries the fields a store persists on creation. The store
// assigns ID and CreatedAt.
type NewItemRecord struct {
	Title      string
	Estimation Estimation
	Priority   float64
	ParentID   *string
	StartedAt  *time.Time
}

// ValidateTitle trims the title and rejects empty values.
func ValidateTitle(title string) (string, error) {
	t := strings.TrimSpace(title)
	if t == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidItem)
	}
	return t, nil
}

// SameParent compares two optional parent ids; nil equals nil.
func SameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ParentKey renders an optional parent id for logs and cache keys.
func ParentKey(p *string) string {
	if p == nil {
		return "root"
	}
	return "parent:" + *p
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}

// Compare orders items by priority, then creation time, then id.
func Compare(a, b *Item) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Less reports whether a sorts before b.
func Less(a, b *Item) bool {
	return Compare(a, b) < 0
}

// SortItems sorts items in place using Compare.
func SortItems(items []Item) {
	slices.SortFunc(items, func(a, b Item) int { return Compare(&a, &b) })
}
