package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// OptionalString distinguishes an absent field from an explicit null.
// Set is false when the field was not provided; Value nil with Set true
// means "clear".
type OptionalString struct {
	Set   bool
	Value *string
}

// SetString returns an OptionalString holding v.
func SetString(v string) OptionalString {
	return OptionalString{Set: true, Value: &v}
}

// ClearString returns an OptionalString that clears the field.
func ClearString() OptionalString {
	return OptionalString{Set: true}
}

func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

// OptionalTime is the time counterpart of OptionalString.
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

// SetTime returns an OptionalTime holding t.
func SetTime(t time.Time) OptionalTime {
	return OptionalTime{Set: true, Value: &t}
}

// ClearTime returns an OptionalTime that clears the field.
func ClearTime() OptionalTime {
	return OptionalTime{Set: true}
}

func (o *OptionalTime) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	o.Value = &t
	return nil
}

// ItemPatch carries a partial update. Nil pointers and unset optionals leave
// the stored value untouched.
type ItemPatch struct {
	Title          *string
	Estimation     *Estimation
	Priority       *float64
	ChildrenCount  *int
	Parent         OptionalString
	StartedAt      OptionalTime
	LastFilteredAt OptionalTime
}

// IsEmpty reports whether the patch changes nothing.
func (p ItemPatch) IsEmpty() bool {
	return p.Title == nil && p.Estimation == nil && p.Priority == nil && p.ChildrenCount == nil &&
		!p.Parent.Set && !p.StartedAt.Set && !p.LastFilteredAt.Set
}

// Apply merges the patch into it.
func (p ItemPatch) Apply(it *Item) {
	if p.Title != nil {
		it.Title = *p.Title
	}
	if p.Estimation != nil {
		it.Estimation = *p.Estimation
	}
	if p.Priority != nil {
		it.Priority = *p.Priority
	}
	if p.ChildrenCount != nil {
		it.ChildrenCount = *p.ChildrenCount
	}
	if p.Parent.Set {
		it.ParentID = copyString(p.Parent.Value)
	}
	if p.StartedAt.Set {
		it.StartedAt = copyTime(p.StartedAt.Value)
	}
	if p.LastFilteredAt.Set {
		it.LastFilteredAt = copyTime(p.LastFilteredAt.Value)
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	it.ParentID = copyString(it.ParentID)
	it.StartedAt = copyTime(it.StartedAt)
	it.LastFilteredAt = copyTime(it.LastFilteredAt)
	return it
}
