package domain

import "time"

// EventType names a structural change to the item tree.
type EventType string

const (
	EventItemCreated  EventType = "item.created"
	EventItemUpdated  EventType = "item.updated"
	EventItemMoved    EventType = "item.moved"
	EventItemDeleted  EventType = "item.deleted"
	EventItemFiltered EventType = "item.filtered"
	EventItemRecount  EventType = "item.recounted"
)

// ChangeEvent is published after a write lands. Item is the state after the
// change and is nil for deletions.
type ChangeEvent struct {
	Type             EventType `json:"type"`
	ItemID           string    `json:"itemId"`
	ParentID         *string   `json:"parentId"`
	PreviousParentID *string   `json:"previousParentId,omitempty"`
	Item             *Item     `json:"item,omitempty"`
	At               time.Time `json:"at"`
}
