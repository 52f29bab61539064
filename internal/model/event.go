package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventOnline          EventType = "ONLINE"
	EventOffline         EventType = "OFFLINE"
	EventIdentityChanged EventType = "IDENTITY_CHANGED"
	EventVersionChanged  EventType = "VERSION_CHANGED"
	EventCreated         EventType = "CREATED"
	EventUpdated         EventType = "UPDATED"
	EventDeactivated     EventType = "DEACTIVATED"
	EventActivated       EventType = "ACTIVATED"
	EventDeleted         EventType = "DELETED"
)

// RouterEvent is append-only. RouterID is kept as plain text so events
// survive a hard delete of the router.
type RouterEvent struct {
	ID          string            `gorm:"primaryKey" json:"id"`
	RouterID    string            `gorm:"index;not null" json:"router_id"`
	RouterName  string            `json:"router_name"`
	Type        EventType         `gorm:"column:event_type;index;not null" json:"event_type"`
	Description string            `json:"description"`
	Metadata    map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"index" json:"created_at"`
}

func NewRouterEvent(r Router, typ EventType, description string, metadata map[string]string) RouterEvent {
	return RouterEvent{
		ID:          uuid.NewString(),
		RouterID:    r.ID,
		RouterName:  r.Name,
		Type:        typ,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
}

func (RouterEvent) TableName() string { return "router_events" }
