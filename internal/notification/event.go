package notification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agatticelli/storefront-catalog/internal/catalog"
)

// EventTypeInvalidated is the type of every event published here.
const EventTypeInvalidated = "catalog.invalidated"

// CatalogEvent is the SNS message body announcing a dropped catalog.
type CatalogEvent struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
	// Keys are the persisted keys consumers should remove.
	Keys []string `json:"keys,omitempty"`
}

// NewCatalogEvent builds the event for ev.
func NewCatalogEvent(ev catalog.InvalidationEvent, keys []string) CatalogEvent {
	return CatalogEvent{
		ID:     uuid.NewString(),
		Type:   EventTypeInvalidated,
		Source: ev.Source,
		At:     ev.At.UTC(),
		Keys:   keys,
	}
}

// ParseCatalogEvent decodes a message body published by Publisher.
func ParseCatalogEvent(body string) (CatalogEvent, error) {
	var event CatalogEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return CatalogEvent{}, fmt.Errorf("decode catalog event: %w", err)
	}
	if event.Type != EventTypeInvalidated {
		return CatalogEvent{}, fmt.Errorf("unexpected event type %q", event.Type)
	}
	return event, nil
}
