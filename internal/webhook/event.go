// Package webhook applies Strava push notifications to the stored activities.
package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Aspect types.
const (
	AspectCreate = "create"
	AspectUpdate = "update"
	AspectDelete = "delete"
)

// ObjectActivity is the only object type that is dispatched.
const ObjectActivity = "activity"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is a Strava webhook delivery.
type Event struct {
	AspectType     string         `json:"aspect_type" validate:"required,oneof=create update delete"`
	ObjectID       int64          `json:"object_id" validate:"required,gt=0"`
	ObjectType     string         `json:"object_type" validate:"required"`
	OwnerID        int64          `json:"owner_id"`
	SubscriptionID int64          `json:"subscription_id"`
	EventTime      int64          `json:"event_time"`
	Updates        map[string]any `json:"updates,omitempty"`
}

// ParseEvent decodes and validates a delivery body.
func ParseEvent(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decoding webhook event: %w", err)
	}
	if err := validate.Struct(&e); err != nil {
		return nil, fmt.Errorf("validating webhook event: %w", err)
	}
	return &e, nil
}

// Dispatchable reports whether the event targets an object type this package handles.
func (e *Event) Dispatchable() bool {
	return e.ObjectType == ObjectActivity
}
