// Package events defines the notifications emitted when flow instances and model versions change.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every stateflow event.
const Topic = "stateflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Instance events.
	FrontChangedEvent EventType = "instance.front_changed"
	PostChangedEvent  EventType = "instance.post_changed"

	// Model version lifecycle events.
	ModelVersionEnabledEvent  EventType = "model_version.enabled"
	ModelVersionDisabledEvent EventType = "model_version.disabled"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a new event of the given type.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// FrontChanged tells listeners that the instance moved and related objects
// should re-evaluate their preconditions.
type FrontChanged struct {
	BaseEvent

	InstanceID       string `json:"instance_id"`
	BusinessObjectID string `json:"business_object_id"`
	Tag              string `json:"tag"`
	StateID          string `json:"state_id"`
}

func (e FrontChanged) GetType() EventType {
	return FrontChangedEvent
}

// PostChanged asks the post-action handler to apply the side effects of a transition.
// Seq is the history entry the transition committed. Notify carries the
// transition's flag for subscribers that tell people about the change.
type PostChanged struct {
	BaseEvent

	InstanceID   string `json:"instance_id"`
	TransitionID string `json:"transition_id"`
	Seq          int    `json:"seq"`
	ActorID      string `json:"actor_id"`
	Notify       bool   `json:"notify,omitempty"`
}

func (e PostChanged) GetType() EventType {
	return PostChangedEvent
}

type ModelVersionEnabled struct {
	BaseEvent

	VersionID  string `json:"version_id"`
	ModelID    string `json:"model_id"`
	Tag        string `json:"tag"`
	OwnPaths   string `json:"own_paths"`
	PreviousID string `json:"previous_id,omitempty"`
}

func (e ModelVersionEnabled) GetType() EventType {
	return ModelVersionEnabledEvent
}

type ModelVersionDisabled struct {
	BaseEvent

	VersionID string `json:"version_id"`
	ModelID   string `json:"model_id"`
}

func (e ModelVersionDisabled) GetType() EventType {
	return ModelVersionDisabledEvent
}
