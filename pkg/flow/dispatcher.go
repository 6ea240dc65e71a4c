package flow

import (
	"context"
	"log/slog"

	"github.com/dukex/stateflow/pkg/eventbus"
	"github.com/dukex/stateflow/pkg/events"
	"github.com/dukex/stateflow/pkg/models"
)

// Dispatcher hands committed changes to the notifier. It runs only after the
// commit is durable and a failure never unwinds it.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
}

func NewDispatcher(notifier Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, logger: logger}
}

// Transitioned notifies both front and post change subscribers.
func (d *Dispatcher) Transitioned(ctx context.Context, instance *models.Instance, transition *models.Transition, actorID string) {
	if d == nil || d.notifier == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)

	d.FrontChanged(ctx, instance)

	err := d.notifier.PublishPostChange(ctx, instance, transition, actorID)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to publish post change",
			"instance_id", instance.ID, "transition_id", transition.ID, "error", err)
	}
}

// FrontChanged notifies that the instance's visible state or vars changed.
func (d *Dispatcher) FrontChanged(ctx context.Context, instance *models.Instance) {
	if d == nil || d.notifier == nil {
		return
	}

	err := d.notifier.PublishFrontChange(context.WithoutCancel(ctx), instance)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to publish front change", "instance_id", instance.ID, "error", err)
	}
}

// EventBusNotifier publishes changes as events keyed by instance id, so all
// events of one instance stay ordered on partitioned transports.
type EventBusNotifier struct {
	publisher eventbus.EventPublisher
}

func NewEventBusNotifier(publisher eventbus.EventPublisher) *EventBusNotifier {
	return &EventBusNotifier{publisher: publisher}
}

func (n *EventBusNotifier) PublishFrontChange(ctx context.Context, instance *models.Instance) error {
	return n.publisher.Publish(ctx, instance.ID, events.FrontChanged{
		BaseEvent:        events.NewBaseEvent(events.FrontChangedEvent),
		InstanceID:       instance.ID,
		BusinessObjectID: instance.BusinessObjectID,
		Tag:              instance.Tag,
		StateID:          instance.CurrentStateID,
	})
}

// PublishPostChange expects instance as committed by transition, so its revision is the entry's sequence.
func (n *EventBusNotifier) PublishPostChange(ctx context.Context, instance *models.Instance, transition *models.Transition, actorID string) error {
	return n.publisher.Publish(ctx, instance.ID, events.PostChanged{
		BaseEvent:    events.NewBaseEvent(events.PostChangedEvent),
		InstanceID:   instance.ID,
		TransitionID: transition.ID,
		Seq:          instance.Revision,
		ActorID:      actorID,
		Notify:       transition.Notify,
	})
}
