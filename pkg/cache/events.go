package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/stateflow/pkg/eventbus"
	"github.com/dukex/stateflow/pkg/events"
)

// RegisterHandlers invalidates versions whose status changed in another process.
func (c *VersionCache) RegisterHandlers(subscriber eventbus.EventSubscriber) error {
	return errors.Join(
		subscriber.Handle(events.ModelVersionEnabledEvent, c.handleEnabled),
		subscriber.Handle(events.ModelVersionDisabledEvent, c.handleDisabled),
	)
}

func (c *VersionCache) handleEnabled(ctx context.Context, event any) error {
	enabled, ok := event.(*events.ModelVersionEnabled)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	c.Invalidate(ctx, enabled.VersionID)

	if enabled.PreviousID != "" {
		c.Invalidate(ctx, enabled.PreviousID)
	}

	return nil
}

func (c *VersionCache) handleDisabled(ctx context.Context, event any) error {
	disabled, ok := event.(*events.ModelVersionDisabled)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	c.Invalidate(ctx, disabled.VersionID)

	return nil
}
