package cache_test

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/stateflow/pkg/cache"
	"github.com/dukex/stateflow/pkg/channels/gochannel"
	"github.com/dukex/stateflow/pkg/eventbus"
	"github.com/dukex/stateflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCache_InvalidatedByVersionEvents(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	logger := testLogger()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(logger, pub, sub)
	t.Cleanup(func() {
		_ = bus.Close()
	})

	loader := newLoader()
	c := cache.NewVersionCache(loader, logger)

	require.NoError(t, c.RegisterHandlers(bus))
	require.NoError(t, bus.Subscribe(ctx))

	_, err = c.Version(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load())

	require.NoError(t, bus.Publish(ctx, "v3", events.ModelVersionEnabled{
		BaseEvent:  events.NewBaseEvent(events.ModelVersionEnabledEvent),
		VersionID:  "v3",
		ModelID:    "m1",
		Tag:        "ticket",
		PreviousID: "v1",
	}))

	assert.Eventually(t, func() bool {
		_, err := c.Version(ctx, "v1")

		return err == nil && loader.calls.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond)
}
