package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/stateflow/pkg/channels/gochannel"
	"github.com/dukex/stateflow/pkg/eventbus"
	"github.com/dukex/stateflow/pkg/events"
	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderFlows publishes an order flow whose payment stamps the order and
// settles the related issued invoices.
func (h *harness) orderFlows(t *testing.T) {
	t.Helper()

	h.saveStates(t, "invoice",
		&models.State{ID: "issued", SysState: models.SysStateStart},
		&models.State{ID: "settled", SysState: models.SysStateFinish},
	)

	settle := manual("settle", "issued", "settled")
	settle.Guard.Permissions = []string{"accountant"}

	h.publish(t, h.saveVersion(t, &models.ModelVersion{
		ModelID:     "invoices",
		Tag:         "invoice",
		InitStateID: "issued",
		States:      []string{"issued", "settled"},
		Transitions: []*models.Transition{settle},
	}))

	h.saveStates(t, "order",
		&models.State{ID: "placed", SysState: models.SysStateStart},
		&models.State{ID: "paid"},
		&models.State{ID: "shipped", SysState: models.SysStateFinish},
	)

	pay := manual("pay", "placed", "paid")
	pay.PostActions = []models.PostAction{
		{Kind: models.PostActionVar, VarName: "paid_by", ChangedKind: models.ChangedOperator},
		{Kind: models.PostActionVar, VarName: "payment_status", ChangedKind: models.ChangedContent, ChangedVal: "received"},
		{
			Kind:               models.PostActionState,
			Describe:           "order paid",
			ObjTag:             "invoice",
			ObjCurrentStateIDs: []string{"issued"},
			ChangedStateID:     "settled",
		},
	}

	h.publish(t, h.saveVersion(t, &models.ModelVersion{
		ModelID:     "orders",
		Tag:         "order",
		InitStateID: "placed",
		States:      []string{"placed", "paid", "shipped"},
		Transitions: []*models.Transition{pay, manual("ship", "paid", "shipped")},
	}))
}

func (h *harness) startObject(t *testing.T, tag, businessObjectID string) *models.Instance {
	t.Helper()

	result, err := h.engine.Start(t.Context(), flow.StartRequest{BusinessObjectID: businessObjectID, Tag: tag}, author)
	require.NoError(t, err)

	return result.Instance
}

func (h *harness) postChangeHandler() *flow.PostChangeHandler {
	instances := h.persistence.InstanceRepository()

	return flow.NewPostChangeHandler(h.engine, flow.NewInstanceRelatedFetcher(h.relations, instances), instances, testLogger())
}

func TestPostChangeHandler_AppliesActions(t *testing.T) {
	h := newHarness(t)
	h.orderFlows(t)

	order := h.startObject(t, "order", "order-1")
	invoice := h.startObject(t, "invoice", "inv-1")
	h.startObject(t, "invoice", "inv-2")
	h.relations.Link("order-1", "invoice", "inv-1", "inv-404")

	result, err := h.apply(t.Context(), order.ID, "pay", author)
	require.NoError(t, err)

	change := committed(result, "pay")
	handler := h.postChangeHandler()
	require.NoError(t, handler.Handle(t.Context(), change))

	paid, err := h.engine.Instance(t.Context(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", paid.Vars["paid_by"])
	assert.Equal(t, "received", paid.Vars["payment_status"])

	settled, err := h.engine.Instance(t.Context(), invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, "settled", settled.CurrentStateID)
	assert.True(t, settled.Finished())
	require.Len(t, settled.History, 1)
	assert.Equal(t, models.SystemActorID, settled.History[0].ActorID)
	assert.Equal(t, "order paid", settled.History[0].Message)

	unrelated, err := h.persistence.InstanceRepository().InstanceByBusinessObject(t.Context(), "invoice", "inv-2")
	require.NoError(t, err)
	assert.Equal(t, "issued", unrelated.CurrentStateID)

	// Redelivery changes nothing.
	require.NoError(t, handler.Handle(t.Context(), change))

	settled, err = h.engine.Instance(t.Context(), invoice.ID)
	require.NoError(t, err)
	assert.Len(t, settled.History, 1)

	paid, err = h.engine.Instance(t.Context(), order.ID)
	require.NoError(t, err)
	assert.Len(t, paid.AppliedActions, 2)
}

// committed describes the post change of the transition that produced result.
func committed(result *flow.TransitionResult, transitionID string) events.PostChanged {
	return events.PostChanged{
		InstanceID:   result.Instance.ID,
		TransitionID: transitionID,
		Seq:          result.Instance.Revision,
		ActorID:      author.ID,
	}
}

func TestPostChangeHandler_AddOrSubAppliesOncePerTransition(t *testing.T) {
	h := newHarness(t)

	h.saveStates(t, "counter", &models.State{ID: "idle", SysState: models.SysStateStart}, &models.State{ID: "counted"})

	bump := manual("bump", "idle", "counted")
	bump.PostActions = []models.PostAction{
		{Kind: models.PostActionVar, Current: true, VarName: "n", ChangedKind: models.ChangedAddOrSub, ChangedVal: 1},
	}

	h.publish(t, h.saveVersion(t, &models.ModelVersion{
		ModelID:     "counters",
		Tag:         "counter",
		InitStateID: "idle",
		States:      []string{"idle", "counted"},
		Transitions: []*models.Transition{bump, manual("reset", "counted", "idle")},
	}))

	counter := h.startObject(t, "counter", "counter-1")
	handler := h.postChangeHandler()

	first, err := h.apply(t.Context(), counter.ID, "bump", author)
	require.NoError(t, err)

	require.NoError(t, handler.Handle(t.Context(), committed(first, "bump")))
	require.NoError(t, handler.Handle(t.Context(), committed(first, "bump")))

	current, err := h.engine.Instance(t.Context(), counter.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1, current.Vars["n"], 0)

	_, err = h.apply(t.Context(), counter.ID, "reset", author)
	require.NoError(t, err)

	second, err := h.apply(t.Context(), counter.ID, "bump", author)
	require.NoError(t, err)

	require.NoError(t, handler.Handle(t.Context(), committed(second, "bump")))
	require.NoError(t, handler.Handle(t.Context(), committed(first, "bump")))

	current, err = h.engine.Instance(t.Context(), counter.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2, current.Vars["n"], 0)
}

func TestPostChangeHandler_ParentOrSubResolvesWithinTag(t *testing.T) {
	h := newHarness(t)

	h.saveStates(t, "task",
		&models.State{ID: "open", SysState: models.SysStateStart},
		&models.State{ID: "done", SysState: models.SysStateFinish},
	)

	finish := manual("finish", "open", "done")
	finish.PostActions = []models.PostAction{{
		Kind:               models.PostActionState,
		Describe:           "sub task done",
		ObjTag:             "parent",
		ObjTagRelKind:      models.RelKindParentOrSub,
		ObjCurrentStateIDs: []string{"open"},
		ChangedStateID:     "done",
	}}

	h.publish(t, h.saveVersion(t, &models.ModelVersion{
		ModelID:     "tasks",
		Tag:         "task",
		InitStateID: "open",
		States:      []string{"open", "done"},
		Transitions: []*models.Transition{finish},
	}))

	child := h.startObject(t, "task", "task-child")
	parent := h.startObject(t, "task", "task-parent")
	h.relations.Link("task-child", "parent", "task-parent")

	result, err := h.apply(t.Context(), child.ID, "finish", author)
	require.NoError(t, err)

	require.NoError(t, h.postChangeHandler().Handle(t.Context(), committed(result, "finish")))

	done, err := h.engine.Instance(t.Context(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", done.CurrentStateID)
	require.Len(t, done.History, 1)
	assert.Equal(t, "sub task done", done.History[0].Message)
}

func TestPostChangeHandler_UnknownInputs(t *testing.T) {
	h := newHarness(t)
	h.orderFlows(t)

	order := h.startObject(t, "order", "order-1")
	handler := h.postChangeHandler()

	require.NoError(t, handler.Handle(t.Context(), events.PostChanged{InstanceID: order.ID, TransitionID: "refund", Seq: 1}))
	require.NoError(t, handler.Handle(t.Context(), events.PostChanged{InstanceID: "missing", TransitionID: "pay", Seq: 1}))
	require.Error(t, handler.HandleEvent(t.Context(), "not an event"))
}

func TestPostChangeHandler_OverEventBus(t *testing.T) {
	logger := testLogger()

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(logger, pub, sub)
	t.Cleanup(func() {
		_ = bus.Close()
	})

	h := newHarness(t)
	h.orderFlows(t)

	evaluator := flow.NewEvaluator(nil, nil, h.persistence.StateRepository())
	engine := flow.NewEngine(h.persistence, evaluator, flow.NewDispatcher(flow.NewEventBusNotifier(bus), logger), logger)
	instances := h.persistence.InstanceRepository()
	handler := flow.NewPostChangeHandler(engine, flow.NewInstanceRelatedFetcher(h.relations, instances), instances, logger)

	require.NoError(t, handler.Register(bus))
	require.NoError(t, bus.Subscribe(t.Context()))

	order := h.startObject(t, "order", "order-1")
	invoice := h.startObject(t, "invoice", "inv-1")
	h.relations.Link("order-1", "invoice", "inv-1")

	_, err = engine.ApplyTransition(t.Context(), flow.TransitionRequest{InstanceID: order.ID, TransitionID: "pay"}, author)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		settled, err := engine.Instance(context.Background(), invoice.ID)

		return err == nil && settled.CurrentStateID == "settled"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewVarChange(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	vars := map[string]any{"count": 2.0, "owner": "bob"}
	plus3, minus1 := 3.0, -1.5

	tests := []struct {
		name   string
		action models.PostAction
		want   persistence.VarChange
	}{
		{"clean", models.PostAction{VarName: "owner", ChangedKind: models.ChangedClean}, persistence.VarChange{Name: "owner"}},
		{"content", models.PostAction{VarName: "owner", ChangedKind: models.ChangedContent, ChangedVal: "carol"}, persistence.VarChange{Name: "owner", Value: "carol"}},
		{"operate time", models.PostAction{VarName: "done_at", ChangedKind: models.ChangedOperateTime}, persistence.VarChange{Name: "done_at", Value: "2026-03-01T12:00:00Z"}},
		{"operator", models.PostAction{VarName: "done_by", ChangedKind: models.ChangedOperator}, persistence.VarChange{Name: "done_by", Value: "alice"}},
		{"select field", models.PostAction{VarName: "reviewer", ChangedKind: models.ChangedSelectField, ChangedVal: "owner"}, persistence.VarChange{Name: "reviewer", Value: "bob"}},
		{"add", models.PostAction{VarName: "count", ChangedKind: models.ChangedAddOrSub, ChangedVal: 3}, persistence.VarChange{Name: "count", Delta: &plus3}},
		{"subtract", models.PostAction{VarName: "stock", ChangedKind: models.ChangedAddOrSub, ChangedVal: -1.5}, persistence.VarChange{Name: "stock", Delta: &minus1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := flow.NewVarChange(tt.action, vars, "alice", now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := flow.NewVarChange(models.PostAction{ChangedKind: models.ChangedAddOrSub, ChangedVal: "many"}, vars, "alice", now)
	require.Error(t, err)

	_, err = flow.NewVarChange(models.PostAction{ChangedKind: "shuffle"}, vars, "alice", now)
	require.Error(t, err)
}
