package flow_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardPermission(t *testing.T) {
	instance := &models.Instance{
		CreatedBy: "alice",
		Vars:      map[string]any{flow.AssignedToVar: "dave, erin"},
		History: []models.HistoryEntry{
			{ActorID: "alice"},
			{ActorID: "bob"},
		},
	}

	tests := []struct {
		name  string
		guard models.Guard
		actor models.Actor
		want  bool
	}{
		{"unrestricted", models.Guard{}, models.Actor{ID: "zed"}, true},
		{"creator", models.Guard{ByCreator: true}, models.Actor{ID: "alice"}, true},
		{"not creator", models.Guard{ByCreator: true}, models.Actor{ID: "bob"}, false},
		{"operator", models.Guard{ByHisOperators: true}, models.Actor{ID: "bob"}, true},
		{"creator is no operator", models.Guard{ByHisOperators: true}, models.Actor{ID: "alice"}, false},
		{"assigned", models.Guard{ByAssigned: true}, models.Actor{ID: "erin"}, true},
		{"not assigned", models.Guard{ByAssigned: true}, models.Actor{ID: "bob"}, false},
		{"account", models.Guard{SpecAccountIDs: []string{"zed"}}, models.Actor{ID: "zed"}, true},
		{"role with scope", models.Guard{SpecRoleIDs: []string{"editor"}}, models.Actor{ID: "zed", Roles: []string{"editor:acme"}}, true},
		{"missing role", models.Guard{SpecRoleIDs: []string{"editor"}}, models.Actor{ID: "zed", Roles: []string{"viewer"}}, false},
		{"org ancestor", models.Guard{SpecOrgIDs: []string{"acme"}}, models.Actor{ID: "zed", OwnPaths: "acme/sales"}, true},
		{"other org", models.Guard{SpecOrgIDs: []string{"acme"}}, models.Actor{ID: "zed", OwnPaths: "globex"}, false},
		{"permission", models.Guard{Permissions: []string{"approver"}}, approver, true},
		{"any rule matches", models.Guard{ByCreator: true, Permissions: []string{"approver"}}, approver, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := flow.GuardPermission{}.CanPerform(t.Context(), tt.actor, instance, &models.Transition{ID: "t", Guard: tt.guard})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_VarsAndConditions(t *testing.T) {
	evaluator := flow.NewEvaluator(nil, nil, nil)
	instance := &models.Instance{ID: "i1", CreatedBy: "alice", Vars: map[string]any{"amount": 50.0, "note": "  "}}

	transition := manual("approve", "open", "approved")
	transition.VarsCollect = []string{"note"}
	transition.Guard.OtherConds = [][]models.Cond{
		{{Field: "amount", Op: models.OpGt, Value: 100}},
		{{Field: "urgent", Op: models.OpEq, Value: true}},
	}

	verdict, err := evaluator.Evaluate(t.Context(), instance, transition, author, nil)
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, flow.GuardOtherCondsName, verdict.Guard)

	verdict, err = evaluator.Evaluate(t.Context(), instance, transition, models.SystemActor(), nil)
	require.NoError(t, err)
	assert.Equal(t, flow.GuardOtherCondsName, verdict.Guard)

	verdict, err = evaluator.Evaluate(t.Context(), instance, transition, author, map[string]any{"urgent": true})
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, flow.GuardVarsCollectName, verdict.Guard)

	verdict, err = evaluator.Evaluate(t.Context(), instance, transition, author, map[string]any{"urgent": true, "note": "ok"})
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestEvaluator_VarsSchema(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	states := p.StateRepository()

	require.NoError(t, states.SaveState(t.Context(), &models.State{
		ID:       "approved",
		Name:     "Approved",
		Tag:      "expense",
		SysState: models.SysStateFinish,
		Kind:     models.StateKindForm,
		Vars:     json.RawMessage(`{"type":"object","required":["approver_note"],"properties":{"approver_note":{"type":"string","minLength":3}}}`),
	}))
	require.NoError(t, states.SaveState(t.Context(), &models.State{
		ID:       "broken",
		Name:     "Broken",
		Tag:      "expense",
		SysState: models.SysStateProgress,
		Kind:     models.StateKindForm,
		Vars:     json.RawMessage(`{"type": 42}`),
	}))

	evaluator := flow.NewEvaluator(nil, nil, states)
	instance := &models.Instance{ID: "i1", Vars: map[string]any{}}

	verdict, err := evaluator.Evaluate(t.Context(), instance, manual("approve", "open", "approved"), author, nil)
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, flow.GuardVarsSchemaName, verdict.Guard)

	verdict, err = evaluator.Evaluate(t.Context(), instance, manual("approve", "open", "approved"), author, map[string]any{"approver_note": "fine"})
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)

	verdict, err = evaluator.Evaluate(t.Context(), instance, manual("break", "open", "broken"), author, nil)
	require.NoError(t, err)
	assert.Equal(t, flow.GuardVarsSchemaName, verdict.Guard)

	verdict, err = evaluator.Evaluate(t.Context(), instance, manual("elsewhere", "open", "unknown"), author, nil)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)
}

func TestEvaluator_RelatedStates(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	relations := flow.NewStaticRelations()
	relations.Link("order-1", "invoice", "inv-1")
	relations.Link("order-2", "invoice", "inv-2")

	require.NoError(t, p.InstanceRepository().CreateInstance(t.Context(), &models.Instance{
		BusinessObjectID: "inv-1",
		Tag:              "invoice",
		ModelVersionID:   "v1",
		CurrentStateID:   "paid",
		Vars:             map[string]any{},
	}))

	evaluator := flow.NewEvaluator(nil, flow.NewInstanceRelatedFetcher(relations, p.InstanceRepository()), nil)

	transition := manual("ship", "ready", "shipped")
	transition.Guard.RelatedStates = []models.RelatedCond{{Tag: "invoice", StateIDs: []string{"paid"}}}

	verdict, err := evaluator.Evaluate(t.Context(), &models.Instance{BusinessObjectID: "order-1"}, transition, author, nil)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed)

	verdict, err = evaluator.Evaluate(t.Context(), &models.Instance{BusinessObjectID: "order-2"}, transition, author, nil)
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, flow.GuardRelatedStatesName, verdict.Guard)

	verdict, err = evaluator.Evaluate(t.Context(), &models.Instance{BusinessObjectID: "order-3"}, transition, author, nil)
	require.NoError(t, err)
	assert.True(t, verdict.Allowed, "no related objects means nothing to check")
}

type failingPermissions struct{}

func (failingPermissions) CanPerform(context.Context, models.Actor, *models.Instance, *models.Transition) (bool, error) {
	return false, errors.New("directory unreachable")
}

type failingRelations struct{}

func (failingRelations) FetchRelated(context.Context, string, string) ([]string, error) {
	return nil, errors.New("relation service unreachable")
}

func (failingRelations) StateOf(context.Context, string, string) (string, error) {
	return "", nil
}

func TestEvaluator_DependencyUnavailable(t *testing.T) {
	instance := &models.Instance{ID: "i1", BusinessObjectID: "order-1"}

	restricted := manual("approve", "open", "approved")
	restricted.Guard.Permissions = []string{"approver"}

	_, err := flow.NewEvaluator(failingPermissions{}, nil, nil).Evaluate(t.Context(), instance, restricted, author, nil)
	assert.True(t, flow.IsKind(err, flow.KindDependencyUnavailable))

	verdict, err := flow.NewEvaluator(failingPermissions{}, nil, nil).Evaluate(t.Context(), instance, restricted, models.SystemActor(), nil)
	require.NoError(t, err, "system actors skip the permission check")
	assert.True(t, verdict.Allowed)

	related := manual("ship", "ready", "shipped")
	related.Guard.RelatedStates = []models.RelatedCond{{Tag: "invoice", StateIDs: []string{"paid"}}}

	_, err = flow.NewEvaluator(nil, failingRelations{}, nil).Evaluate(t.Context(), instance, related, author, nil)
	assert.True(t, flow.IsKind(err, flow.KindDependencyUnavailable))

	var flowErr *flow.Error
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, flow.GuardRelatedStatesName, flowErr.Guard)

	_, err = flow.NewEvaluator(nil, nil, nil).Evaluate(t.Context(), instance, related, author, nil)
	assert.True(t, flow.IsKind(err, flow.KindDependencyUnavailable))
}
