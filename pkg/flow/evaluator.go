package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/xeipuuv/gojsonschema"
)

// Guard names reported in verdicts and errors.
const (
	GuardPermissionName    = "permission"
	GuardVarsCollectName   = "vars_collect"
	GuardOtherCondsName    = "other_conds"
	GuardVarsSchemaName    = "vars_schema"
	GuardRelatedStatesName = "related_states"
)

// Verdict is the outcome of evaluating one transition.
type Verdict struct {
	Allowed bool
	Guard   string
	Reason  string
}

func allow() Verdict {
	return Verdict{Allowed: true}
}

func deny(guard, reason string) Verdict {
	return Verdict{Guard: guard, Reason: reason}
}

// Evaluator decides whether a transition is legal for an actor. It never mutates
// anything; collaborator failures come back as DependencyUnavailable errors.
type Evaluator struct {
	permissions PermissionChecker
	related     RelatedFetcher
	states      persistence.StateRepository

	schemas sync.Map // state id -> *compiledSchema
}

type compiledSchema struct {
	updatedAt time.Time
	schema    *gojsonschema.Schema
	err       error
}

// NewEvaluator builds an evaluator. related and states may be nil, in which case
// related-object guards fail as unavailable and schema checks are skipped.
func NewEvaluator(permissions PermissionChecker, related RelatedFetcher, states persistence.StateRepository) *Evaluator {
	if permissions == nil {
		permissions = GuardPermission{}
	}

	return &Evaluator{
		permissions: permissions,
		related:     related,
		states:      states,
	}
}

// Evaluate runs every check in order and stops at the first refusal:
// permission, required variables, field conditions, the target state's
// variable schema and finally related-object states.
func (e *Evaluator) Evaluate(ctx context.Context, instance *models.Instance, transition *models.Transition, actor models.Actor, vars map[string]any) (Verdict, error) {
	verdict, err := e.Precheck(ctx, instance, transition, actor, vars)
	if err != nil || !verdict.Allowed {
		return verdict, err
	}

	merged := models.MergeVars(instance.Vars, vars)

	for _, name := range transition.VarsCollect {
		if missing(merged[name]) {
			return deny(GuardVarsCollectName, fmt.Sprintf("variable %q is required", name)), nil
		}
	}

	verdict, err = e.checkSchema(ctx, transition.ToStateID, merged)
	if err != nil || !verdict.Allowed {
		return verdict, err
	}

	return e.checkRelated(ctx, instance, transition)
}

// Precheck runs only the checks that need no further input from the actor:
// permission and field conditions. It backs the list of next transitions.
func (e *Evaluator) Precheck(ctx context.Context, instance *models.Instance, transition *models.Transition, actor models.Actor, vars map[string]any) (Verdict, error) {
	if !actor.System {
		ok, err := e.permissions.CanPerform(ctx, actor, instance, transition)
		if err != nil {
			return Verdict{}, dependencyError(err, GuardPermissionName)
		}

		if !ok {
			return deny(GuardPermissionName, fmt.Sprintf("actor %s may not perform %s", actor.ID, transition.ID)), nil
		}
	}

	if !models.MatchAny(transition.Guard.OtherConds, models.MergeVars(instance.Vars, vars)) {
		return deny(GuardOtherCondsName, "no condition group is satisfied"), nil
	}

	return allow(), nil
}

func (e *Evaluator) checkSchema(ctx context.Context, stateID string, vars map[string]any) (Verdict, error) {
	if e.states == nil {
		return allow(), nil
	}

	state, err := e.states.StateByID(ctx, stateID)
	if err != nil {
		if errors.Is(err, persistence.ErrStateNotFound) {
			return allow(), nil
		}

		return Verdict{}, dependencyError(err, GuardVarsSchemaName)
	}

	if !state.HasVarsSchema() {
		return allow(), nil
	}

	schema, err := e.schema(state)
	if err != nil {
		return deny(GuardVarsSchemaName, fmt.Sprintf("state %s has an invalid variable schema: %v", state.ID, err)), nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(vars))
	if err != nil {
		return deny(GuardVarsSchemaName, err.Error()), nil
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			problems = append(problems, resultErr.String())
		}

		return deny(GuardVarsSchemaName, strings.Join(problems, "; ")), nil
	}

	return allow(), nil
}

func (e *Evaluator) schema(state *models.State) (*gojsonschema.Schema, error) {
	if cached, ok := e.schemas.Load(state.ID); ok {
		compiled := cached.(*compiledSchema)
		if compiled.updatedAt.Equal(state.UpdatedAt) {
			return compiled.schema, compiled.err
		}
	}

	schema, err := CompileSchema(state)
	e.schemas.Store(state.ID, &compiledSchema{updatedAt: state.UpdatedAt, schema: schema, err: err})

	return schema, err
}

// CompileSchema compiles the variable schema of a state.
func CompileSchema(state *models.State) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(state.Vars))
}

func (e *Evaluator) checkRelated(ctx context.Context, instance *models.Instance, transition *models.Transition) (Verdict, error) {
	conds := transition.Guard.RelatedStates
	if len(conds) == 0 {
		return allow(), nil
	}

	if e.related == nil {
		return Verdict{}, dependencyError(errors.New("no related object fetcher configured"), GuardRelatedStatesName)
	}

	for _, cond := range conds {
		ids, err := e.related.FetchRelated(ctx, instance.BusinessObjectID, cond.Tag)
		if err != nil {
			return Verdict{}, dependencyError(err, GuardRelatedStatesName)
		}

		for _, id := range ids {
			state, err := e.related.StateOf(ctx, id, cond.Tag)
			if err != nil {
				return Verdict{}, dependencyError(err, GuardRelatedStatesName)
			}

			if !slices.Contains(cond.StateIDs, state) {
				return deny(GuardRelatedStatesName,
					fmt.Sprintf("related %s %s is in state %s", cond.Tag, id, state)), nil
			}
		}
	}

	return allow(), nil
}

func missing(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(value) == ""
	default:
		return false
	}
}
