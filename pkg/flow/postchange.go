package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dukex/stateflow/pkg/eventbus"
	"github.com/dukex/stateflow/pkg/events"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
)

// PostChangeHandler executes the post actions of committed transitions. Events
// arrive at least once. State actions are skipped once the target has moved, and
// var actions leave a marker on their target so a redelivery is a no-op.
type PostChangeHandler struct {
	engine    *Engine
	related   RelatedFetcher
	instances persistence.InstanceRepository
	logger    *slog.Logger
	now       func() time.Time
}

func NewPostChangeHandler(engine *Engine, related RelatedFetcher, instances persistence.InstanceRepository, logger *slog.Logger) *PostChangeHandler {
	return &PostChangeHandler{
		engine:    engine,
		related:   related,
		instances: instances,
		logger:    logger.With("module", "post_change"),
		now:       time.Now,
	}
}

// Register subscribes the handler to post change events.
func (h *PostChangeHandler) Register(subscriber eventbus.EventSubscriber) error {
	return subscriber.Handle(events.PostChangedEvent, h.HandleEvent)
}

func (h *PostChangeHandler) HandleEvent(ctx context.Context, event any) error {
	postChanged, ok := event.(*events.PostChanged)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	return h.Handle(ctx, *postChanged)
}

// Handle runs the post actions of one transition. Only failures worth a
// redelivery are returned; the rest are logged.
func (h *PostChangeHandler) Handle(ctx context.Context, change events.PostChanged) error {
	instanceID, transitionID := change.InstanceID, change.TransitionID

	instance, err := h.engine.Instance(ctx, instanceID)
	if err != nil {
		return h.settle(ctx, err, "load instance", instanceID)
	}

	version, err := h.engine.versions.Version(ctx, instance.ModelVersionID)
	if err != nil {
		return h.settle(ctx, err, "load model version", instanceID)
	}

	transition := version.Transition(transitionID)
	if transition == nil {
		h.logger.WarnContext(ctx, "post change for unknown transition", "instance_id", instanceID, "transition_id", transitionID)

		return nil
	}

	var errs []error

	for index, action := range transition.PostActions {
		targets, err := h.targets(ctx, instance, action)
		if err != nil {
			errs = append(errs, h.settle(ctx, err, "resolve targets", instanceID))

			continue
		}

		for _, target := range targets {
			switch action.Kind {
			case models.PostActionVar:
				err = h.applyVar(ctx, target, action, change.ActorID, actionMarker(change, index))
			case models.PostActionState:
				err = h.applyState(ctx, target, action)
			default:
				err = fmt.Errorf("unknown post action kind %q", action.Kind)
			}

			if err != nil {
				errs = append(errs, h.settle(ctx, err, "apply post action", target.ID))
			}
		}
	}

	return errors.Join(errs...)
}

// actionMarker identifies one post action of one committed transition. Without a
// sequence the transition cannot be told apart from a later firing, so no marker is used.
func actionMarker(change events.PostChanged, index int) string {
	if change.Seq <= 0 {
		return ""
	}

	return fmt.Sprintf("%s/%d/%d", change.InstanceID, change.Seq, index)
}

// targets returns the instances an action applies to, filtered by their current state.
// Parent or sub relations link objects of the instance's own tag; ObjTag then names the relation.
func (h *PostChangeHandler) targets(ctx context.Context, instance *models.Instance, action models.PostAction) ([]*models.Instance, error) {
	candidates := []*models.Instance{instance}

	if !action.TargetsCurrent() {
		if h.related == nil {
			return nil, dependencyError(errors.New("no related object fetcher configured"), "post_action")
		}

		ids, err := h.related.FetchRelated(ctx, instance.BusinessObjectID, action.ObjTag)
		if err != nil {
			return nil, dependencyError(err, "post_action")
		}

		tag := action.ObjTag
		if action.ObjTagRelKind == models.RelKindParentOrSub {
			tag = instance.Tag
		}

		candidates = make([]*models.Instance, 0, len(ids))

		for _, id := range ids {
			related, err := h.instances.InstanceByBusinessObject(ctx, tag, id)
			if err != nil {
				if errors.Is(err, persistence.ErrInstanceNotFound) {
					continue
				}

				return nil, dependencyError(err, "post_action")
			}

			candidates = append(candidates, related)
		}
	}

	if len(action.ObjCurrentStateIDs) == 0 {
		return candidates, nil
	}

	return slices.DeleteFunc(candidates, func(i *models.Instance) bool {
		return !slices.Contains(action.ObjCurrentStateIDs, i.CurrentStateID)
	}), nil
}

func (h *PostChangeHandler) applyVar(ctx context.Context, target *models.Instance, action models.PostAction, actorID, marker string) error {
	if target.Aborted || target.ActionApplied(marker) {
		return nil
	}

	change, err := NewVarChange(action, target.Vars, actorID, h.now())
	if err != nil {
		return err
	}

	change.Marker = marker

	_, err = h.engine.ChangeVar(ctx, target.ID, change, models.SystemActor())

	return err
}

func (h *PostChangeHandler) applyState(ctx context.Context, target *models.Instance, action models.PostAction) error {
	if target.CurrentStateID == action.ChangedStateID || target.Aborted {
		return nil
	}

	version, err := h.engine.versions.Version(ctx, target.ModelVersionID)
	if err != nil {
		return err
	}

	transition := version.TransitionTo(target.CurrentStateID, action.ChangedStateID)
	if transition == nil {
		h.logger.WarnContext(ctx, "no transition for post action",
			"instance_id", target.ID, "from_state_id", target.CurrentStateID, "to_state_id", action.ChangedStateID)

		return nil
	}

	_, err = h.engine.ApplyTransition(ctx, TransitionRequest{
		InstanceID:   target.ID,
		TransitionID: transition.ID,
		Message:      action.Describe,
	}, models.SystemActor())

	return err
}

// settle decides whether a failure deserves a redelivery. A WrongSourceState
// means a previous delivery already moved the instance.
func (h *PostChangeHandler) settle(ctx context.Context, err error, step, instanceID string) error {
	switch KindOf(err) {
	case KindDependencyUnavailable, KindConflict:
		return err
	case KindWrongSourceState, KindInstanceFinished:
		h.logger.DebugContext(ctx, "post action already applied", "step", step, "instance_id", instanceID)

		return nil
	default:
		h.logger.WarnContext(ctx, "post action skipped", "step", step, "instance_id", instanceID, "error", err)

		return nil
	}
}

// NewVarChange builds the change a var post action makes. add_or_sub yields a
// delta the repository applies to the stored value, never a precomputed sum.
func NewVarChange(action models.PostAction, vars map[string]any, actorID string, now time.Time) (persistence.VarChange, error) {
	change := persistence.VarChange{Name: action.VarName}

	switch action.ChangedKind {
	case models.ChangedClean:
	case models.ChangedContent, "":
		change.Value = action.ChangedVal
	case models.ChangedOperateTime:
		change.Value = now.UTC().Format(time.RFC3339)
	case models.ChangedOperator:
		change.Value = actorID
	case models.ChangedSelectField:
		field, ok := action.ChangedVal.(string)
		if !ok {
			return change, fmt.Errorf("select_field expects a field name, got %T", action.ChangedVal)
		}

		change.Value = vars[field]
	case models.ChangedAddOrSub:
		delta, ok := models.Number(action.ChangedVal)
		if !ok {
			return change, fmt.Errorf("add_or_sub expects a number, got %v", action.ChangedVal)
		}

		change.Delta = &delta
	default:
		return change, fmt.Errorf("unknown changed kind %q", action.ChangedKind)
	}

	return change, nil
}
