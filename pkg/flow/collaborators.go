package flow

import (
	"context"
	"slices"
	"strings"

	"github.com/dukex/stateflow/pkg/models"
)

// PermissionChecker decides whether an actor may fire a transition of an instance.
// Transport failures are returned as errors, never as a refusal.
type PermissionChecker interface {
	CanPerform(ctx context.Context, actor models.Actor, instance *models.Instance, transition *models.Transition) (bool, error)
}

// RelatedFetcher resolves business objects linked to an instance's business object.
type RelatedFetcher interface {
	FetchRelated(ctx context.Context, businessObjectID, tag string) ([]string, error)
	StateOf(ctx context.Context, businessObjectID, tag string) (string, error)
}

// Notifier hands committed changes to subscribers. Both calls are fire-and-forget
// from the engine's point of view.
type Notifier interface {
	PublishFrontChange(ctx context.Context, instance *models.Instance) error
	PublishPostChange(ctx context.Context, instance *models.Instance, transition *models.Transition, actorID string) error
}

// VersionSource loads model versions, usually through a cache.
type VersionSource interface {
	Version(ctx context.Context, id string) (*models.ModelVersion, error)
}

// AssignedToVar is the instance variable listing the accounts a transition is assigned to.
const AssignedToVar = "assigned_to"

// GuardPermission is the default PermissionChecker. It grants the transition when
// any rule of the guard's permission part matches the actor.
type GuardPermission struct{}

func (GuardPermission) CanPerform(_ context.Context, actor models.Actor, instance *models.Instance, transition *models.Transition) (bool, error) {
	guard := transition.Guard
	if !guard.Restricted() {
		return true, nil
	}

	if guard.ByCreator && actor.ID == instance.CreatedBy {
		return true, nil
	}

	if guard.ByHisOperators && slices.Contains(instance.Operators(), actor.ID) {
		return true, nil
	}

	if guard.ByAssigned && slices.Contains(assignees(instance.Vars[AssignedToVar]), actor.ID) {
		return true, nil
	}

	if slices.Contains(guard.SpecAccountIDs, actor.ID) {
		return true, nil
	}

	if slices.ContainsFunc(guard.SpecRoleIDs, actor.HasRole) {
		return true, nil
	}

	orgs := models.OwnPathAncestors(actor.OwnPaths)
	if slices.ContainsFunc(guard.SpecOrgIDs, func(org string) bool { return org != "" && slices.Contains(orgs, org) }) {
		return true, nil
	}

	return slices.ContainsFunc(guard.Permissions, actor.HasPermission), nil
}

// assignees accepts a comma separated string or a list.
func assignees(v any) []string {
	switch value := v.(type) {
	case string:
		out := make([]string, 0)

		for part := range strings.SplitSeq(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}

		return out
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))

		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}
