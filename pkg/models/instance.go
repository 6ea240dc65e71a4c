package models

import (
	"maps"
	"slices"
	"time"
)

// Instance is one business object's live position within a bound model version.
type Instance struct {
	ID               string         `json:"id"`
	BusinessObjectID string         `json:"business_object_id"`
	Tag              string         `json:"tag"`
	OwnPaths         string         `json:"own_paths"`
	ModelVersionID   string         `json:"model_version_id"`
	CurrentStateID   string         `json:"current_state_id"`
	Vars             map[string]any `json:"vars"`
	History          []HistoryEntry `json:"history"`
	Revision         int            `json:"revision"` // Always len(History)
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	Aborted          bool           `json:"aborted"`
	AppliedActions   []string       `json:"applied_actions,omitempty"` // Markers of post actions already run on the instance
}

// HistoryEntry records one committed transition.
type HistoryEntry struct {
	Seq          int            `json:"seq"`
	FromStateID  string         `json:"from_state_id"`
	ToStateID    string         `json:"to_state_id"`
	TransitionID string         `json:"transition_id"`
	ActorID      string         `json:"actor_id"`
	Message      string         `json:"message,omitempty"`
	Vars         map[string]any `json:"vars,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Finished reports whether the instance was aborted or stands in a state that ends the flow.
// Leaving a finish state clears it again.
func (i *Instance) Finished() bool {
	return i.FinishedAt != nil
}

// ActionApplied reports whether the post action identified by marker already changed the instance.
func (i *Instance) ActionApplied(marker string) bool {
	return marker != "" && slices.Contains(i.AppliedActions, marker)
}

// LastEntry returns the most recent history entry, or nil.
func (i *Instance) LastEntry() *HistoryEntry {
	if len(i.History) == 0 {
		return nil
	}

	return &i.History[len(i.History)-1]
}

// Operators returns the distinct actors that moved the instance, excluding its creator.
func (i *Instance) Operators() []string {
	operators := make([]string, 0, len(i.History))

	for _, entry := range i.History {
		if entry.ActorID == "" || entry.ActorID == i.CreatedBy || slices.Contains(operators, entry.ActorID) {
			continue
		}

		operators = append(operators, entry.ActorID)
	}

	return operators
}

// Clone returns a deep enough copy to be mutated without touching the original.
func (i *Instance) Clone() *Instance {
	clone := *i
	clone.Vars = maps.Clone(i.Vars)
	clone.History = slices.Clone(i.History)
	clone.AppliedActions = slices.Clone(i.AppliedActions)

	if i.FinishedAt != nil {
		finishedAt := *i.FinishedAt
		clone.FinishedAt = &finishedAt
	}

	return &clone
}

// MergeVars returns base overlaid with patch. Neither input is modified.
func MergeVars(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	maps.Copy(merged, base)
	maps.Copy(merged, patch)

	return merged
}
