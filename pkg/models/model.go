package models

import (
	"slices"
	"strings"
	"time"
)

// VersionStatus represents the lifecycle state of a model version.
type VersionStatus string

const (
	VersionStatusEditing  VersionStatus = "editing"  // Mutable, not executable
	VersionStatusEnabled  VersionStatus = "enabled"  // The one active version of its scope
	VersionStatusDisabled VersionStatus = "disabled" // Replaced or switched off
)

// Model is a named flow definition scoped to a tag and an owner path.
type Model struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"       validate:"required,min=3"`
	Tag       string    `json:"tag"        validate:"required"`
	OwnPaths  string    `json:"own_paths"`
	Template  bool      `json:"template"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scope identifies the slot in which at most one version may be enabled.
type Scope struct {
	ModelID  string `json:"model_id"`
	Tag      string `json:"tag"`
	OwnPaths string `json:"own_paths"`
}

func (s Scope) String() string {
	return s.ModelID + "/" + s.Tag + "/" + s.OwnPaths
}

// ModelVersion is a snapshot of a model's states and transitions. It is immutable once published.
type ModelVersion struct {
	ID           string        `json:"id"`
	ModelID      string        `json:"model_id"                validate:"required"`
	Tag          string        `json:"tag"                     validate:"required"`
	OwnPaths     string        `json:"own_paths"`
	InitStateID  string        `json:"init_state_id"           validate:"required"`
	Status       VersionStatus `json:"status"`
	States       []string      `json:"states"                  validate:"required,min=1,dive,required"`
	Transitions  []*Transition `json:"transitions"             validate:"dive"`
	CreatedBy    string        `json:"created_by"`
	CreatedAt    time.Time     `json:"created_at"`
	PublishedBy  string        `json:"published_by,omitempty"`
	PublishedAt  *time.Time    `json:"published_at,omitempty"`
	SupersededBy string        `json:"superseded_by,omitempty"`
}

func (v *ModelVersion) Scope() Scope {
	return Scope{ModelID: v.ModelID, Tag: v.Tag, OwnPaths: v.OwnPaths}
}

// Published reports whether the version was ever activated.
func (v *ModelVersion) Published() bool {
	return v.PublishedAt != nil
}

// Serving reports whether instances bound to the version may still move.
// A version disabled because a newer one replaced it keeps serving its instances;
// an explicitly disabled version does not.
func (v *ModelVersion) Serving() bool {
	switch v.Status {
	case VersionStatusEnabled:
		return true
	case VersionStatusDisabled:
		return v.SupersededBy != ""
	default:
		return false
	}
}

func (v *ModelVersion) HasState(stateID string) bool {
	return slices.Contains(v.States, stateID)
}

func (v *ModelVersion) Transition(id string) *Transition {
	for _, t := range v.Transitions {
		if t.ID == id {
			return t
		}
	}

	return nil
}

// TransitionsFrom returns the transitions leaving stateID ordered by Sort, then ID.
func (v *ModelVersion) TransitionsFrom(stateID string) []*Transition {
	out := make([]*Transition, 0)

	for _, t := range v.Transitions {
		if t.FromStateID == stateID {
			out = append(out, t)
		}
	}

	slices.SortStableFunc(out, func(a, b *Transition) int {
		if a.Sort != b.Sort {
			return a.Sort - b.Sort
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// TransitionTo returns the first transition from one state to another, if any.
func (v *ModelVersion) TransitionTo(fromStateID, toStateID string) *Transition {
	for _, t := range v.TransitionsFrom(fromStateID) {
		if t.ToStateID == toStateID {
			return t
		}
	}

	return nil
}

// OwnPathAncestors returns ownPaths followed by each of its parents, ending with the root "".
// Own paths are slash separated, e.g. "tenant/app".
func OwnPathAncestors(ownPaths string) []string {
	paths := []string{ownPaths}

	current := strings.Trim(ownPaths, "/")
	for current != "" {
		idx := strings.LastIndex(current, "/")
		if idx < 0 {
			current = ""
		} else {
			current = current[:idx]
		}

		paths = append(paths, current)
	}

	return slices.Compact(paths)
}
