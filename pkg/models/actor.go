package models

import (
	"slices"
	"strings"
)

// SystemActorID identifies transitions fired by automation.
const SystemActorID = "system"

// Actor is the opaque caller identity passed into every flow operation.
type Actor struct {
	ID          string   `json:"id"`
	OwnPaths    string   `json:"own_paths"`
	Roles       []string `json:"roles,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	System      bool     `json:"system,omitempty"`
}

func SystemActor() Actor {
	return Actor{ID: SystemActorID, System: true}
}

func (a Actor) HasPermission(permission string) bool {
	return slices.Contains(a.Permissions, permission)
}

// HasRole matches role IDs ignoring any ":scope" suffix on either side.
func (a Actor) HasRole(roleID string) bool {
	want := rolePrefix(roleID)

	for _, role := range a.Roles {
		if rolePrefix(role) == want {
			return true
		}
	}

	return false
}

func rolePrefix(role string) string {
	prefix, _, _ := strings.Cut(role, ":")

	return prefix
}
