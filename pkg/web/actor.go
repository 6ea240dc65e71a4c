package web

import (
	"strings"

	"github.com/dukex/stateflow/pkg/models"
	"github.com/gofiber/fiber/v3"
)

// Actor headers. Authentication happens in front of the API; these carry the
// already authenticated identity.
const (
	HeaderActorID          = "X-Actor-Id"
	HeaderActorOwnPaths    = "X-Actor-Own-Paths"
	HeaderActorRoles       = "X-Actor-Roles"
	HeaderActorGroups      = "X-Actor-Groups"
	HeaderActorPermissions = "X-Actor-Permissions"
)

// actorFrom reads the caller identity. Requests can never act as the system actor.
func actorFrom(c fiber.Ctx) (models.Actor, bool) {
	id := strings.TrimSpace(c.Get(HeaderActorID))
	if id == "" || id == models.SystemActorID {
		return models.Actor{}, false
	}

	return models.Actor{
		ID:          id,
		OwnPaths:    c.Get(HeaderActorOwnPaths),
		Roles:       splitHeader(c.Get(HeaderActorRoles)),
		Groups:      splitHeader(c.Get(HeaderActorGroups)),
		Permissions: splitHeader(c.Get(HeaderActorPermissions)),
	}, true
}

func splitHeader(value string) []string {
	out := make([]string, 0)

	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
