package web

import (
	"errors"
	"net/http"

	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/graph"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/dukex/stateflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// flowProblem adds the failing transition and guard to a problem body.
type flowProblem struct {
	*problems.Problem
	TransitionID string `json:"transition_id,omitempty"`
	Guard        string `json:"guard,omitempty"`
}

// publishProblem lists the cycles that blocked an activation.
type publishProblem struct {
	*problems.Problem
	Findings []graph.Finding `json:"findings,omitempty"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func unauthorized(c fiber.Ctx) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("missing_actor").
		WithDetail("the " + HeaderActorID + " header is required")

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

var kindStatus = map[flow.ErrorKind]int{
	flow.KindInvalidRequest:        http.StatusBadRequest,
	flow.KindGuardRejected:         http.StatusForbidden,
	flow.KindInstanceNotFound:      http.StatusNotFound,
	flow.KindTransitionNotFound:    http.StatusNotFound,
	flow.KindWrongSourceState:      http.StatusConflict,
	flow.KindConflict:              http.StatusConflict,
	flow.KindInstanceFinished:      http.StatusConflict,
	flow.KindInstanceExists:        http.StatusConflict,
	flow.KindVersionNotEnabled:     http.StatusUnprocessableEntity,
	flow.KindDependencyUnavailable: http.StatusServiceUnavailable,
}

// handleServiceError provides typed error handling for service and engine errors.
func handleServiceError(c fiber.Ctx, err error) error {
	var (
		flowErr    *flow.Error
		publishErr *flow.PublishError
	)

	switch {
	case errors.As(err, &flowErr):
		status, ok := kindStatus[flowErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}

		problem := problems.NewStatusProblem(status).
			WithInstance(c.Path()).
			WithType(string(flowErr.Kind)).
			WithDetail(flowErr.Error())

		return c.Status(status).JSON(flowProblem{Problem: problem, TransitionID: flowErr.TransitionID, Guard: flowErr.Guard})

	case errors.As(err, &publishErr):
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("publish_rejected").
			WithDetail(publishErr.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(publishProblem{Problem: problem, Findings: publishErr.Findings})

	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("not_found").
			WithDetail(err.Error())

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case errors.Is(err, persistence.ErrInstanceExists):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("instance_exists").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
