// Package web provides HTTP handlers and REST API endpoints for flow definitions and instances.
package web

import (
	"net/http"
	"time"

	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/graph"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	definitions *services.Definitions
	engine      *flow.Engine
	publisher   *flow.Publisher
	validator   *validator.Validate
}

func NewAPIHandlers(
	definitions *services.Definitions,
	engine *flow.Engine,
	publisher *flow.Publisher,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		definitions: definitions,
		engine:      engine,
		publisher:   publisher,
		validator:   validator,
	}
}

// Register mounts every endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	s := router.Group("/states")
	s.Get("/", h.GetStates)
	s.Post("/", h.CreateState)

	m := router.Group("/models")
	m.Post("/", h.CreateModel)
	m.Get("/:id", h.GetModel)
	m.Get("/:id/versions", h.GetModelVersions)
	m.Post("/:id/versions", h.CreateVersion)

	v := router.Group("/versions")
	v.Get("/:id", h.GetVersion)
	v.Put("/:id", h.UpdateVersion)
	v.Post("/:id/publish", h.PublishVersion)
	v.Post("/:id/disable", h.DisableVersion)

	i := router.Group("/instances")
	i.Post("/", h.StartInstance)
	i.Get("/:id", h.GetInstance)
	i.Get("/:id/next-transitions", h.NextTransitions)
	i.Post("/:id/transitions", h.ApplyTransition)
	i.Patch("/:id/vars", h.ModifyVars)
	i.Post("/:id/abort", h.AbortInstance)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.definitions.HealthCheck(c.Context())

	status := "unhealthy"
	message := "stateflow is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "stateflow is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetStates(c fiber.Ctx) error {
	states, err := h.definitions.StatesByTag(c.Context(), c.Query("tag"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(states)
}

func (h *APIHandlers) CreateState(c fiber.Ctx) error {
	var req CreateStateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	state, err := h.definitions.CreateState(c.Context(), req.State())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(state)
}

func (h *APIHandlers) CreateModel(c fiber.Ctx) error {
	var req CreateModelRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	model, err := h.definitions.CreateModel(c.Context(), &models.Model{
		Name:     req.Name,
		Tag:      req.Tag,
		OwnPaths: req.OwnPaths,
		Template: req.Template,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(model)
}

func (h *APIHandlers) GetModel(c fiber.Ctx) error {
	model, err := h.definitions.ModelByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(model)
}

func (h *APIHandlers) GetModelVersions(c fiber.Ctx) error {
	versions, err := h.definitions.VersionsByModel(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(versions)
}

func (h *APIHandlers) CreateVersion(c fiber.Ctx) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req VersionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	version, err := h.definitions.CreateVersion(c.Context(), c.Params("id"), req.Version(), actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func (h *APIHandlers) GetVersion(c fiber.Ctx) error {
	version, err := h.definitions.VersionByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) UpdateVersion(c fiber.Ctx) error {
	var req VersionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	version, err := h.definitions.UpdateVersion(c.Context(), c.Params("id"), req.Version())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) PublishVersion(c fiber.Ctx) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req PublishVersionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.publisher.Publish(c.Context(), c.Params("id"), actor, graph.Policy(req.Policy))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) DisableVersion(c fiber.Ctx) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}

	version, err := h.publisher.Disable(c.Context(), c.Params("id"), actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) StartInstance(c fiber.Ctx) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req flow.StartRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.Start(c.Context(), req, actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	instance, err := h.engine.Instance(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) NextTransitions(c fiber.Ctx) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}

	transitions, err := h.engine.NextTransitions(c.Context(), c.Params("id"), actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(transitions)
}

func (h *APIHandlers) ApplyTransition(c fiber.Ctx) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req ApplyTransitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.ApplyTransition(c.Context(), flow.TransitionRequest{
		InstanceID:   c.Params("id"),
		TransitionID: req.TransitionID,
		Vars:         req.Vars,
		Message:      req.Message,
	}, actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) ModifyVars(c fiber.Ctx) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req ModifyVarsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.ModifyVars(c.Context(), c.Params("id"), req.Vars, actor)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) AbortInstance(c fiber.Ctx) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}

	var req AbortRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	instance, err := h.engine.Abort(c.Context(), c.Params("id"), actor, req.Message)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}
