package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

// Definitions manages the states, models and versions that flows are built from.
type Definitions struct {
	persistence persistence.Persistence
	validate    *validator.Validate
}

// NewDefinitions creates a new definitions service.
func NewDefinitions(persistence persistence.Persistence, validate *validator.Validate) *Definitions {
	return &Definitions{
		persistence: persistence,
		validate:    validate,
	}
}

// HealthCheck checks the health of the persistence layer.
func (d *Definitions) HealthCheck(ctx context.Context) (string, bool) {
	if d.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := d.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

func (d *Definitions) CreateState(ctx context.Context, state *models.State) (*models.State, error) {
	if state.Kind == "" {
		state.Kind = models.StateKindSimple
	}

	if state.SysState == "" {
		state.SysState = models.SysStateProgress
	}

	err := d.validate.Struct(state)
	if err != nil {
		return nil, NewValidationError("CreateState", "invalid_state", err.Error(), ErrInvalidRequest)
	}

	err = d.persistence.StateRepository().SaveState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to save state: %w", err)
	}

	return state, nil
}

func (d *Definitions) StatesByTag(ctx context.Context, tag string) ([]*models.State, error) {
	if tag == "" {
		return nil, NewValidationError("StatesByTag", "tag_required", "", ErrTagRequired)
	}

	return d.persistence.StateRepository().StatesByTag(ctx, tag)
}

func (d *Definitions) CreateModel(ctx context.Context, model *models.Model) (*models.Model, error) {
	err := d.validate.Struct(model)
	if err != nil {
		return nil, NewValidationError("CreateModel", "invalid_model", err.Error(), ErrInvalidRequest)
	}

	err = d.persistence.ModelRepository().SaveModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("failed to save model: %w", err)
	}

	return model, nil
}

func (d *Definitions) ModelByID(ctx context.Context, id string) (*models.Model, error) {
	return d.persistence.ModelRepository().ModelByID(ctx, id)
}

// CreateVersion stores a new editable version of a model. The version takes
// its scope from the model.
func (d *Definitions) CreateVersion(ctx context.Context, modelID string, version *models.ModelVersion, actor models.Actor) (*models.ModelVersion, error) {
	model, err := d.persistence.ModelRepository().ModelByID(ctx, modelID)
	if err != nil {
		return nil, err
	}

	if version.Tag != "" && version.Tag != model.Tag {
		return nil, NewValidationError("CreateVersion", "tag_mismatch",
			fmt.Sprintf("model %s is tagged %q", model.ID, model.Tag), ErrModelTagMismatch)
	}

	version.ID = ""
	version.ModelID = model.ID
	version.Tag = model.Tag
	version.OwnPaths = model.OwnPaths
	version.Status = models.VersionStatusEditing
	version.CreatedBy = actor.ID
	version.PublishedAt = nil
	version.PublishedBy = ""
	version.SupersededBy = ""

	err = d.validate.Struct(version)
	if err != nil {
		return nil, NewValidationError("CreateVersion", "invalid_version", err.Error(), ErrInvalidRequest)
	}

	err = d.persistence.VersionRepository().SaveVersion(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to save model version: %w", err)
	}

	return version, nil
}

// UpdateVersion replaces the definition of a version still being edited.
func (d *Definitions) UpdateVersion(ctx context.Context, id string, update *models.ModelVersion) (*models.ModelVersion, error) {
	existing, err := d.persistence.VersionRepository().VersionByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing.Published() {
		return nil, &ServiceError{Op: "UpdateVersion", Code: "version_published", Message: "model version " + id + " was published", Err: ErrCannotModifyPublished}
	}

	existing.InitStateID = update.InitStateID
	existing.States = update.States
	existing.Transitions = update.Transitions

	err = d.validate.Struct(existing)
	if err != nil {
		return nil, NewValidationError("UpdateVersion", "invalid_version", err.Error(), ErrInvalidRequest)
	}

	err = d.persistence.VersionRepository().SaveVersion(ctx, existing)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionImmutable) {
			return nil, &ServiceError{Op: "UpdateVersion", Code: "version_published", Err: ErrCannotModifyPublished}
		}

		return nil, fmt.Errorf("failed to save model version: %w", err)
	}

	return existing, nil
}

func (d *Definitions) VersionByID(ctx context.Context, id string) (*models.ModelVersion, error) {
	return d.persistence.VersionRepository().VersionByID(ctx, id)
}

func (d *Definitions) VersionsByModel(ctx context.Context, modelID string) ([]*models.ModelVersion, error) {
	_, err := d.persistence.ModelRepository().ModelByID(ctx, modelID)
	if err != nil {
		return nil, err
	}

	return d.persistence.VersionRepository().VersionsByModel(ctx, modelID)
}
