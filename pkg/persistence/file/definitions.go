package file

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/google/uuid"
)

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}

	return id.String(), nil
}

// StateRepository handles state file operations.
type StateRepository struct {
	store store
	mu    *sync.RWMutex
}

func (r *StateRepository) SaveState(_ context.Context, state *models.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	if state.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		state.ID = id
	}

	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}

	state.UpdatedAt = now

	return r.store.write(state.ID, state)
}

func (r *StateRepository) StateByID(_ context.Context, id string) (*models.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := &models.State{}

	err := r.store.read(id, state, persistence.ErrStateNotFound)
	if err != nil {
		return nil, err
	}

	return state, nil
}

func (r *StateRepository) StatesByTag(_ context.Context, tag string) ([]*models.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states, err := all[models.State](r.store, persistence.ErrStateNotFound)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(states, func(s *models.State) bool { return s.Tag != tag }), nil
}

// ModelRepository handles model file operations.
type ModelRepository struct {
	store store
	mu    *sync.RWMutex
}

func (r *ModelRepository) SaveModel(_ context.Context, model *models.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	if model.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		model.ID = id
	}

	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}

	model.UpdatedAt = now

	return r.store.write(model.ID, model)
}

func (r *ModelRepository) ModelByID(_ context.Context, id string) (*models.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model := &models.Model{}

	err := r.store.read(id, model, persistence.ErrModelNotFound)
	if err != nil {
		return nil, err
	}

	return model, nil
}

func (r *ModelRepository) ModelsByTag(_ context.Context, tag string) ([]*models.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list, err := all[models.Model](r.store, persistence.ErrModelNotFound)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(list, func(m *models.Model) bool { return m.Tag != tag }), nil
}

// VersionRepository handles model version file operations.
type VersionRepository struct {
	store store
	mu    *sync.RWMutex
}

func (r *VersionRepository) SaveVersion(_ context.Context, version *models.ModelVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if version.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		version.ID = id
	} else {
		existing := &models.ModelVersion{}

		err := r.store.read(version.ID, existing, persistence.ErrVersionNotFound)
		if err == nil && existing.Published() {
			return &persistence.VersionError{Op: "SaveVersion", VersionID: version.ID, Err: persistence.ErrVersionImmutable}
		}
	}

	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	if version.Status == "" {
		version.Status = models.VersionStatusEditing
	}

	return r.store.write(version.ID, version)
}

func (r *VersionRepository) VersionByID(_ context.Context, id string) (*models.ModelVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.load(id)
}

func (r *VersionRepository) load(id string) (*models.ModelVersion, error) {
	version := &models.ModelVersion{}

	err := r.store.read(id, version, persistence.ErrVersionNotFound)
	if err != nil {
		return nil, err
	}

	return version, nil
}

func (r *VersionRepository) VersionsByModel(_ context.Context, modelID string) ([]*models.ModelVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, err := all[models.ModelVersion](r.store, persistence.ErrVersionNotFound)
	if err != nil {
		return nil, err
	}

	versions = slices.DeleteFunc(versions, func(v *models.ModelVersion) bool { return v.ModelID != modelID })
	slices.SortFunc(versions, func(a, b *models.ModelVersion) int { return a.CreatedAt.Compare(b.CreatedAt) })

	return versions, nil
}

func (r *VersionRepository) EnabledVersion(_ context.Context, scope models.Scope) (*models.ModelVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, err := all[models.ModelVersion](r.store, persistence.ErrVersionNotFound)
	if err != nil {
		return nil, err
	}

	matches := slices.DeleteFunc(versions, func(v *models.ModelVersion) bool {
		return v.Status != models.VersionStatusEnabled ||
			v.Tag != scope.Tag ||
			v.OwnPaths != scope.OwnPaths ||
			(scope.ModelID != "" && v.ModelID != scope.ModelID)
	})

	if len(matches) == 0 {
		return nil, persistence.ErrNoEnabledVersion
	}

	slices.SortFunc(matches, func(a, b *models.ModelVersion) int { return strings.Compare(a.ModelID, b.ModelID) })

	return matches[0], nil
}

func (r *VersionRepository) ServingVersions(_ context.Context) ([]*models.ModelVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, err := all[models.ModelVersion](r.store, persistence.ErrVersionNotFound)
	if err != nil {
		return nil, err
	}

	return slices.DeleteFunc(versions, func(v *models.ModelVersion) bool { return !v.Serving() }), nil
}

func (r *VersionRepository) EnableVersion(_ context.Context, versionID, publishedBy string, at time.Time) (*models.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	version, err := r.load(versionID)
	if err != nil {
		return nil, err
	}

	if version.Status == models.VersionStatusEnabled {
		return nil, nil
	}

	versions, err := all[models.ModelVersion](r.store, persistence.ErrVersionNotFound)
	if err != nil {
		return nil, err
	}

	var previous *models.ModelVersion

	for _, candidate := range versions {
		if candidate.ID != version.ID &&
			candidate.Status == models.VersionStatusEnabled &&
			candidate.Scope() == version.Scope() {
			previous = candidate
		}
	}

	if previous != nil {
		previous.Status = models.VersionStatusDisabled
		previous.SupersededBy = version.ID

		err = r.store.write(previous.ID, previous)
		if err != nil {
			return nil, err
		}
	}

	version.Status = models.VersionStatusEnabled
	version.SupersededBy = ""

	if version.PublishedAt == nil {
		publishedAt := at.UTC()
		version.PublishedAt = &publishedAt
		version.PublishedBy = publishedBy
	}

	err = r.store.write(version.ID, version)
	if err != nil {
		return nil, err
	}

	return previous, nil
}

func (r *VersionRepository) DisableVersion(_ context.Context, versionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	version, err := r.load(versionID)
	if err != nil {
		return err
	}

	version.Status = models.VersionStatusDisabled
	version.SupersededBy = ""

	return r.store.write(version.ID, version)
}
