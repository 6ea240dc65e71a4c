package file

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
)

// InstanceRepository handles flow instance file operations.
type InstanceRepository struct {
	store store
	mu    *sync.RWMutex
}

func (r *InstanceRepository) CreateInstance(_ context.Context, instance *models.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.byBusinessObject(instance.Tag, instance.BusinessObjectID)
	if err != nil {
		return err
	}

	if existing != nil {
		return persistence.NewInstanceError("Create", existing.ID, persistence.ErrInstanceExists)
	}

	if instance.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		instance.ID = id
	}

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = time.Now().UTC()
	}

	if instance.Vars == nil {
		instance.Vars = make(map[string]any)
	}

	instance.Revision = len(instance.History)

	return r.store.write(instance.ID, instance)
}

func (r *InstanceRepository) InstanceByID(_ context.Context, id string) (*models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.load(id)
}

func (r *InstanceRepository) load(id string) (*models.Instance, error) {
	instance := &models.Instance{}

	err := r.store.read(id, instance, persistence.ErrInstanceNotFound)
	if err != nil {
		return nil, err
	}

	return instance, nil
}

func (r *InstanceRepository) InstanceByBusinessObject(_ context.Context, tag, businessObjectID string) (*models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, err := r.byBusinessObject(tag, businessObjectID)
	if err != nil {
		return nil, err
	}

	if instance == nil {
		return nil, persistence.ErrInstanceNotFound
	}

	return instance, nil
}

func (r *InstanceRepository) byBusinessObject(tag, businessObjectID string) (*models.Instance, error) {
	instances, err := all[models.Instance](r.store, persistence.ErrInstanceNotFound)
	if err != nil {
		return nil, err
	}

	for _, instance := range instances {
		if instance.Tag == tag && instance.BusinessObjectID == businessObjectID {
			return instance, nil
		}
	}

	return nil, nil
}

func (r *InstanceRepository) InstancesInState(_ context.Context, versionID, stateID string) ([]*models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances, err := all[models.Instance](r.store, persistence.ErrInstanceNotFound)
	if err != nil {
		return nil, err
	}

	instances = slices.DeleteFunc(instances, func(i *models.Instance) bool {
		return i.ModelVersionID != versionID || i.CurrentStateID != stateID || i.Aborted
	})
	slices.SortFunc(instances, func(a, b *models.Instance) int { return strings.Compare(a.ID, b.ID) })

	return instances, nil
}

func (r *InstanceRepository) CommitInstance(_ context.Context, commit persistence.Commit) (*models.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, err := r.load(commit.InstanceID)
	if err != nil {
		return nil, err
	}

	if instance.Aborted ||
		instance.CurrentStateID != commit.ExpectedStateID ||
		instance.Revision != commit.ExpectedRevision {
		return nil, persistence.NewInstanceError("Commit", commit.InstanceID, persistence.ErrConflict)
	}

	instance.History = append(instance.History, commit.Entry)
	instance.Revision = len(instance.History)
	instance.CurrentStateID = commit.NewStateID
	instance.Vars = models.MergeVars(instance.Vars, commit.VarsPatch)
	instance.FinishedAt = commit.FinishedAt

	err = r.store.write(instance.ID, instance)
	if err != nil {
		return nil, err
	}

	return instance, nil
}

func (r *InstanceRepository) MergeVars(_ context.Context, id string, patch map[string]any) (*models.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, err := r.load(id)
	if err != nil {
		return nil, err
	}

	instance.Vars = models.MergeVars(instance.Vars, patch)

	err = r.store.write(instance.ID, instance)
	if err != nil {
		return nil, err
	}

	return instance, nil
}

func (r *InstanceRepository) ChangeVar(_ context.Context, id string, change persistence.VarChange) (*models.Instance, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, err := r.load(id)
	if err != nil {
		return nil, false, err
	}

	if instance.ActionApplied(change.Marker) {
		return instance, false, nil
	}

	value := change.Value
	if change.Delta != nil {
		current, _ := models.Number(instance.Vars[change.Name])
		value = current + *change.Delta
	}

	instance.Vars = models.MergeVars(instance.Vars, map[string]any{change.Name: value})

	if change.Marker != "" {
		instance.AppliedActions = append(instance.AppliedActions, change.Marker)
	}

	err = r.store.write(instance.ID, instance)
	if err != nil {
		return nil, false, err
	}

	return instance, true, nil
}

func (r *InstanceRepository) AbortInstance(_ context.Context, id string, at time.Time) (*models.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, err := r.load(id)
	if err != nil {
		return nil, err
	}

	if instance.Finished() {
		return nil, persistence.NewInstanceError("Abort", id, persistence.ErrConflict)
	}

	finishedAt := at.UTC()
	instance.FinishedAt = &finishedAt
	instance.Aborted = true

	err = r.store.write(instance.ID, instance)
	if err != nil {
		return nil, err
	}

	return instance, nil
}
