// Package persistence provides the storage abstraction for flow definitions and instances.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/stateflow/pkg/models"
)

type Persistence interface {
	StateRepository() StateRepository
	ModelRepository() ModelRepository
	VersionRepository() VersionRepository
	InstanceRepository() InstanceRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type StateRepository interface {
	SaveState(ctx context.Context, state *models.State) error
	StateByID(ctx context.Context, id string) (*models.State, error)
	StatesByTag(ctx context.Context, tag string) ([]*models.State, error)
}

type ModelRepository interface {
	SaveModel(ctx context.Context, model *models.Model) error
	ModelByID(ctx context.Context, id string) (*models.Model, error)
	ModelsByTag(ctx context.Context, tag string) ([]*models.Model, error)
}

type VersionRepository interface {
	// SaveVersion creates or updates a version. Published versions return ErrVersionImmutable.
	SaveVersion(ctx context.Context, version *models.ModelVersion) error
	VersionByID(ctx context.Context, id string) (*models.ModelVersion, error)
	VersionsByModel(ctx context.Context, modelID string) ([]*models.ModelVersion, error)

	// EnabledVersion returns the enabled version of a scope. An empty scope.ModelID
	// matches any model of the tag and own paths.
	EnabledVersion(ctx context.Context, scope models.Scope) (*models.ModelVersion, error)

	// ServingVersions returns every version whose bound instances may still move.
	ServingVersions(ctx context.Context) ([]*models.ModelVersion, error)

	// EnableVersion atomically makes versionID the enabled version of its scope.
	// The previously enabled version, if any, is disabled, marked superseded and returned.
	EnableVersion(ctx context.Context, versionID, publishedBy string, at time.Time) (*models.ModelVersion, error)

	// DisableVersion explicitly disables a version.
	DisableVersion(ctx context.Context, versionID string) error
}

// Commit is a compare-and-swap instance update. It applies only while the stored
// instance is not aborted, sits in ExpectedStateID and has ExpectedRevision entries.
// FinishedAt replaces the stored finish time, so a nil value clears it.
// VarsPatch is overlaid on the stored variables so concurrent merges are kept.
type Commit struct {
	InstanceID       string
	ExpectedStateID  string
	ExpectedRevision int
	NewStateID       string
	Entry            models.HistoryEntry
	VarsPatch        map[string]any
	FinishedAt       *time.Time
}

// VarChange sets one instance variable, or adds Delta to its numeric value when
// Delta is set. A non-empty Marker is recorded on the instance and makes the
// change apply at most once.
type VarChange struct {
	Marker string
	Name   string
	Value  any
	Delta  *float64
}

type InstanceRepository interface {
	// CreateInstance stores a new instance. A business object has at most one instance per tag.
	CreateInstance(ctx context.Context, instance *models.Instance) error
	InstanceByID(ctx context.Context, id string) (*models.Instance, error)
	InstanceByBusinessObject(ctx context.Context, tag, businessObjectID string) (*models.Instance, error)

	// InstancesInState lists the instances of a version standing in stateID. Aborted instances are left out.
	InstancesInState(ctx context.Context, versionID, stateID string) ([]*models.Instance, error)

	// CommitInstance appends the history entry and moves the state pointer atomically.
	// A lost race returns ErrConflict.
	CommitInstance(ctx context.Context, commit Commit) (*models.Instance, error)

	// MergeVars overlays patch onto the instance variables without moving its state.
	MergeVars(ctx context.Context, id string, patch map[string]any) (*models.Instance, error)

	// ChangeVar applies change atomically against the stored variables. The returned
	// flag is false when the change's marker was already recorded and nothing changed.
	ChangeVar(ctx context.Context, id string, change VarChange) (*models.Instance, bool, error)

	// AbortInstance finishes an unfinished instance. Instances with a finish time return ErrConflict.
	AbortInstance(ctx context.Context, id string, at time.Time) (*models.Instance, error)
}
