package file_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/dukex/stateflow/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstance(t *testing.T, p *file.Persistence) *models.Instance {
	t.Helper()

	instance := &models.Instance{
		BusinessObjectID: "ticket-1",
		Tag:              "ticket",
		ModelVersionID:   "v1",
		CurrentStateID:   "open",
		Vars:             map[string]any{"priority": "low"},
		CreatedBy:        "alice",
	}
	require.NoError(t, p.InstanceRepository().CreateInstance(t.Context(), instance))

	return instance
}

func TestPersistence_HealthCheck(t *testing.T) {
	t.Parallel()

	p := file.NewPersistence("file://" + t.TempDir())
	require.NoError(t, p.HealthCheck(t.Context()))
	require.NoError(t, p.Close(t.Context()))

	missing := file.NewPersistence(t.TempDir() + "/does-not-exist")
	require.Error(t, missing.HealthCheck(t.Context()))
}

func TestInstanceRepository_CommitCompareAndSwap(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	p := file.NewPersistence(t.TempDir())
	repo := p.InstanceRepository()
	instance := newInstance(t, p)

	commit := persistence.Commit{
		InstanceID:       instance.ID,
		ExpectedStateID:  "open",
		ExpectedRevision: 0,
		NewStateID:       "closed",
		Entry:            models.HistoryEntry{Seq: 1, FromStateID: "open", ToStateID: "closed", TransitionID: "close", ActorID: "bob"},
		VarsPatch:        map[string]any{"reason": "done"},
	}

	updated, err := repo.CommitInstance(ctx, commit)
	require.NoError(t, err)
	assert.Equal(t, "closed", updated.CurrentStateID)
	assert.Equal(t, 1, updated.Revision)
	assert.Equal(t, "done", updated.Vars["reason"])
	assert.Equal(t, "low", updated.Vars["priority"], "commit patches vars")

	_, err = repo.CommitInstance(ctx, commit)
	require.ErrorIs(t, err, persistence.ErrConflict)

	stored, err := repo.InstanceByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Len(t, stored.History, 1)
	assert.Equal(t, stored.History[len(stored.History)-1].ToStateID, stored.CurrentStateID)
}

func TestInstanceRepository_CommitReplacesFinishTime(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	p := file.NewPersistence(t.TempDir())
	repo := p.InstanceRepository()
	instance := newInstance(t, p)
	now := time.Now().UTC()

	closed, err := repo.CommitInstance(ctx, persistence.Commit{
		InstanceID:      instance.ID,
		ExpectedStateID: "open",
		NewStateID:      "closed",
		Entry:           models.HistoryEntry{Seq: 1, FromStateID: "open", ToStateID: "closed", TransitionID: "close"},
		FinishedAt:      &now,
	})
	require.NoError(t, err)
	assert.True(t, closed.Finished())

	reopened, err := repo.CommitInstance(ctx, persistence.Commit{
		InstanceID:       instance.ID,
		ExpectedStateID:  "closed",
		ExpectedRevision: 1,
		NewStateID:       "open",
		Entry:            models.HistoryEntry{Seq: 2, FromStateID: "closed", ToStateID: "open", TransitionID: "reopen"},
	})
	require.NoError(t, err)
	assert.False(t, reopened.Finished())
	assert.Equal(t, 2, reopened.Revision)
}

func TestInstanceRepository_ChangeVar(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	p := file.NewPersistence(t.TempDir())
	repo := p.InstanceRepository()
	instance := newInstance(t, p)
	delta := 2.5

	changed, applied, err := repo.ChangeVar(ctx, instance.ID, persistence.VarChange{Marker: "src/1/0", Name: "score", Delta: &delta})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.InDelta(t, 2.5, changed.Vars["score"], 0)
	assert.True(t, changed.ActionApplied("src/1/0"))

	changed, applied, err = repo.ChangeVar(ctx, instance.ID, persistence.VarChange{Marker: "src/1/0", Name: "score", Delta: &delta})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.InDelta(t, 2.5, changed.Vars["score"], 0)

	changed, applied, err = repo.ChangeVar(ctx, instance.ID, persistence.VarChange{Name: "owner", Value: "dave"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "dave", changed.Vars["owner"])
	assert.Equal(t, "low", changed.Vars["priority"])
	assert.Equal(t, []string{"src/1/0"}, changed.AppliedActions)

	_, _, err = repo.ChangeVar(ctx, "missing", persistence.VarChange{Name: "owner", Value: "dave"})
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestInstanceRepository_ConcurrentDeltasAreNotLost(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	p := file.NewPersistence(t.TempDir())
	repo := p.InstanceRepository()
	instance := newInstance(t, p)
	one := 1.0

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _, err := repo.ChangeVar(ctx, instance.ID, persistence.VarChange{Name: "n", Delta: &one})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	stored, err := repo.InstanceByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.InDelta(t, 20, stored.Vars["n"], 0)
}

func TestInstanceRepository_BusinessObjectIsUnique(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	p := file.NewPersistence(t.TempDir())
	instance := newInstance(t, p)

	found, err := p.InstanceRepository().InstanceByBusinessObject(ctx, "ticket", "ticket-1")
	require.NoError(t, err)
	assert.Equal(t, instance.ID, found.ID)

	err = p.InstanceRepository().CreateInstance(ctx, &models.Instance{BusinessObjectID: "ticket-1", Tag: "ticket"})
	require.ErrorIs(t, err, persistence.ErrInstanceExists)

	_, err = p.InstanceRepository().InstanceByBusinessObject(ctx, "project", "ticket-1")
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestInstanceRepository_MergeVarsAndAbort(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	p := file.NewPersistence(t.TempDir())
	repo := p.InstanceRepository()
	instance := newInstance(t, p)

	merged, err := repo.MergeVars(ctx, instance.ID, map[string]any{"priority": "high", "owner": "carol"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"priority": "high", "owner": "carol"}, merged.Vars)
	assert.Equal(t, "open", merged.CurrentStateID)

	inState, err := repo.InstancesInState(ctx, "v1", "open")
	require.NoError(t, err)
	assert.Len(t, inState, 1)

	aborted, err := repo.AbortInstance(ctx, instance.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, aborted.Aborted)
	assert.True(t, aborted.Finished())

	_, err = repo.AbortInstance(ctx, instance.ID, time.Now())
	require.ErrorIs(t, err, persistence.ErrConflict)

	inState, err = repo.InstancesInState(ctx, "v1", "open")
	require.NoError(t, err)
	assert.Empty(t, inState)

	_, err = repo.CommitInstance(ctx, persistence.Commit{InstanceID: instance.ID, ExpectedStateID: "open", NewStateID: "closed"})
	require.ErrorIs(t, err, persistence.ErrConflict, "aborted instances never move")
}

func TestVersionRepository_EnableSwapsAtomically(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	p := file.NewPersistence(t.TempDir())
	repo := p.VersionRepository()

	first := &models.ModelVersion{ModelID: "m1", Tag: "ticket", OwnPaths: "acme", InitStateID: "open", States: []string{"open"}}
	second := &models.ModelVersion{ModelID: "m1", Tag: "ticket", OwnPaths: "acme", InitStateID: "open", States: []string{"open"}}
	require.NoError(t, repo.SaveVersion(ctx, first))
	require.NoError(t, repo.SaveVersion(ctx, second))
	assert.Equal(t, models.VersionStatusEditing, first.Status)

	_, err := repo.EnabledVersion(ctx, first.Scope())
	require.ErrorIs(t, err, persistence.ErrNoEnabledVersion)

	previous, err := repo.EnableVersion(ctx, first.ID, "alice", time.Now())
	require.NoError(t, err)
	assert.Nil(t, previous)

	previous, err = repo.EnableVersion(ctx, second.ID, "bob", time.Now())
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, first.ID, previous.ID)

	enabled, err := repo.EnabledVersion(ctx, models.Scope{Tag: "ticket", OwnPaths: "acme"})
	require.NoError(t, err)
	assert.Equal(t, second.ID, enabled.ID)
	assert.Equal(t, "bob", enabled.PublishedBy)

	old, err := repo.VersionByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusDisabled, old.Status)
	assert.Equal(t, second.ID, old.SupersededBy)
	assert.True(t, old.Serving())

	serving, err := repo.ServingVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, serving, 2)

	require.NoError(t, repo.DisableVersion(ctx, first.ID))

	serving, err = repo.ServingVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, serving, 1)

	old.InitStateID = "other"
	require.ErrorIs(t, repo.SaveVersion(ctx, old), persistence.ErrVersionImmutable)
}

func TestDefinitionRepositories(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())

	state := &models.State{Name: "Open", SysState: models.SysStateStart, Kind: models.StateKindSimple, Tag: "ticket"}
	require.NoError(t, p.StateRepository().SaveState(ctx, state))
	require.NoError(t, p.StateRepository().SaveState(ctx, &models.State{Name: "Idea", Tag: "project"}))
	assert.NotEmpty(t, state.ID)

	states, err := p.StateRepository().StatesByTag(ctx, "ticket")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "Open", states[0].Name)

	_, err = p.StateRepository().StateByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrStateNotFound)

	model := &models.Model{Name: "Tickets", Tag: "ticket"}
	require.NoError(t, p.ModelRepository().SaveModel(ctx, model))

	loaded, err := p.ModelRepository().ModelByID(ctx, model.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tickets", loaded.Name)

	byTag, err := p.ModelRepository().ModelsByTag(ctx, "ticket")
	require.NoError(t, err)
	assert.Len(t, byTag, 1)

	version := &models.ModelVersion{ModelID: model.ID, Tag: "ticket", InitStateID: state.ID, States: []string{state.ID}}
	require.NoError(t, p.VersionRepository().SaveVersion(ctx, version))

	versions, err := p.VersionRepository().VersionsByModel(ctx, model.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}
