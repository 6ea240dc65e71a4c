package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/dukex/stateflow/pkg/persistence/sqlbase"
)

// StateRepository handles state database operations.
type StateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStateRepository creates a new state repository.
func NewStateRepository(db *sql.DB, logger *slog.Logger) *StateRepository {
	return &StateRepository{db: db, logger: logger}
}

const stateColumns = `
	id
  , name
  , icon
  , info
  , sys_state
  , state_kind
  , vars
  , kind_conf
  , template
  , rel_state_id
  , tag
  , own_paths
  , created_at
  , updated_at
`

// SaveState inserts or updates a state.
func (r *StateRepository) SaveState(ctx context.Context, state *models.State) error {
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

	query := `
		INSERT INTO flow_states (` + stateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , icon = EXCLUDED.icon
		  , info = EXCLUDED.info
		  , sys_state = EXCLUDED.sys_state
		  , state_kind = EXCLUDED.state_kind
		  , vars = EXCLUDED.vars
		  , kind_conf = EXCLUDED.kind_conf
		  , template = EXCLUDED.template
		  , rel_state_id = EXCLUDED.rel_state_id
		  , tag = EXCLUDED.tag
		  , own_paths = EXCLUDED.own_paths
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		state.ID, state.Name, state.Icon, state.Info, state.SysState, state.Kind,
		rawJSONB(state.Vars), rawJSONB(state.KindConf), state.Template, state.RelStateID,
		state.Tag, state.OwnPaths, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save state %s: %w", state.ID, err)
	}

	return nil
}

func (r *StateRepository) StateByID(ctx context.Context, id string) (*models.State, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM flow_states WHERE id = $1`, id)

	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrStateNotFound
		}

		return nil, fmt.Errorf("failed to scan state: %w", err)
	}

	return state, nil
}

// StatesByTag returns every state of a tag ordered by creation.
func (r *StateRepository) StatesByTag(ctx context.Context, tag string) ([]*models.State, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM flow_states WHERE tag = $1 ORDER BY created_at, id`, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	states := make([]*models.State, 0)

	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}

		states = append(states, state)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating states: %w", err)
	}

	return states, nil
}

func scanState(row rowScanner) (*models.State, error) {
	var (
		state    models.State
		vars     []byte
		kindConf []byte
	)

	err := row.Scan(
		&state.ID, &state.Name, &state.Icon, &state.Info, &state.SysState, &state.Kind,
		&vars, &kindConf, &state.Template, &state.RelStateID, &state.Tag, &state.OwnPaths,
		&state.CreatedAt, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(vars) > 0 {
		state.Vars = json.RawMessage(vars)
	}

	if len(kindConf) > 0 {
		state.KindConf = json.RawMessage(kindConf)
	}

	return &state, nil
}

// ModelRepository handles model database operations.
type ModelRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewModelRepository creates a new model repository.
func NewModelRepository(db *sql.DB, logger *slog.Logger) *ModelRepository {
	return &ModelRepository{db: db, logger: logger}
}

const modelColumns = `id, name, tag, own_paths, template, created_at, updated_at`

func (r *ModelRepository) SaveModel(ctx context.Context, model *models.Model) error {
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

	query := `
		INSERT INTO flow_models (` + modelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , tag = EXCLUDED.tag
		  , own_paths = EXCLUDED.own_paths
		  , template = EXCLUDED.template
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		model.ID, model.Name, model.Tag, model.OwnPaths, model.Template, model.CreatedAt, model.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save model %s: %w", model.ID, err)
	}

	return nil
}

func (r *ModelRepository) ModelByID(ctx context.Context, id string) (*models.Model, error) {
	var model models.Model

	err := r.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM flow_models WHERE id = $1`, id).Scan(
		&model.ID, &model.Name, &model.Tag, &model.OwnPaths, &model.Template, &model.CreatedAt, &model.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrModelNotFound
		}

		return nil, fmt.Errorf("failed to scan model: %w", err)
	}

	return &model, nil
}

func (r *ModelRepository) ModelsByTag(ctx context.Context, tag string) ([]*models.Model, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM flow_models WHERE tag = $1 ORDER BY created_at, id`, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	list := make([]*models.Model, 0)

	for rows.Next() {
		var model models.Model

		err := rows.Scan(&model.ID, &model.Name, &model.Tag, &model.OwnPaths, &model.Template, &model.CreatedAt, &model.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}

		list = append(list, &model)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating models: %w", err)
	}

	return list, nil
}

// VersionRepository handles model version database operations.
type VersionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewVersionRepository creates a new model version repository.
func NewVersionRepository(db *sql.DB, logger *slog.Logger) *VersionRepository {
	return &VersionRepository{db: db, logger: logger}
}

const versionColumns = `
	id
  , model_id
  , tag
  , own_paths
  , init_state_id
  , status
  , states
  , transitions
  , created_by
  , created_at
  , published_by
  , published_at
  , superseded_by
`

// SaveVersion upserts an unpublished version. The definition of a published version never changes.
func (r *VersionRepository) SaveVersion(ctx context.Context, version *models.ModelVersion) error {
	if version.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}

		version.ID = id
	}

	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	if version.Status == "" {
		version.Status = models.VersionStatusEditing
	}

	states, err := jsonb(version.States)
	if err != nil {
		return err
	}

	transitions, err := jsonb(version.Transitions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flow_model_versions (id, model_id, tag, own_paths, init_state_id, status, states, transitions, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			model_id = EXCLUDED.model_id
		  , tag = EXCLUDED.tag
		  , own_paths = EXCLUDED.own_paths
		  , init_state_id = EXCLUDED.init_state_id
		  , states = EXCLUDED.states
		  , transitions = EXCLUDED.transitions
		WHERE flow_model_versions.published_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		version.ID, version.ModelID, version.Tag, version.OwnPaths, version.InitStateID, version.Status,
		states, transitions, version.CreatedBy, version.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save model version %s: %w", version.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return &persistence.VersionError{Op: "SaveVersion", VersionID: version.ID, Err: persistence.ErrVersionImmutable}
	}

	return nil
}

func (r *VersionRepository) VersionByID(ctx context.Context, id string) (*models.ModelVersion, error) {
	return r.versionByID(ctx, r.db, id, "")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *VersionRepository) versionByID(ctx context.Context, q queryer, id, suffix string) (*models.ModelVersion, error) {
	row := q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM flow_model_versions WHERE id = $1 `+suffix, id)

	version, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrVersionNotFound
		}

		return nil, fmt.Errorf("failed to scan model version: %w", err)
	}

	return version, nil
}

func (r *VersionRepository) VersionsByModel(ctx context.Context, modelID string) ([]*models.ModelVersion, error) {
	return r.queryVersions(ctx, `SELECT `+versionColumns+` FROM flow_model_versions WHERE model_id = $1 ORDER BY created_at, id`, modelID)
}

func (r *VersionRepository) EnabledVersion(ctx context.Context, scope models.Scope) (*models.ModelVersion, error) {
	query := `
		SELECT ` + versionColumns + `
		FROM flow_model_versions
		WHERE status = 'enabled' AND tag = $1 AND own_paths = $2 AND ($3 = '' OR model_id = $3)
		ORDER BY model_id
		LIMIT 1
	`

	version, err := scanVersion(r.db.QueryRowContext(ctx, query, scope.Tag, scope.OwnPaths, scope.ModelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNoEnabledVersion
		}

		return nil, fmt.Errorf("failed to scan model version: %w", err)
	}

	return version, nil
}

func (r *VersionRepository) ServingVersions(ctx context.Context) ([]*models.ModelVersion, error) {
	return r.queryVersions(ctx, `
		SELECT `+versionColumns+`
		FROM flow_model_versions
		WHERE status = 'enabled' OR (status = 'disabled' AND superseded_by <> '')
		ORDER BY created_at, id
	`)
}

func (r *VersionRepository) queryVersions(ctx context.Context, query string, args ...any) ([]*models.ModelVersion, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query model versions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	versions := make([]*models.ModelVersion, 0)

	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model version: %w", err)
		}

		versions = append(versions, version)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating model versions: %w", err)
	}

	return versions, nil
}

// EnableVersion swaps the enabled version of the scope inside one transaction.
// Swaps on the same scope are serialized with a transaction-level advisory lock.
func (r *VersionRepository) EnableVersion(ctx context.Context, versionID, publishedBy string, at time.Time) (*models.ModelVersion, error) {
	var previousID string

	err := sqlbase.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		version, err := r.versionByID(ctx, tx, versionID, "FOR UPDATE")
		if err != nil {
			return err
		}

		if version.Status == models.VersionStatusEnabled {
			return nil
		}

		_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, version.Scope().String())
		if err != nil {
			return fmt.Errorf("failed to lock version scope: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			UPDATE flow_model_versions
			SET status = 'disabled', superseded_by = $1
			WHERE model_id = $2 AND tag = $3 AND own_paths = $4 AND status = 'enabled'
			RETURNING id
		`, version.ID, version.ModelID, version.Tag, version.OwnPaths).Scan(&previousID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to disable previous version: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE flow_model_versions
			SET status = 'enabled'
			  , superseded_by = ''
			  , published_at = COALESCE(published_at, $2)
			  , published_by = CASE WHEN published_at IS NULL THEN $3 ELSE published_by END
			WHERE id = $1
		`, version.ID, at.UTC(), publishedBy)
		if err != nil {
			return fmt.Errorf("failed to enable version: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, &persistence.VersionError{Op: "EnableVersion", VersionID: versionID, Err: err}
	}

	if previousID == "" {
		return nil, nil
	}

	return r.VersionByID(ctx, previousID)
}

func (r *VersionRepository) DisableVersion(ctx context.Context, versionID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE flow_model_versions SET status = 'disabled', superseded_by = '' WHERE id = $1
	`, versionID)
	if err != nil {
		return fmt.Errorf("failed to disable version %s: %w", versionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrVersionNotFound
	}

	return nil
}

func scanVersion(row rowScanner) (*models.ModelVersion, error) {
	var (
		version     models.ModelVersion
		states      []byte
		transitions []byte
		publishedAt sql.NullTime
	)

	err := row.Scan(
		&version.ID, &version.ModelID, &version.Tag, &version.OwnPaths, &version.InitStateID, &version.Status,
		&states, &transitions, &version.CreatedBy, &version.CreatedAt, &version.PublishedBy, &publishedAt,
		&version.SupersededBy,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(states, &version.States)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	err = json.Unmarshal(transitions, &version.Transitions)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal transitions: %w", err)
	}

	if publishedAt.Valid {
		version.PublishedAt = &publishedAt.Time
	}

	return &version, nil
}
