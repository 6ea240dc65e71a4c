package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/dukex/stateflow/pkg/persistence/sqlbase"
)

// InstanceRepository handles flow instance database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

const instanceColumns = `
	id
  , business_object_id
  , tag
  , own_paths
  , model_version_id
  , current_state_id
  , vars
  , revision
  , created_by
  , created_at
  , finished_at
  , aborted
  , applied_actions
`

func (r *InstanceRepository) CreateInstance(ctx context.Context, instance *models.Instance) error {
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

	vars, err := jsonb(instance.Vars)
	if err != nil {
		return err
	}

	instance.Revision = 0
	instance.History = nil

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, NULL, false, '[]')
	`, instance.ID, instance.BusinessObjectID, instance.Tag, instance.OwnPaths, instance.ModelVersionID,
		instance.CurrentStateID, vars, instance.CreatedBy, instance.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "idx_flow_instances_business_object") {
			return persistence.NewInstanceError("Create", instance.ID, persistence.ErrInstanceExists)
		}

		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

func (r *InstanceRepository) InstanceByID(ctx context.Context, id string) (*models.Instance, error) {
	return r.loadOne(ctx, `SELECT `+instanceColumns+` FROM flow_instances WHERE id = $1`, id)
}

func (r *InstanceRepository) InstanceByBusinessObject(ctx context.Context, tag, businessObjectID string) (*models.Instance, error) {
	return r.loadOne(ctx, `SELECT `+instanceColumns+` FROM flow_instances WHERE tag = $1 AND business_object_id = $2`, tag, businessObjectID)
}

func (r *InstanceRepository) loadOne(ctx context.Context, query string, args ...any) (*models.Instance, error) {
	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	err = r.loadHistory(ctx, instance)
	if err != nil {
		return nil, err
	}

	return instance, nil
}

func (r *InstanceRepository) InstancesInState(ctx context.Context, versionID, stateID string) ([]*models.Instance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM flow_instances
		WHERE model_version_id = $1 AND current_state_id = $2 AND NOT aborted
		ORDER BY id
	`, versionID, stateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	instances := make([]*models.Instance, 0)

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	for _, instance := range instances {
		err := r.loadHistory(ctx, instance)
		if err != nil {
			return nil, err
		}
	}

	return instances, nil
}

// CommitInstance moves the state pointer with a conditional update and appends
// the history entry in the same transaction.
func (r *InstanceRepository) CommitInstance(ctx context.Context, commit persistence.Commit) (*models.Instance, error) {
	patch := commit.VarsPatch
	if patch == nil {
		patch = map[string]any{}
	}

	vars, err := jsonb(patch)
	if err != nil {
		return nil, err
	}

	entryVars, err := jsonb(commit.Entry.Vars)
	if err != nil {
		return nil, err
	}

	err = sqlbase.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE flow_instances
			SET current_state_id = $1
			  , revision = revision + 1
			  , vars = (CASE WHEN jsonb_typeof(vars) = 'object' THEN vars ELSE '{}'::jsonb END) || $2::jsonb
			  , finished_at = $3
			WHERE id = $4
			  AND current_state_id = $5
			  AND revision = $6
			  AND NOT aborted
		`, commit.NewStateID, vars, commit.FinishedAt, commit.InstanceID, commit.ExpectedStateID, commit.ExpectedRevision)
		if err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}

		if affected == 0 {
			return r.missOrConflict(ctx, tx, commit.InstanceID)
		}

		entry := commit.Entry

		_, err = tx.ExecContext(ctx, `
			INSERT INTO flow_instance_history (instance_id, seq, from_state_id, to_state_id, transition_id, actor_id, message, vars, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, commit.InstanceID, commit.ExpectedRevision+1, entry.FromStateID, entry.ToStateID, entry.TransitionID,
			entry.ActorID, entry.Message, entryVars, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, persistence.NewInstanceError("Commit", commit.InstanceID, err)
	}

	return r.InstanceByID(ctx, commit.InstanceID)
}

func (r *InstanceRepository) missOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool

	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM flow_instances WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check instance: %w", err)
	}

	if !exists {
		return persistence.ErrInstanceNotFound
	}

	return persistence.ErrConflict
}

func (r *InstanceRepository) MergeVars(ctx context.Context, id string, patch map[string]any) (*models.Instance, error) {
	encoded, err := jsonb(patch)
	if err != nil {
		return nil, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE flow_instances
		SET vars = (CASE WHEN jsonb_typeof(vars) = 'object' THEN vars ELSE '{}'::jsonb END) || $2::jsonb
		WHERE id = $1
	`, id, encoded)
	if err != nil {
		return nil, persistence.NewInstanceError("MergeVars", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return nil, persistence.NewInstanceError("MergeVars", id, persistence.ErrInstanceNotFound)
	}

	return r.InstanceByID(ctx, id)
}

func (r *InstanceRepository) ChangeVar(ctx context.Context, id string, change persistence.VarChange) (*models.Instance, bool, error) {
	value, err := jsonb(change.Value)
	if err != nil {
		return nil, false, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE flow_instances
		SET vars = (CASE WHEN jsonb_typeof(vars) = 'object' THEN vars ELSE '{}'::jsonb END)
		        || jsonb_build_object($2::text, CASE
		               WHEN $4::float8 IS NULL THEN $3::jsonb
		               WHEN jsonb_typeof(vars -> $2::text) = 'number' THEN to_jsonb((vars ->> $2::text)::float8 + $4::float8)
		               ELSE to_jsonb($4::float8)
		           END)
		  , applied_actions = CASE WHEN $5::text = '' THEN applied_actions ELSE applied_actions || jsonb_build_array($5::text) END
		WHERE id = $1
		  AND ($5::text = '' OR NOT applied_actions @> jsonb_build_array($5::text))
	`, id, change.Name, value, change.Delta, change.Marker)
	if err != nil {
		return nil, false, persistence.NewInstanceError("ChangeVar", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	instance, err := r.InstanceByID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	return instance, affected > 0, nil
}

func (r *InstanceRepository) AbortInstance(ctx context.Context, id string, at time.Time) (*models.Instance, error) {
	err := sqlbase.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE flow_instances SET finished_at = $2, aborted = true WHERE id = $1 AND finished_at IS NULL
		`, id, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to abort instance: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}

		if affected == 0 {
			return r.missOrConflict(ctx, tx, id)
		}

		return nil
	})
	if err != nil {
		return nil, persistence.NewInstanceError("Abort", id, err)
	}

	return r.InstanceByID(ctx, id)
}

func (r *InstanceRepository) loadHistory(ctx context.Context, instance *models.Instance) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, from_state_id, to_state_id, transition_id, actor_id, message, vars, created_at
		FROM flow_instance_history
		WHERE instance_id = $1
		ORDER BY seq
	`, instance.ID)
	if err != nil {
		return fmt.Errorf("failed to query instance history: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	instance.History = make([]models.HistoryEntry, 0, instance.Revision)

	for rows.Next() {
		var (
			entry models.HistoryEntry
			vars  []byte
		)

		err := rows.Scan(&entry.Seq, &entry.FromStateID, &entry.ToStateID, &entry.TransitionID,
			&entry.ActorID, &entry.Message, &vars, &entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to scan history entry: %w", err)
		}

		if len(vars) > 0 {
			err = json.Unmarshal(vars, &entry.Vars)
			if err != nil {
				return fmt.Errorf("failed to unmarshal history vars: %w", err)
			}
		}

		instance.History = append(instance.History, entry)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("error iterating instance history: %w", err)
	}

	return nil
}

func scanInstance(row rowScanner) (*models.Instance, error) {
	var (
		instance   models.Instance
		vars       []byte
		applied    []byte
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&instance.ID, &instance.BusinessObjectID, &instance.Tag, &instance.OwnPaths, &instance.ModelVersionID,
		&instance.CurrentStateID, &vars, &instance.Revision, &instance.CreatedBy, &instance.CreatedAt,
		&finishedAt, &instance.Aborted, &applied,
	)
	if err != nil {
		return nil, err
	}

	instance.Vars = make(map[string]any)

	if len(vars) > 0 {
		err = json.Unmarshal(vars, &instance.Vars)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal vars: %w", err)
		}
	}

	if finishedAt.Valid {
		instance.FinishedAt = &finishedAt.Time
	}

	if len(applied) > 0 {
		err = json.Unmarshal(applied, &instance.AppliedActions)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal applied actions: %w", err)
		}
	}

	return &instance, nil
}
