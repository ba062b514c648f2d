package postgres

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// instanceRepository manages wf_instance rows.
type instanceRepository struct {
	tx pgx.Tx
}

const instanceColumns = `
	id, scenario_id, entity_id, remark, requester_id,
	current_node_order, status, blocked, blocked_reason,
	started_at, ended_at, created_at, updated_at
`

// Create inserts a new instance. The partial unique index on
// (entity_id, remark) rejects a second DRAFT/RUNNING instance.
func (r *instanceRepository) Create(ctx context.Context, inst *repository.Instance) error {
	query := `
		INSERT INTO wf_instance
		    (scenario_id, entity_id, remark, requester_id,
		     current_node_order, status, blocked, blocked_reason, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	err := r.tx.QueryRow(ctx, query,
		inst.ScenarioID,
		inst.EntityID,
		inst.Remark,
		inst.RequesterID,
		inst.CurrentNodeOrder,
		inst.Status,
		inst.Blocked,
		inst.BlockedReason,
		inst.StartedAt,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		appErr := writeError(err, "failed to create workflow instance")
		if errors.Is(appErr, errors.ErrCodeDuplicateActive) {
			return errors.Newf(errors.ErrCodeDuplicateActive,
				"an active workflow already exists for %s %s", inst.Remark, inst.EntityID).
				WithDetail(errors.DetailEntityID, inst.EntityID)
		}
		return appErr
	}
	return nil
}

// Get retrieves an instance by id.
func (r *instanceRepository) Get(ctx context.Context, id string) (*repository.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM wf_instance WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetForUpdate retrieves an instance and locks its row.
func (r *instanceRepository) GetForUpdate(ctx context.Context, id string) (*repository.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM wf_instance WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *instanceRepository) getOne(ctx context.Context, query, id string) (*repository.Instance, error) {
	inst, err := scanInstance(r.tx.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("workflow_instance", id).WithDetail(errors.DetailInstanceID, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instance")
	}
	return inst, nil
}

// Update writes the mutable columns of an instance.
func (r *instanceRepository) Update(ctx context.Context, inst *repository.Instance) error {
	query := `
		UPDATE wf_instance
		SET current_node_order = $2,
		    status             = $3,
		    blocked            = $4,
		    blocked_reason     = $5,
		    started_at         = $6,
		    ended_at           = $7,
		    updated_at         = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.tx.QueryRow(ctx, query,
		inst.ID,
		inst.CurrentNodeOrder,
		inst.Status,
		inst.Blocked,
		inst.BlockedReason,
		inst.StartedAt,
		inst.EndedAt,
	).Scan(&inst.UpdatedAt)
	if isNoRows(err) {
		return errors.NotFound("workflow_instance", inst.ID)
	}
	if err != nil {
		return writeError(err, "failed to update workflow instance")
	}
	return nil
}

// List returns instances matching filter, oldest first.
func (r *instanceRepository) List(ctx context.Context, filter repository.InstanceFilter) ([]*repository.Instance, error) {
	var (
		where []string
		args  []any
	)
	if filter.ScenarioID != "" {
		args = append(args, filter.ScenarioID)
		where = append(where, "scenario_id = $"+strconv.Itoa(len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, filter.Statuses)
		where = append(where, "status = ANY($"+strconv.Itoa(len(args))+")")
	}

	query := `SELECT ` + instanceColumns + ` FROM wf_instance`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.ForUpdate {
		query += " FOR UPDATE"
	}

	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow instances")
	}
	defer rows.Close()

	var out []*repository.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow instance")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow instances")
	}
	return out, nil
}

func scanInstance(row rowScanner) (*repository.Instance, error) {
	inst := &repository.Instance{}
	err := row.Scan(
		&inst.ID,
		&inst.ScenarioID,
		&inst.EntityID,
		&inst.Remark,
		&inst.RequesterID,
		&inst.CurrentNodeOrder,
		&inst.Status,
		&inst.Blocked,
		&inst.BlockedReason,
		&inst.StartedAt,
		&inst.EndedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
