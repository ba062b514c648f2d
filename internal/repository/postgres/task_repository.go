package postgres

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// taskRepository handles reads and updates on wf_task.
type taskRepository struct {
	tx pgx.Tx
}

const taskColumns = `
	t.id, t.seq, t.instance_id, t.node_id, t.node_order, t.assignee_id,
	t.status, t.comment, t.acted_by, t.delegated_from,
	t.create_time, t.finish_time
`

// Insert adds a task. A duplicate PENDING task for the same node is rejected
// by wf_task_pending_key.
func (r *taskRepository) Insert(ctx context.Context, t *repository.Task) error {
	query := `
		INSERT INTO wf_task
		    (instance_id, node_id, node_order, assignee_id, status,
		     comment, acted_by, delegated_from, finish_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, seq, create_time
	`

	err := r.tx.QueryRow(ctx, query,
		t.InstanceID,
		t.NodeID,
		t.NodeOrder,
		t.AssigneeID,
		t.Status,
		t.Comment,
		t.ActedBy,
		t.DelegatedFrom,
		t.FinishTime,
	).Scan(&t.ID, &t.Seq, &t.CreateTime)
	if err != nil {
		return writeError(err, "failed to create approval task")
	}
	return nil
}

// Get retrieves a task by id.
func (r *taskRepository) Get(ctx context.Context, id string) (*repository.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM wf_task t WHERE t.id = $1`

	t, err := scanTask(r.tx.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("task", id).WithDetail(errors.DetailTaskID, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval task")
	}
	return t, nil
}

// Update writes the mutable columns of a task.
func (r *taskRepository) Update(ctx context.Context, t *repository.Task) error {
	query := `
		UPDATE wf_task
		SET node_order     = $2,
		    assignee_id    = $3,
		    status         = $4,
		    comment        = $5,
		    acted_by       = $6,
		    delegated_from = $7,
		    finish_time    = $8
		WHERE id = $1
	`

	tag, err := r.tx.Exec(ctx, query,
		t.ID,
		t.NodeOrder,
		t.AssigneeID,
		t.Status,
		t.Comment,
		t.ActedBy,
		t.DelegatedFrom,
		t.FinishTime,
	)
	if err != nil {
		return writeError(err, "failed to update approval task")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("task", t.ID)
	}
	return nil
}

// ListByInstance returns all tasks of an instance in creation order.
func (r *taskRepository) ListByInstance(ctx context.Context, instanceID string) ([]*repository.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM wf_task t
		WHERE t.instance_id = $1
		ORDER BY t.seq ASC
	`

	rows, err := r.tx.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval tasks")
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListPending returns PENDING tasks matching filter in creation order.
func (r *taskRepository) ListPending(ctx context.Context, filter repository.PendingFilter) ([]*repository.Task, error) {
	where := []string{"t.status = 'PENDING'"}
	var args []any

	if filter.AssigneeID != "" {
		args = append(args, filter.AssigneeID)
		where = append(where, "t.assignee_id = $"+strconv.Itoa(len(args)))
	}
	if filter.InstanceID != "" {
		args = append(args, filter.InstanceID)
		where = append(where, "t.instance_id = $"+strconv.Itoa(len(args)))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		where = append(where, "t.create_time < $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM wf_task t`
	if filter.RunningOnly {
		query += ` JOIN wf_instance i ON i.id = t.instance_id AND i.status = 'RUNNING'`
	}
	query += " WHERE " + strings.Join(where, " AND ") + " ORDER BY t.seq ASC"

	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending tasks")
	}
	defer rows.Close()

	return scanTasks(rows)
}

// CountPending returns the number of PENDING tasks held by each user.
// Users without pending work are present with a zero count.
func (r *taskRepository) CountPending(ctx context.Context, assigneeIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(assigneeIDs))
	for _, id := range assigneeIDs {
		counts[id] = 0
	}
	if len(assigneeIDs) == 0 {
		return counts, nil
	}

	query := `
		SELECT assignee_id, COUNT(*)
		FROM wf_task
		WHERE status = 'PENDING' AND assignee_id = ANY($1)
		GROUP BY assignee_id
	`

	rows, err := r.tx.Query(ctx, query, assigneeIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count pending tasks")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending count")
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count pending tasks")
	}
	return counts, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanTask(row rowScanner) (*repository.Task, error) {
	t := &repository.Task{}
	err := row.Scan(
		&t.ID,
		&t.Seq,
		&t.InstanceID,
		&t.NodeID,
		&t.NodeOrder,
		&t.AssigneeID,
		&t.Status,
		&t.Comment,
		&t.ActedBy,
		&t.DelegatedFrom,
		&t.CreateTime,
		&t.FinishTime,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanTasks(rows pgx.Rows) ([]*repository.Task, error) {
	var tasks []*repository.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval tasks")
	}
	return tasks, nil
}
