package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// TaskLedger creates and finishes approval tasks. It keeps at most one
// PENDING task per (instance, node_order) and never touches a finished task.
type TaskLedger struct {
	store repository.Store
	now   func() time.Time
	log   *logger.Logger
}

// NewTaskLedger creates a new TaskLedger.
func NewTaskLedger(store repository.Store, log *logger.Logger) *TaskLedger {
	return &TaskLedger{store: store, now: time.Now, log: log.Named("ledger")}
}

// ListTasks returns the tasks of an instance in creation order.
func (l *TaskLedger) ListTasks(ctx context.Context, instanceID string) ([]*repository.Task, error) {
	var tasks []*repository.Task
	err := l.store.ReadOnly(ctx, func(tx repository.Tx) error {
		if _, err := tx.Instances().Get(ctx, instanceID); err != nil {
			return err
		}
		var err error
		tasks, err = tx.Tasks().ListByInstance(ctx, instanceID)
		return err
	})
	return tasks, err
}

// ListPending returns the PENDING tasks of RUNNING instances assigned to
// assigneeID.
func (l *TaskLedger) ListPending(ctx context.Context, assigneeID string) ([]*repository.Task, error) {
	if assigneeID == "" {
		return nil, errors.InvalidInput("assignee_id", "required")
	}
	var tasks []*repository.Task
	err := l.store.ReadOnly(ctx, func(tx repository.Tx) error {
		var err error
		tasks, err = tx.Tasks().ListPending(ctx, repository.PendingFilter{AssigneeID: assigneeID, RunningOnly: true})
		return err
	})
	return tasks, err
}

// Open records a new PENDING task. It fails with TASK_ALREADY_ACTIVE when
// the node already has one.
func (l *TaskLedger) Open(ctx context.Context, tx repository.Tx, task *repository.Task) error {
	pending, err := tx.Tasks().ListPending(ctx, repository.PendingFilter{InstanceID: task.InstanceID})
	if err != nil {
		return err
	}
	for _, p := range pending {
		if p.NodeOrder == task.NodeOrder {
			return errors.Newf(errors.ErrCodeTaskAlreadyActive,
				"node %d already has pending task %s", task.NodeOrder, p.ID).
				WithDetail(errors.DetailInstanceID, task.InstanceID).
				WithDetail(errors.DetailTaskID, p.ID).
				WithDetail(errors.DetailNodeOrder, task.NodeOrder)
		}
	}

	task.Status = repository.TaskPending
	task.FinishTime = nil
	return tx.Tasks().Insert(ctx, task)
}

// Finish moves a PENDING task to a final status.
func (l *TaskLedger) Finish(ctx context.Context, tx repository.Tx, task *repository.Task, status, actor, comment string) error {
	if task.Status != repository.TaskPending {
		return notPending(task)
	}
	switch status {
	case repository.TaskApproved, repository.TaskRejected, repository.TaskCancelled:
	default:
		return errors.Newf(errors.ErrCodeInternal, "cannot finish a task as %s", status)
	}

	now := l.now()
	task.Status = status
	task.ActedBy = actor
	task.Comment = comment
	task.FinishTime = &now
	return tx.Tasks().Update(ctx, task)
}

// Skip records that a node was passed over because nobody could take it.
func (l *TaskLedger) Skip(ctx context.Context, tx repository.Tx, inst *repository.Instance, node *repository.ScenarioNode, reason string) (*repository.Task, error) {
	now := l.now()
	task := &repository.Task{
		InstanceID: inst.ID,
		NodeID:     node.ID,
		NodeOrder:  node.NodeOrder,
		Status:     repository.TaskSkipped,
		Comment:    reason,
		ActedBy:    SystemActor,
		FinishTime: &now,
	}
	if err := tx.Tasks().Insert(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Reassign hands a PENDING task to another user.
func (l *TaskLedger) Reassign(ctx context.Context, tx repository.Tx, task *repository.Task, from, to string) error {
	if task.Status != repository.TaskPending {
		return notPending(task)
	}
	task.DelegatedFrom = from
	task.AssigneeID = to
	return tx.Tasks().Update(ctx, task)
}

// CancelPending cancels every PENDING task of an instance.
func (l *TaskLedger) CancelPending(ctx context.Context, tx repository.Tx, instanceID, actor, reason string) ([]*repository.Task, error) {
	pending, err := tx.Tasks().ListPending(ctx, repository.PendingFilter{InstanceID: instanceID})
	if err != nil {
		return nil, err
	}
	for _, t := range pending {
		if err := l.Finish(ctx, tx, t, repository.TaskCancelled, actor, reason); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

func notPending(task *repository.Task) error {
	return errors.Newf(errors.ErrCodeNotPending, "task %s is %s", task.ID, task.Status).
		WithDetail(errors.DetailTaskID, task.ID).
		WithDetail(errors.DetailInstanceID, task.InstanceID)
}
