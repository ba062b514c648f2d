package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-contract-workflow/internal/directory"
	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/notify"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// Actors used for transitions the engine performs on its own.
const (
	SystemActor         = "system"
	TimeoutActor        = "system:timeout"
	ReconciliationActor = "system:reconciliation"
)

// Task outcomes accepted by Resolve.
const (
	OutcomeApprove = "APPROVE"
	OutcomeReject  = "REJECT"
)

// AssigneeResolver picks the single user who should act on a node.
// Implementations return NOT_FOUND when nobody qualifies.
type AssigneeResolver interface {
	ResolveAssignee(ctx context.Context, tx repository.Tx, roleCode, nodeLevel string, ec directory.EntityContext) (string, error)
}

// StartRequest starts an instance of a known scenario.
type StartRequest struct {
	EntityID    string `json:"entity_id"`
	ScenarioID  string `json:"scenario_id"`
	Remark      string `json:"remark"`
	RequesterID string `json:"requester_id"`
}

// SubmitRequest starts an instance of whichever scenario matches the
// contract sub-type and amount.
type SubmitRequest struct {
	EntityID    string `json:"entity_id"`
	Remark      string `json:"remark"`
	RequesterID string `json:"requester_id"`
	SubTypeCode string `json:"sub_type_code"`
	Amount      int64  `json:"amount"`
}

// ResolveRequest approves or rejects a pending task.
type ResolveRequest struct {
	TaskID  string `json:"task_id"`
	ActorID string `json:"actor_id"`
	Outcome string `json:"outcome"`
	Comment string `json:"comment"`
}

// InstanceStatus is the externally visible state of an instance.
type InstanceStatus struct {
	InstanceID       string             `json:"instance_id"`
	ScenarioID       string             `json:"scenario_id"`
	EntityID         string             `json:"entity_id"`
	Remark           string             `json:"remark"`
	Status           string             `json:"status"`
	CurrentNodeOrder *int               `json:"current_node_order,omitempty"`
	Blocked          bool               `json:"blocked"`
	BlockedReason    string             `json:"blocked_reason,omitempty"`
	PendingTasks     []*repository.Task `json:"pending_tasks"`
}

// WorkflowService drives instances through their scenario nodes. Every
// transition, including the governed entity's status write, commits in one
// transaction.
type WorkflowService struct {
	store     repository.Store
	scenarios *ScenarioService
	ledger    *TaskLedger
	resolver  AssigneeResolver
	adapters  map[string]EntityAdapter
	metrics   *Metrics
	now       func() time.Time
	log       *logger.Logger
}

// NewWorkflowService creates a new WorkflowService. metrics may be nil.
func NewWorkflowService(
	store repository.Store,
	scenarios *ScenarioService,
	ledger *TaskLedger,
	resolver AssigneeResolver,
	adapters []EntityAdapter,
	metrics *Metrics,
	log *logger.Logger,
) *WorkflowService {
	byRemark := make(map[string]EntityAdapter, len(adapters))
	for _, a := range adapters {
		byRemark[a.Remark()] = a
	}
	return &WorkflowService{
		store:     store,
		scenarios: scenarios,
		ledger:    ledger,
		resolver:  resolver,
		adapters:  byRemark,
		metrics:   metrics,
		now:       time.Now,
		log:       log.Named("workflow"),
	}
}

// Adapter returns the adapter registered for remark.
func (s *WorkflowService) Adapter(remark string) (EntityAdapter, error) {
	a, ok := s.adapters[remark]
	if !ok {
		return nil, errors.InvalidInput("remark", fmt.Sprintf("no entity adapter for %q", remark))
	}
	return a, nil
}

// transition collects what one transaction did so that metrics are only
// counted once it commits.
type transition struct {
	tx      repository.Tx
	inst    *repository.Instance
	adapter EntityAdapter
	actor   string
	actions []string
	blocked error
}

// ── Starting ──────────────────────────────────────────────────────────────────

// Start creates a RUNNING instance, moves the entity to APPROVING and enters
// the first node. When nobody can take a node the instance is committed as
// blocked and NO_ELIGIBLE_APPROVER is returned together with it.
func (s *WorkflowService) Start(ctx context.Context, req StartRequest) (*repository.Instance, error) {
	adapter, err := s.validateStart(req)
	if err != nil {
		return nil, err
	}

	var tr *transition
	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.Scenarios().LockShared(ctx, req.ScenarioID); err != nil {
			return err
		}
		nodes, err := s.loadNodes(ctx, tx, req.ScenarioID)
		if err != nil {
			return err
		}
		now := s.now()
		inst := &repository.Instance{
			ScenarioID:  req.ScenarioID,
			EntityID:    req.EntityID,
			Remark:      req.Remark,
			RequesterID: req.RequesterID,
			Status:      repository.InstanceRunning,
			StartedAt:   &now,
		}
		if err := tx.Instances().Create(ctx, inst); err != nil {
			return err
		}
		tr = &transition{tx: tx, inst: inst, adapter: adapter, actor: req.RequesterID}
		return s.begin(ctx, tr, nodes)
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("entity_id", req.EntityID).
			Str("scenario_id", req.ScenarioID).
			Str("remark", req.Remark).
			Msg("Failed to start workflow")
		return nil, err
	}
	return s.finish(tr, "Workflow started")
}

// CreateDraft records a DRAFT instance without touching the entity.
func (s *WorkflowService) CreateDraft(ctx context.Context, req StartRequest) (*repository.Instance, error) {
	if _, err := s.validateStart(req); err != nil {
		return nil, err
	}

	var inst *repository.Instance
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if _, err := s.loadNodes(ctx, tx, req.ScenarioID); err != nil {
			return err
		}
		inst = &repository.Instance{
			ScenarioID:  req.ScenarioID,
			EntityID:    req.EntityID,
			Remark:      req.Remark,
			RequesterID: req.RequesterID,
			Status:      repository.InstanceDraft,
		}
		return tx.Instances().Create(ctx, inst)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("entity_id", inst.EntityID).
		Str("scenario_id", inst.ScenarioID).
		Msg("Draft workflow created")
	return inst, nil
}

// SubmitDraft starts a DRAFT instance the same way Start does.
func (s *WorkflowService) SubmitDraft(ctx context.Context, instanceID, actor string) (*repository.Instance, error) {
	var tr *transition
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		inst, err := s.lockForMove(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.InstanceDraft {
			return errors.Newf(errors.ErrCodeConflict, "instance %s is %s, not DRAFT", inst.ID, inst.Status).
				WithDetail(errors.DetailInstanceID, inst.ID)
		}
		adapter, err := s.Adapter(inst.Remark)
		if err != nil {
			return err
		}
		nodes, err := s.loadNodes(ctx, tx, inst.ScenarioID)
		if err != nil {
			return err
		}

		now := s.now()
		inst.Status = repository.InstanceRunning
		inst.StartedAt = &now
		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}
		if actor == "" {
			actor = inst.RequesterID
		}
		tr = &transition{tx: tx, inst: inst, adapter: adapter, actor: actor}
		return s.begin(ctx, tr, nodes)
	})
	if err != nil {
		return nil, err
	}
	return s.finish(tr, "Draft workflow submitted")
}

// Submit matches a scenario for the entity and starts it.
func (s *WorkflowService) Submit(ctx context.Context, req SubmitRequest) (*repository.Instance, error) {
	if strings.TrimSpace(req.SubTypeCode) == "" {
		return nil, errors.InvalidInput("sub_type_code", "required")
	}
	if req.Amount < 0 {
		return nil, errors.InvalidInput("amount", "must not be negative")
	}

	sc, err := s.scenarios.MatchScenario(ctx, req.SubTypeCode, req.Amount)
	if err != nil {
		return nil, err
	}
	return s.Start(ctx, StartRequest{
		EntityID:    req.EntityID,
		ScenarioID:  sc.ScenarioID,
		Remark:      req.Remark,
		RequesterID: req.RequesterID,
	})
}

func (s *WorkflowService) validateStart(req StartRequest) (EntityAdapter, error) {
	if strings.TrimSpace(req.EntityID) == "" {
		return nil, errors.InvalidInput("entity_id", "required")
	}
	if strings.TrimSpace(req.ScenarioID) == "" {
		return nil, errors.InvalidInput("scenario_id", "required")
	}
	if strings.TrimSpace(req.Remark) == "" {
		return nil, errors.InvalidInput("remark", "required")
	}
	return s.Adapter(req.Remark)
}

func (s *WorkflowService) loadNodes(ctx context.Context, tx repository.Tx, scenarioID string) ([]*repository.ScenarioNode, error) {
	nodes, err := tx.Scenarios().ListNodes(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.Newf(errors.ErrCodeNotFound, "scenario %s has no nodes", scenarioID).
			WithDetail("resource", "scenario")
	}
	return nodes, nil
}

// lockForMove locks an instance that is about to move between nodes. The
// shared scenario lock is taken first, in the same order scenario edits
// take theirs, so the node list read afterwards cannot change before
// commit.
func (s *WorkflowService) lockForMove(ctx context.Context, tx repository.Tx, instanceID string) (*repository.Instance, error) {
	inst, err := tx.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Scenarios().LockShared(ctx, inst.ScenarioID); err != nil {
		return nil, err
	}
	return tx.Instances().GetForUpdate(ctx, instanceID)
}

// begin moves the entity to APPROVING and enters the first node.
func (s *WorkflowService) begin(ctx context.Context, tr *transition, nodes []*repository.ScenarioNode) error {
	inst := tr.inst
	before, err := tr.adapter.EntityStatus(ctx, tr.tx, inst.EntityID)
	if err != nil {
		return adapterError(err, "failed to read entity status")
	}
	if err := tr.adapter.ApplySubmitted(ctx, tr.tx, inst.EntityID, inst.ID); err != nil {
		return err
	}

	if err := s.record(ctx, tr, &repository.InstanceEvent{
		Action:             repository.EventStarted,
		EntityStatusBefore: &before,
		EntityStatusAfter:  strPtr(repository.EntityApproving),
		Metadata:           map[string]any{"scenario_id": inst.ScenarioID},
	}); err != nil {
		return err
	}
	if err := s.notify(ctx, tr, &notify.Event{
		EventType:  notify.EventWorkflowStarted,
		Recipients: nonEmpty(inst.RequesterID),
		Payload:    map[string]any{"scenario_id": inst.ScenarioID},
	}); err != nil {
		return err
	}

	return s.enterNode(ctx, tr, nodes, 1)
}

// ── Enter-node procedure ──────────────────────────────────────────────────────

// enterNode walks forward from order until a task is opened, the instance
// blocks or the scenario runs out of nodes.
func (s *WorkflowService) enterNode(ctx context.Context, tr *transition, nodes []*repository.ScenarioNode, from int) error {
	inst := tr.inst
	for order := from; ; order++ {
		node := nodeAt(nodes, order)
		if node == nil {
			return s.complete(ctx, tr)
		}

		if node.ActionType == repository.ActionInitiate {
			if err := s.record(ctx, tr, &repository.InstanceEvent{
				NodeOrder: intPtr(order),
				Action:    repository.EventNodeAutoPassed,
				Metadata:  map[string]any{"node_id": node.ID, "node_name": node.NodeName},
			}); err != nil {
				return err
			}
			continue
		}

		started := s.now()
		assignee, err := s.resolver.ResolveAssignee(ctx, tr.tx, node.RoleCode, node.NodeLevel, directory.EntityContext{
			EntityID:    inst.EntityID,
			Remark:      inst.Remark,
			RequesterID: inst.RequesterID,
		})
		switch {
		case err == nil:
			s.log.Debug().
				Str("instance_id", inst.ID).
				Int("node_order", order).
				Str("assignee_id", assignee).
				Dur("took", s.now().Sub(started)).
				Msg("Assignee resolved")
			return s.assign(ctx, tr, node, assignee)

		case !errors.Is(err, errors.ErrCodeNotFound):
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve assignee").
				WithDetail(errors.DetailInstanceID, inst.ID).
				WithDetail(errors.DetailNodeOrder, order)

		case !node.IsMandatory && node.CanSkip:
			task, err := s.ledger.Skip(ctx, tr.tx, inst, node, "no eligible approver")
			if err != nil {
				return err
			}
			if err := s.record(ctx, tr, &repository.InstanceEvent{
				TaskID:    &task.ID,
				NodeOrder: intPtr(order),
				Action:    repository.EventNodeSkipped,
				Metadata:  map[string]any{"role_code": node.RoleCode, "node_level": node.NodeLevel},
			}); err != nil {
				return err
			}
			s.log.Info().
				Str("instance_id", inst.ID).
				Int("node_order", order).
				Str("role_code", node.RoleCode).
				Msg("Optional node skipped, no eligible approver")

		default:
			return s.block(ctx, tr, node, err)
		}
	}
}

func (s *WorkflowService) assign(ctx context.Context, tr *transition, node *repository.ScenarioNode, assignee string) error {
	inst := tr.inst
	task := &repository.Task{
		InstanceID: inst.ID,
		NodeID:     node.ID,
		NodeOrder:  node.NodeOrder,
		AssigneeID: assignee,
	}
	if err := s.ledger.Open(ctx, tr.tx, task); err != nil {
		return err
	}

	wasBlocked := inst.Blocked
	inst.CurrentNodeOrder = intPtr(node.NodeOrder)
	inst.Blocked = false
	inst.BlockedReason = ""
	if err := tr.tx.Instances().Update(ctx, inst); err != nil {
		return err
	}

	if wasBlocked {
		if err := s.record(ctx, tr, &repository.InstanceEvent{
			NodeOrder: intPtr(node.NodeOrder),
			Action:    repository.EventUnblocked,
		}); err != nil {
			return err
		}
	}
	if err := s.record(ctx, tr, &repository.InstanceEvent{
		TaskID:    &task.ID,
		NodeOrder: intPtr(node.NodeOrder),
		Action:    repository.EventTaskAssigned,
		Metadata:  map[string]any{"assignee_id": assignee, "role_code": node.RoleCode},
	}); err != nil {
		return err
	}
	return s.notify(ctx, tr, &notify.Event{
		EventType:    notify.EventTaskAssigned,
		Recipients:   []string{assignee},
		TaskID:       task.ID,
		NodeOrder:    node.NodeOrder,
		IsActionable: true,
		Payload:      map[string]any{"node_name": node.NodeName, "role_code": node.RoleCode},
	})
}

// block parks the instance on node. The transaction still commits; the
// caller gets NO_ELIGIBLE_APPROVER through tr.blocked.
func (s *WorkflowService) block(ctx context.Context, tr *transition, node *repository.ScenarioNode, cause error) error {
	inst := tr.inst
	reason := fmt.Sprintf("no eligible approver for role %s at level %s", node.RoleCode, node.NodeLevel)
	inst.CurrentNodeOrder = intPtr(node.NodeOrder)
	inst.Blocked = true
	inst.BlockedReason = reason
	if err := tr.tx.Instances().Update(ctx, inst); err != nil {
		return err
	}

	if err := s.record(ctx, tr, &repository.InstanceEvent{
		NodeOrder: intPtr(node.NodeOrder),
		Action:    repository.EventBlocked,
		Metadata:  map[string]any{"role_code": node.RoleCode, "node_level": node.NodeLevel, "reason": reason},
	}); err != nil {
		return err
	}
	if err := s.notify(ctx, tr, &notify.Event{
		EventType:  notify.EventInstanceBlocked,
		Recipients: nonEmpty(inst.RequesterID),
		NodeOrder:  node.NodeOrder,
		Severity:   "warning",
		Payload:    map[string]any{"role_code": node.RoleCode, "reason": reason},
	}); err != nil {
		return err
	}

	tr.blocked = errors.Wrap(cause, errors.ErrCodeNoEligibleApprover, reason).
		WithDetail(errors.DetailInstanceID, inst.ID).
		WithDetail(errors.DetailNodeOrder, node.NodeOrder).
		WithDetail(errors.DetailRoleCode, node.RoleCode)
	return nil
}

func (s *WorkflowService) complete(ctx context.Context, tr *transition) error {
	inst := tr.inst
	if err := tr.adapter.ApplyApproved(ctx, tr.tx, inst.EntityID, inst.ID); err != nil {
		return err
	}

	now := s.now()
	inst.Status = repository.InstanceCompleted
	inst.CurrentNodeOrder = nil
	inst.Blocked = false
	inst.BlockedReason = ""
	inst.EndedAt = &now
	if err := tr.tx.Instances().Update(ctx, inst); err != nil {
		return err
	}

	if err := s.record(ctx, tr, &repository.InstanceEvent{
		Action:             repository.EventCompleted,
		EntityStatusBefore: strPtr(repository.EntityApproving),
		EntityStatusAfter:  strPtr(repository.EntityApproved),
	}); err != nil {
		return err
	}
	return s.notify(ctx, tr, &notify.Event{
		EventType:  notify.EventInstanceCompleted,
		Recipients: nonEmpty(inst.RequesterID),
	})
}

// ── Resolving ─────────────────────────────────────────────────────────────────

// Resolve approves or rejects a task. The instance row is locked before the
// task is re-read, so of two concurrent calls on one task exactly one wins
// and the other sees NOT_PENDING.
func (s *WorkflowService) Resolve(ctx context.Context, req ResolveRequest) (*InstanceStatus, error) {
	started := s.now()
	outcome := strings.ToUpper(strings.TrimSpace(req.Outcome))
	if outcome != OutcomeApprove && outcome != OutcomeReject {
		return nil, errors.InvalidInput("outcome", "must be APPROVE or REJECT")
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return nil, errors.InvalidInput("task_id", "required")
	}
	if strings.TrimSpace(req.ActorID) == "" {
		return nil, errors.InvalidInput("actor_id", "required")
	}
	if isSystemActor(req.ActorID) {
		return nil, errors.Newf(errors.ErrCodeUnauthorized, "actor %s is reserved for the engine", req.ActorID).
			WithDetail(errors.DetailTaskID, req.TaskID)
	}
	req.Outcome = outcome

	tr, err := s.resolve(ctx, req, false)
	if err != nil {
		s.log.Warn().Err(err).
			Str("task_id", req.TaskID).
			Str("actor_id", req.ActorID).
			Str("outcome", outcome).
			Msg("Task resolution failed")
		return nil, err
	}
	s.metrics.observeResolve(outcome, started)

	if _, err := s.finish(tr, "Task resolved"); err != nil && !errors.Is(err, errors.ErrCodeNoEligibleApprover) {
		return nil, err
	}
	status, err := s.GetInstanceStatus(ctx, tr.inst.ID)
	if err != nil {
		return nil, err
	}
	return status, tr.blocked
}

func (s *WorkflowService) resolve(ctx context.Context, req ResolveRequest, expired bool) (*transition, error) {
	var tr *transition
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		task, err := tx.Tasks().Get(ctx, req.TaskID)
		if err != nil {
			return err
		}
		inst, err := s.lockForMove(ctx, tx, task.InstanceID)
		if err != nil {
			return err
		}
		if task, err = tx.Tasks().Get(ctx, req.TaskID); err != nil {
			return err
		}

		if task.Status != repository.TaskPending {
			return notPending(task)
		}
		if !expired && req.ActorID != task.AssigneeID {
			return errors.Newf(errors.ErrCodeUnauthorized, "user %s is not the assignee of task %s", req.ActorID, task.ID).
				WithDetail(errors.DetailTaskID, task.ID).
				WithDetail(errors.DetailInstanceID, inst.ID)
		}
		if inst.Status != repository.InstanceRunning || !inst.AtNode(task.NodeOrder) {
			return errors.Newf(errors.ErrCodeNotPending,
				"task %s at node %d is stale for instance %s (%s)", task.ID, task.NodeOrder, inst.ID, inst.Status).
				WithDetail(errors.DetailTaskID, task.ID).
				WithDetail(errors.DetailInstanceID, inst.ID).
				WithDetail(errors.DetailNodeOrder, task.NodeOrder)
		}

		adapter, err := s.Adapter(inst.Remark)
		if err != nil {
			return err
		}
		tr = &transition{tx: tx, inst: inst, adapter: adapter, actor: req.ActorID}

		if expired {
			if err := s.record(ctx, tr, &repository.InstanceEvent{
				TaskID:    &task.ID,
				NodeOrder: intPtr(task.NodeOrder),
				Action:    repository.EventTaskExpired,
				Metadata:  map[string]any{"assignee_id": task.AssigneeID, "created_at": task.CreateTime},
			}); err != nil {
				return err
			}
		}

		if req.Outcome == OutcomeReject {
			return s.reject(ctx, tr, task, req.Comment)
		}

		if err := s.ledger.Finish(ctx, tx, task, repository.TaskApproved, req.ActorID, req.Comment); err != nil {
			return err
		}
		if err := s.record(ctx, tr, &repository.InstanceEvent{
			TaskID:    &task.ID,
			NodeOrder: intPtr(task.NodeOrder),
			Action:    repository.EventApproved,
			Metadata:  commentMeta(req.Comment),
		}); err != nil {
			return err
		}
		nodes, err := tx.Scenarios().ListNodes(ctx, inst.ScenarioID)
		if err != nil {
			return err
		}
		return s.enterNode(ctx, tr, nodes, task.NodeOrder+1)
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func (s *WorkflowService) reject(ctx context.Context, tr *transition, task *repository.Task, comment string) error {
	inst := tr.inst
	if err := s.ledger.Finish(ctx, tr.tx, task, repository.TaskRejected, tr.actor, comment); err != nil {
		return err
	}
	if err := tr.adapter.ApplyRejected(ctx, tr.tx, inst.EntityID, inst.ID); err != nil {
		return err
	}

	now := s.now()
	inst.Status = repository.InstanceRejected
	inst.EndedAt = &now
	if err := tr.tx.Instances().Update(ctx, inst); err != nil {
		return err
	}

	if err := s.record(ctx, tr, &repository.InstanceEvent{
		TaskID:             &task.ID,
		NodeOrder:          intPtr(task.NodeOrder),
		Action:             repository.EventRejected,
		EntityStatusBefore: strPtr(repository.EntityApproving),
		EntityStatusAfter:  strPtr(repository.EntityRejected),
		Metadata:           commentMeta(comment),
	}); err != nil {
		return err
	}
	return s.notify(ctx, tr, &notify.Event{
		EventType:  notify.EventInstanceRejected,
		Recipients: nonEmpty(inst.RequesterID),
		TaskID:     task.ID,
		NodeOrder:  task.NodeOrder,
		Payload:    commentMeta(comment),
	})
}

// ── Administration ────────────────────────────────────────────────────────────

// Abort terminates a DRAFT or RUNNING instance, cancels its pending tasks
// and returns a started entity to DRAFT.
func (s *WorkflowService) Abort(ctx context.Context, instanceID, actor, reason string) (*repository.Instance, error) {
	if actor == "" {
		actor = SystemActor
	}

	var tr *transition
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		inst, err := tx.Instances().GetForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if repository.IsTerminalInstance(inst.Status) {
			return errors.Newf(errors.ErrCodeConflict, "instance %s is already %s", inst.ID, inst.Status).
				WithDetail(errors.DetailInstanceID, inst.ID)
		}
		adapter, err := s.Adapter(inst.Remark)
		if err != nil {
			return err
		}
		tr = &transition{tx: tx, inst: inst, adapter: adapter, actor: actor}

		cancelled, err := s.ledger.CancelPending(ctx, tx, inst.ID, actor, reason)
		if err != nil {
			return err
		}

		ev := &repository.InstanceEvent{
			NodeOrder: inst.CurrentNodeOrder,
			Action:    repository.EventAborted,
			Metadata:  map[string]any{"reason": reason, "cancelled_tasks": len(cancelled), "from_status": inst.Status},
		}
		if inst.Status == repository.InstanceRunning {
			if err := adapter.ApplyAborted(ctx, tx, inst.EntityID, inst.ID); err != nil {
				return err
			}
			ev.EntityStatusBefore = strPtr(repository.EntityApproving)
			ev.EntityStatusAfter = strPtr(repository.EntityDraft)
		}

		now := s.now()
		inst.Status = repository.InstanceTerminated
		inst.Blocked = false
		inst.BlockedReason = ""
		inst.EndedAt = &now
		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}
		if err := s.record(ctx, tr, ev); err != nil {
			return err
		}
		return s.notify(ctx, tr, &notify.Event{
			EventType:  notify.EventInstanceAborted,
			Recipients: nonEmpty(inst.RequesterID),
			Payload:    map[string]any{"reason": reason},
		})
	})
	if err != nil {
		return nil, err
	}
	return s.finish(tr, "Workflow aborted")
}

// RetryAssignment re-runs assignee resolution for a blocked instance, for
// example after the directory gained a role holder.
func (s *WorkflowService) RetryAssignment(ctx context.Context, instanceID, actor string) (*InstanceStatus, error) {
	if actor == "" {
		actor = SystemActor
	}

	var tr *transition
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		inst, err := s.lockForMove(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.InstanceRunning || !inst.Blocked || inst.CurrentNodeOrder == nil {
			return errors.Newf(errors.ErrCodeConflict, "instance %s is not blocked", inst.ID).
				WithDetail(errors.DetailInstanceID, inst.ID)
		}
		adapter, err := s.Adapter(inst.Remark)
		if err != nil {
			return err
		}
		nodes, err := tx.Scenarios().ListNodes(ctx, inst.ScenarioID)
		if err != nil {
			return err
		}
		tr = &transition{tx: tx, inst: inst, adapter: adapter, actor: actor}
		return s.enterNode(ctx, tr, nodes, *inst.CurrentNodeOrder)
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.finish(tr, "Assignment retried"); err != nil && !errors.Is(err, errors.ErrCodeNoEligibleApprover) {
		return nil, err
	}
	status, err := s.GetInstanceStatus(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return status, tr.blocked
}

// Delegate hands a pending task from its assignee to another user.
func (s *WorkflowService) Delegate(ctx context.Context, taskID, from, to, reason string) (*repository.Task, error) {
	if strings.TrimSpace(to) == "" {
		return nil, errors.InvalidInput("to_user_id", "required")
	}
	if to == from {
		return nil, errors.InvalidInput("to_user_id", "must differ from the current assignee")
	}

	var (
		task *repository.Task
		tr   *transition
	)
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		t, err := tx.Tasks().Get(ctx, taskID)
		if err != nil {
			return err
		}
		inst, err := tx.Instances().GetForUpdate(ctx, t.InstanceID)
		if err != nil {
			return err
		}
		if task, err = tx.Tasks().Get(ctx, taskID); err != nil {
			return err
		}
		if task.Status != repository.TaskPending {
			return notPending(task)
		}
		if task.AssigneeID != from {
			return errors.Newf(errors.ErrCodeUnauthorized, "user %s is not the assignee of task %s", from, task.ID).
				WithDetail(errors.DetailTaskID, task.ID).
				WithDetail(errors.DetailInstanceID, inst.ID)
		}
		if err := s.ledger.Reassign(ctx, tx, task, from, to); err != nil {
			return err
		}

		tr = &transition{tx: tx, inst: inst, actor: from}
		if err := s.record(ctx, tr, &repository.InstanceEvent{
			TaskID:    &task.ID,
			NodeOrder: intPtr(task.NodeOrder),
			Action:    repository.EventDelegated,
			Metadata:  map[string]any{"from": from, "to": to, "reason": reason},
		}); err != nil {
			return err
		}
		return s.notify(ctx, tr, &notify.Event{
			EventType:    notify.EventTaskAssigned,
			Recipients:   []string{to},
			TaskID:       task.ID,
			NodeOrder:    task.NodeOrder,
			IsActionable: true,
			Payload:      map[string]any{"delegated_from": from},
		})
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.finish(tr, "Task delegated"); err != nil {
		return nil, err
	}
	return task, nil
}

// ExpireOverdue rejects every pending task of a running instance created
// before now minus olderThan. Tasks resolved concurrently are skipped.
func (s *WorkflowService) ExpireOverdue(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.InvalidInput("older_than", "must be positive")
	}

	cutoff := s.now().Add(-olderThan)
	var overdue []*repository.Task
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		var err error
		overdue, err = tx.Tasks().ListPending(ctx, repository.PendingFilter{CreatedBefore: cutoff, RunningOnly: true})
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	var firstErr error
	for _, t := range overdue {
		tr, err := s.resolve(ctx, ResolveRequest{
			TaskID:  t.ID,
			ActorID: TimeoutActor,
			Outcome: OutcomeReject,
			Comment: fmt.Sprintf("expired after %s", olderThan),
		}, true)
		if errors.Is(err, errors.ErrCodeNotPending) {
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("task_id", t.ID).Str("instance_id", t.InstanceID).Msg("Failed to expire task")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := s.finish(tr, "Overdue task expired"); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, firstErr
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance returns an instance record.
func (s *WorkflowService) GetInstance(ctx context.Context, instanceID string) (*repository.Instance, error) {
	var inst *repository.Instance
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		var err error
		inst, err = tx.Instances().Get(ctx, instanceID)
		return err
	})
	return inst, err
}

// GetInstanceStatus returns the status of an instance with its pending tasks.
func (s *WorkflowService) GetInstanceStatus(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	var status *InstanceStatus
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		inst, err := tx.Instances().Get(ctx, instanceID)
		if err != nil {
			return err
		}
		pending, err := tx.Tasks().ListPending(ctx, repository.PendingFilter{InstanceID: instanceID})
		if err != nil {
			return err
		}
		if pending == nil {
			pending = []*repository.Task{}
		}
		status = &InstanceStatus{
			InstanceID:       inst.ID,
			ScenarioID:       inst.ScenarioID,
			EntityID:         inst.EntityID,
			Remark:           inst.Remark,
			Status:           inst.Status,
			CurrentNodeOrder: inst.CurrentNodeOrder,
			Blocked:          inst.Blocked,
			BlockedReason:    inst.BlockedReason,
			PendingTasks:     pending,
		}
		return nil
	})
	return status, err
}

// History returns the audit trail of an instance, oldest first.
func (s *WorkflowService) History(ctx context.Context, instanceID string) ([]*repository.InstanceEvent, error) {
	var events []*repository.InstanceEvent
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		if _, err := tx.Instances().Get(ctx, instanceID); err != nil {
			return err
		}
		var err error
		events, err = tx.Events().ListByInstance(ctx, instanceID)
		return err
	})
	return events, err
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *WorkflowService) record(ctx context.Context, tr *transition, ev *repository.InstanceEvent) error {
	ev.InstanceID = tr.inst.ID
	if ev.Actor == "" {
		ev.Actor = tr.actor
	}
	if err := tr.tx.Events().Append(ctx, ev); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append instance event").
			WithDetail(errors.DetailInstanceID, tr.inst.ID)
	}
	tr.actions = append(tr.actions, ev.Action)
	return nil
}

func (s *WorkflowService) notify(ctx context.Context, tr *transition, ev *notify.Event) error {
	ev.InstanceID = tr.inst.ID
	ev.EntityID = tr.inst.EntityID
	ev.Remark = tr.inst.Remark
	ev.ActorID = tr.actor
	ev.OccurredAt = s.now()
	return notify.Enqueue(ctx, tr.tx.Outbox(), ev)
}

// finish counts the committed transition and logs it. It returns the
// instance along with a blocked error if one was raised.
func (s *WorkflowService) finish(tr *transition, msg string) (*repository.Instance, error) {
	for _, a := range tr.actions {
		s.metrics.transition(a)
	}

	inst := tr.inst
	e := s.log.Info()
	if tr.blocked != nil {
		e = s.log.Warn()
	}
	e = e.Str("instance_id", inst.ID).
		Str("entity_id", inst.EntityID).
		Str("status", inst.Status).
		Str("actor", tr.actor).
		Bool("blocked", inst.Blocked)
	if inst.CurrentNodeOrder != nil {
		e = e.Int("node_order", *inst.CurrentNodeOrder)
	}
	e.Msg(msg)

	return inst, tr.blocked
}

func isSystemActor(id string) bool {
	return id == SystemActor || strings.HasPrefix(id, SystemActor+":")
}

func nodeAt(nodes []*repository.ScenarioNode, order int) *repository.ScenarioNode {
	for _, n := range nodes {
		if n.NodeOrder == order {
			return n
		}
	}
	return nil
}

func commentMeta(comment string) map[string]any {
	if comment == "" {
		return nil
	}
	return map[string]any{"comment": comment}
}

func nonEmpty(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
