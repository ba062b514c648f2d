package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// Finding kinds.
const (
	FindingEntityStatusMismatch = "ENTITY_STATUS_MISMATCH"
	FindingOrderDrift           = "ORDER_DRIFT"
	FindingStalled              = "STALLED"
	FindingBlocked              = "BLOCKED"
	FindingEntityMissing        = "ENTITY_MISSING"
)

var findingKinds = []string{
	FindingEntityStatusMismatch,
	FindingOrderDrift,
	FindingStalled,
	FindingBlocked,
	FindingEntityMissing,
}

// Finding is one divergence between an instance and the records around it.
type Finding struct {
	Kind       string `json:"kind"`
	InstanceID string `json:"instance_id"`
	EntityID   string `json:"entity_id"`
	Remark     string `json:"remark"`
	Status     string `json:"instance_status"`
	TaskID     string `json:"task_id,omitempty"`
	NodeOrder  *int   `json:"node_order,omitempty"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
	Message    string `json:"message"`
}

// Report is the result of one audit sweep.
type Report struct {
	Findings   []Finding      `json:"findings"`
	ByKind     map[string]int `json:"by_kind"`
	Checked    int            `json:"checked"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// RepairResult lists what Repair fixed and what it could not.
type RepairResult struct {
	Report   *Report   `json:"report"`
	Repaired []Finding `json:"repaired"`
	Failed   []Finding `json:"failed"`
}

// ReconciliationService compares instances with the tasks and entities they
// govern. Audit only reads; Repair is the explicit write path.
type ReconciliationService struct {
	store    repository.Store
	workflow *WorkflowService
	ledger   *TaskLedger
	metrics  *Metrics
	now      func() time.Time
	log      *logger.Logger
}

// NewReconciliationService creates a new ReconciliationService.
func NewReconciliationService(
	store repository.Store,
	workflow *WorkflowService,
	ledger *TaskLedger,
	metrics *Metrics,
	log *logger.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		store:    store,
		workflow: workflow,
		ledger:   ledger,
		metrics:  metrics,
		now:      time.Now,
		log:      log.Named("reconciliation"),
	}
}

// expectedEntityStatus is the entity status an instance implies. ok is
// false when the instance makes no claim about its entity.
func expectedEntityStatus(inst *repository.Instance) (string, bool) {
	switch inst.Status {
	case repository.InstanceRunning:
		return repository.EntityApproving, true
	case repository.InstanceCompleted:
		return repository.EntityApproved, true
	case repository.InstanceRejected:
		return repository.EntityRejected, true
	case repository.InstanceTerminated:
		if inst.StartedAt != nil {
			return repository.EntityDraft, true
		}
	}
	return "", false
}

// Audit sweeps every instance. Entity checks use only the newest started
// instance of each (entity, remark) pair, since a resubmission supersedes
// the earlier outcome and a draft makes no claim on the entity.
func (r *ReconciliationService) Audit(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: r.now(), ByKind: make(map[string]int, len(findingKinds))}
	for _, k := range findingKinds {
		report.ByKind[k] = 0
	}

	err := r.store.ReadOnly(ctx, func(tx repository.Tx) error {
		all, err := tx.Instances().List(ctx, repository.InstanceFilter{})
		if err != nil {
			return err
		}
		report.Checked = len(all)

		latest := make(map[[2]string]*repository.Instance, len(all))
		for _, inst := range all {
			if inst.StartedAt != nil {
				latest[[2]string{inst.EntityID, inst.Remark}] = inst
			}
		}

		for _, inst := range all {
			if latest[[2]string{inst.EntityID, inst.Remark}] == inst {
				if err := r.checkEntity(ctx, tx, inst, report); err != nil {
					return err
				}
			}
			if err := r.checkTasks(ctx, tx, inst, report); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to audit workflows")
	}

	report.FinishedAt = r.now()
	r.metrics.setFindings(report.ByKind)

	e := r.log.Info()
	if len(report.Findings) > 0 {
		e = r.log.Warn()
	}
	e.Int("checked", report.Checked).
		Int("findings", len(report.Findings)).
		Interface("by_kind", report.ByKind).
		Msg("Reconciliation audit finished")
	return report, nil
}

func (r *ReconciliationService) checkEntity(ctx context.Context, tx repository.Tx, inst *repository.Instance, report *Report) error {
	expected, ok := expectedEntityStatus(inst)
	if !ok {
		return nil
	}
	adapter, err := r.workflow.Adapter(inst.Remark)
	if err != nil {
		r.log.Warn().Str("instance_id", inst.ID).Str("remark", inst.Remark).Msg("No adapter for instance remark")
		return nil
	}

	actual, err := adapter.EntityStatus(ctx, tx, inst.EntityID)
	switch {
	case errors.Is(err, errors.ErrCodeNotFound):
		report.add(inst, Finding{
			Kind:     FindingEntityMissing,
			Expected: expected,
			Message:  "governed entity does not exist",
		})
		return nil
	case err != nil:
		return err
	}

	if actual != expected {
		report.add(inst, Finding{
			Kind:     FindingEntityStatusMismatch,
			Expected: expected,
			Actual:   actual,
			Message:  "entity status does not match instance " + inst.Status,
		})
	}
	return nil
}

func (r *ReconciliationService) checkTasks(ctx context.Context, tx repository.Tx, inst *repository.Instance, report *Report) error {
	pending, err := tx.Tasks().ListPending(ctx, repository.PendingFilter{InstanceID: inst.ID})
	if err != nil {
		return err
	}

	for _, t := range pending {
		if inst.Status == repository.InstanceRunning && inst.AtNode(t.NodeOrder) {
			continue
		}
		f := Finding{
			Kind:      FindingOrderDrift,
			TaskID:    t.ID,
			NodeOrder: intPtr(t.NodeOrder),
			Actual:    t.Status,
			Message:   "pending task is not on the instance's current node",
		}
		if inst.Status != repository.InstanceRunning {
			f.Message = "pending task on a " + inst.Status + " instance"
		}
		report.add(inst, f)
	}

	if inst.Status != repository.InstanceRunning {
		return nil
	}
	switch {
	case inst.Blocked:
		report.add(inst, Finding{
			Kind:      FindingBlocked,
			NodeOrder: inst.CurrentNodeOrder,
			Message:   inst.BlockedReason,
		})
	case len(pending) == 0:
		report.add(inst, Finding{
			Kind:      FindingStalled,
			NodeOrder: inst.CurrentNodeOrder,
			Message:   "running instance has no pending task",
		})
	}
	return nil
}

func (rep *Report) add(inst *repository.Instance, f Finding) {
	f.InstanceID = inst.ID
	f.EntityID = inst.EntityID
	f.Remark = inst.Remark
	f.Status = inst.Status
	rep.Findings = append(rep.Findings, f)
	rep.ByKind[f.Kind]++
}

// ── Repair ────────────────────────────────────────────────────────────────────

// Repair audits and then fixes the findings that have a safe fix: entity
// status mismatches of terminal instances and pending tasks off the current
// node. Each fix runs in its own transaction under the instance lock.
func (r *ReconciliationService) Repair(ctx context.Context) (*RepairResult, error) {
	report, err := r.Audit(ctx)
	if err != nil {
		return nil, err
	}

	result := &RepairResult{Report: report}
	for _, f := range report.Findings {
		var fixed bool
		switch {
		case f.Kind == FindingEntityStatusMismatch && repository.IsTerminalInstance(f.Status):
			fixed, err = r.repairEntity(ctx, f)
		case f.Kind == FindingOrderDrift:
			fixed, err = r.repairDrift(ctx, f)
		default:
			continue
		}

		if err != nil {
			r.log.Error().Err(err).
				Str("kind", f.Kind).
				Str("instance_id", f.InstanceID).
				Str("task_id", f.TaskID).
				Msg("Repair failed")
			result.Failed = append(result.Failed, f)
			continue
		}
		if fixed {
			r.log.Info().
				Str("kind", f.Kind).
				Str("instance_id", f.InstanceID).
				Str("entity_id", f.EntityID).
				Str("task_id", f.TaskID).
				Msg("Finding repaired")
			result.Repaired = append(result.Repaired, f)
		}
	}
	return result, nil
}

func (r *ReconciliationService) repairEntity(ctx context.Context, f Finding) (bool, error) {
	fixed := false
	err := r.store.InTransaction(ctx, func(tx repository.Tx) error {
		inst, err := tx.Instances().GetForUpdate(ctx, f.InstanceID)
		if err != nil {
			return err
		}
		adapter, err := r.workflow.Adapter(inst.Remark)
		if err != nil {
			return err
		}
		expected, ok := expectedEntityStatus(inst)
		if !ok || !repository.IsTerminalInstance(inst.Status) {
			return nil
		}
		before, err := adapter.EntityStatus(ctx, tx, inst.EntityID)
		if err != nil {
			return err
		}
		if before == expected {
			return nil
		}

		switch inst.Status {
		case repository.InstanceCompleted:
			err = adapter.ApplyApproved(ctx, tx, inst.EntityID, inst.ID)
		case repository.InstanceRejected:
			err = adapter.ApplyRejected(ctx, tx, inst.EntityID, inst.ID)
		case repository.InstanceTerminated:
			err = adapter.ApplyAborted(ctx, tx, inst.EntityID, inst.ID)
		}
		if err != nil {
			return err
		}

		fixed = true
		return tx.Events().Append(ctx, &repository.InstanceEvent{
			InstanceID:         inst.ID,
			Action:             repository.EventRepaired,
			Actor:              ReconciliationActor,
			EntityStatusBefore: &before,
			EntityStatusAfter:  &expected,
			Metadata:           map[string]any{"kind": f.Kind},
		})
	})
	return fixed, err
}

func (r *ReconciliationService) repairDrift(ctx context.Context, f Finding) (bool, error) {
	fixed := false
	err := r.store.InTransaction(ctx, func(tx repository.Tx) error {
		inst, err := tx.Instances().GetForUpdate(ctx, f.InstanceID)
		if err != nil {
			return err
		}
		task, err := tx.Tasks().Get(ctx, f.TaskID)
		if err != nil {
			return err
		}
		if task.Status != repository.TaskPending ||
			(inst.Status == repository.InstanceRunning && inst.AtNode(task.NodeOrder)) {
			return nil
		}

		if err := r.ledger.Finish(ctx, tx, task, repository.TaskCancelled, ReconciliationActor, "cancelled by reconciliation: "+f.Message); err != nil {
			return err
		}
		fixed = true
		return tx.Events().Append(ctx, &repository.InstanceEvent{
			InstanceID: inst.ID,
			TaskID:     &task.ID,
			NodeOrder:  intPtr(task.NodeOrder),
			Action:     repository.EventRepaired,
			Actor:      ReconciliationActor,
			Metadata:   map[string]any{"kind": f.Kind, "cancelled_task": task.ID},
		})
	})
	return fixed, err
}
