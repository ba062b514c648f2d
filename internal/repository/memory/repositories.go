package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// ── scenarios ─────────────────────────────────────────────────────────────────

type scenarioRepository struct{ t *tx }

// Lock is a no-op: the store lock already serializes transactions.
func (r *scenarioRepository) Lock(context.Context, string) error { return nil }

func (r *scenarioRepository) LockShared(context.Context, string) error { return nil }

func (r *scenarioRepository) Get(_ context.Context, scenarioID string) (*repository.Scenario, error) {
	sc, ok := r.t.st.scenarios[scenarioID]
	if !ok {
		return nil, errors.NotFound("scenario", scenarioID)
	}
	return copyScenario(sc), nil
}

func (r *scenarioRepository) Upsert(_ context.Context, sc *repository.Scenario) error {
	now := r.t.now()
	if existing, ok := r.t.st.scenarios[sc.ScenarioID]; ok {
		sc.CreatedAt = existing.CreatedAt
	} else {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	r.t.st.scenarios[sc.ScenarioID] = copyScenario(sc)
	return nil
}

func (r *scenarioRepository) List(context.Context) ([]*repository.Scenario, error) {
	out := make([]*repository.Scenario, 0, len(r.t.st.scenarios))
	for _, sc := range r.t.st.scenarios {
		out = append(out, copyScenario(sc))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SubTypeCode != b.SubTypeCode {
			return a.SubTypeCode < b.SubTypeCode
		}
		if a.AmountMin != b.AmountMin {
			return a.AmountMin > b.AmountMin
		}
		return a.ScenarioID < b.ScenarioID
	})
	return out, nil
}

func (r *scenarioRepository) ListNodes(_ context.Context, scenarioID string) ([]*repository.ScenarioNode, error) {
	var out []*repository.ScenarioNode
	for _, n := range r.t.st.nodes {
		if n.ScenarioID == scenarioID {
			out = append(out, copyValue(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeOrder < out[j].NodeOrder })
	return out, nil
}

func (r *scenarioRepository) GetNode(_ context.Context, scenarioID string, order int) (*repository.ScenarioNode, error) {
	for _, n := range r.t.st.nodes {
		if n.ScenarioID == scenarioID && n.NodeOrder == order {
			return copyValue(n), nil
		}
	}
	return nil, errors.NotFound("scenario_node", scenarioID).WithDetail(errors.DetailNodeOrder, order)
}

func (r *scenarioRepository) InsertNode(_ context.Context, n *repository.ScenarioNode) error {
	if _, ok := r.t.st.scenarios[n.ScenarioID]; !ok {
		return errors.NotFound("scenario", n.ScenarioID)
	}
	n.ID = uuid.NewString()
	n.CreatedAt = r.t.now()
	r.t.st.nodes[n.ID] = copyValue(n)
	return nil
}

func (r *scenarioRepository) SetNodeOrder(_ context.Context, nodeID string, order int) error {
	n, ok := r.t.st.nodes[nodeID]
	if !ok {
		return errors.NotFound("scenario_node", nodeID)
	}
	n.NodeOrder = order
	return nil
}

func (r *scenarioRepository) DeleteNode(_ context.Context, nodeID string) error {
	if _, ok := r.t.st.nodes[nodeID]; !ok {
		return errors.NotFound("scenario_node", nodeID)
	}
	delete(r.t.st.nodes, nodeID)
	return nil
}

// ── instances ─────────────────────────────────────────────────────────────────

type instanceRepository struct{ t *tx }

func isActiveInstance(status string) bool {
	return status == repository.InstanceDraft || status == repository.InstanceRunning
}

// checkActive mirrors the wf_instance_active_key partial unique index.
func (r *instanceRepository) checkActive(inst *repository.Instance) error {
	if !isActiveInstance(inst.Status) {
		return nil
	}
	for _, other := range r.t.st.instances {
		if other.ID != inst.ID && other.EntityID == inst.EntityID && other.Remark == inst.Remark &&
			isActiveInstance(other.Status) {
			return errors.Newf(errors.ErrCodeDuplicateActive,
				"an active workflow already exists for %s %s", inst.Remark, inst.EntityID).
				WithDetail(errors.DetailEntityID, inst.EntityID).
				WithDetail(errors.DetailInstanceID, other.ID)
		}
	}
	return nil
}

func (r *instanceRepository) Create(_ context.Context, inst *repository.Instance) error {
	if _, ok := r.t.st.scenarios[inst.ScenarioID]; !ok {
		return errors.NotFound("scenario", inst.ScenarioID)
	}
	if err := r.checkActive(inst); err != nil {
		return err
	}
	now := r.t.now()
	inst.ID = uuid.NewString()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	r.t.st.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (r *instanceRepository) Get(_ context.Context, id string) (*repository.Instance, error) {
	inst, ok := r.t.st.instances[id]
	if !ok {
		return nil, errors.NotFound("workflow_instance", id).WithDetail(errors.DetailInstanceID, id)
	}
	return copyInstance(inst), nil
}

func (r *instanceRepository) GetForUpdate(ctx context.Context, id string) (*repository.Instance, error) {
	return r.Get(ctx, id)
}

func (r *instanceRepository) Update(_ context.Context, inst *repository.Instance) error {
	existing, ok := r.t.st.instances[inst.ID]
	if !ok {
		return errors.NotFound("workflow_instance", inst.ID)
	}
	if err := r.checkActive(inst); err != nil {
		return err
	}
	inst.CreatedAt = existing.CreatedAt
	inst.UpdatedAt = r.t.now()
	r.t.st.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (r *instanceRepository) List(_ context.Context, filter repository.InstanceFilter) ([]*repository.Instance, error) {
	var out []*repository.Instance
	for _, inst := range r.t.st.instances {
		if filter.ScenarioID != "" && inst.ScenarioID != filter.ScenarioID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, inst.Status) {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ── tasks ─────────────────────────────────────────────────────────────────────

type taskRepository struct{ t *tx }

// checkPending mirrors the wf_task_pending_key partial unique index.
func (r *taskRepository) checkPending(task *repository.Task) error {
	if task.Status != repository.TaskPending {
		return nil
	}
	for _, other := range r.t.st.tasks {
		if other.ID != task.ID && other.InstanceID == task.InstanceID &&
			other.NodeOrder == task.NodeOrder && other.Status == repository.TaskPending {
			return errors.Newf(errors.ErrCodeTaskAlreadyActive,
				"a pending task already exists at node %d", task.NodeOrder).
				WithDetail(errors.DetailInstanceID, task.InstanceID).
				WithDetail(errors.DetailNodeOrder, task.NodeOrder)
		}
	}
	return nil
}

func (r *taskRepository) Insert(_ context.Context, task *repository.Task) error {
	if _, ok := r.t.st.instances[task.InstanceID]; !ok {
		return errors.NotFound("workflow_instance", task.InstanceID)
	}
	if err := r.checkPending(task); err != nil {
		return err
	}
	r.t.st.taskSeq++
	task.ID = uuid.NewString()
	task.Seq = r.t.st.taskSeq
	task.CreateTime = r.t.now()
	r.t.st.tasks[task.ID] = copyTask(task)
	return nil
}

func (r *taskRepository) Get(_ context.Context, id string) (*repository.Task, error) {
	task, ok := r.t.st.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id).WithDetail(errors.DetailTaskID, id)
	}
	return copyTask(task), nil
}

func (r *taskRepository) Update(_ context.Context, task *repository.Task) error {
	existing, ok := r.t.st.tasks[task.ID]
	if !ok {
		return errors.NotFound("task", task.ID)
	}
	if err := r.checkPending(task); err != nil {
		return err
	}
	updated := copyTask(task)
	updated.Seq = existing.Seq
	updated.CreateTime = existing.CreateTime
	r.t.st.tasks[task.ID] = updated
	return nil
}

func (r *taskRepository) sorted(keep func(*repository.Task) bool) []*repository.Task {
	var out []*repository.Task
	for _, task := range r.t.st.tasks {
		if keep(task) {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (r *taskRepository) ListByInstance(_ context.Context, instanceID string) ([]*repository.Task, error) {
	return r.sorted(func(task *repository.Task) bool { return task.InstanceID == instanceID }), nil
}

func (r *taskRepository) ListPending(_ context.Context, filter repository.PendingFilter) ([]*repository.Task, error) {
	return r.sorted(func(task *repository.Task) bool {
		if task.Status != repository.TaskPending {
			return false
		}
		if filter.AssigneeID != "" && task.AssigneeID != filter.AssigneeID {
			return false
		}
		if filter.InstanceID != "" && task.InstanceID != filter.InstanceID {
			return false
		}
		if !filter.CreatedBefore.IsZero() && !task.CreateTime.Before(filter.CreatedBefore) {
			return false
		}
		if filter.RunningOnly {
			inst, ok := r.t.st.instances[task.InstanceID]
			if !ok || inst.Status != repository.InstanceRunning {
				return false
			}
		}
		return true
	}), nil
}

func (r *taskRepository) CountPending(_ context.Context, assigneeIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(assigneeIDs))
	for _, id := range assigneeIDs {
		counts[id] = 0
	}
	for _, task := range r.t.st.tasks {
		if task.Status != repository.TaskPending {
			continue
		}
		if _, ok := counts[task.AssigneeID]; ok {
			counts[task.AssigneeID]++
		}
	}
	return counts, nil
}

// ── events ────────────────────────────────────────────────────────────────────

type eventRepository struct{ t *tx }

func (r *eventRepository) Append(_ context.Context, e *repository.InstanceEvent) error {
	if _, ok := r.t.st.instances[e.InstanceID]; !ok {
		return errors.NotFound("workflow_instance", e.InstanceID)
	}
	r.t.st.eventSeq++
	e.ID = r.t.st.eventSeq
	e.CreatedAt = r.t.now()
	c := *e
	r.t.st.events = append(r.t.st.events, &c)
	return nil
}

func (r *eventRepository) ListByInstance(_ context.Context, instanceID string) ([]*repository.InstanceEvent, error) {
	var out []*repository.InstanceEvent
	for _, e := range r.t.st.events {
		if e.InstanceID == instanceID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// ── outbox ────────────────────────────────────────────────────────────────────

type outboxRepository struct{ t *tx }

func (r *outboxRepository) Enqueue(_ context.Context, m *repository.OutboxMessage) error {
	m.ID = uuid.NewString()
	m.CreatedAt = r.t.now()
	r.t.st.outbox[m.ID] = copyOutbox(m)
	return nil
}

func (r *outboxRepository) ClaimUnsent(_ context.Context, limit int) ([]*repository.OutboxMessage, error) {
	var out []*repository.OutboxMessage
	for _, m := range r.t.st.outbox {
		if m.SentAt == nil {
			out = append(out, copyOutbox(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *outboxRepository) MarkSent(_ context.Context, id string, at time.Time) error {
	m, ok := r.t.st.outbox[id]
	if !ok {
		return errors.NotFound("outbox_message", id)
	}
	m.SentAt = &at
	m.Attempts++
	m.LastError = ""
	return nil
}

func (r *outboxRepository) MarkFailed(_ context.Context, id, reason string) error {
	m, ok := r.t.st.outbox[id]
	if !ok {
		return errors.NotFound("outbox_message", id)
	}
	m.Attempts++
	m.LastError = reason
	return nil
}

// ── business entities ─────────────────────────────────────────────────────────

type contractRepository struct{ t *tx }

func (r *contractRepository) CreateContract(_ context.Context, c *repository.Contract) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := r.t.st.contracts[c.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "contract %s already exists", c.ID)
	}
	now := r.t.now()
	c.CreatedAt, c.UpdatedAt = now, now
	r.t.st.contracts[c.ID] = copyValue(c)
	return nil
}

func (r *contractRepository) GetContract(_ context.Context, id string) (*repository.Contract, error) {
	c, ok := r.t.st.contracts[id]
	if !ok {
		return nil, errors.NotFound("contract", id).WithDetail(errors.DetailEntityID, id)
	}
	return copyValue(c), nil
}

func (r *contractRepository) GetContractForUpdate(ctx context.Context, id string) (*repository.Contract, error) {
	return r.GetContract(ctx, id)
}

func (r *contractRepository) UpdateContract(_ context.Context, c *repository.Contract) error {
	existing, ok := r.t.st.contracts[c.ID]
	if !ok {
		return errors.NotFound("contract", c.ID)
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = r.t.now()
	r.t.st.contracts[c.ID] = copyValue(c)
	return nil
}

func (r *contractRepository) CreateChange(_ context.Context, ch *repository.ContractChange) error {
	if _, ok := r.t.st.contracts[ch.ContractID]; !ok {
		return errors.NotFound("contract", ch.ContractID)
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if _, ok := r.t.st.changes[ch.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "contract change %s already exists", ch.ID)
	}
	now := r.t.now()
	ch.CreatedAt, ch.UpdatedAt = now, now
	r.t.st.changes[ch.ID] = copyChange(ch)
	return nil
}

func (r *contractRepository) GetChange(_ context.Context, id string) (*repository.ContractChange, error) {
	ch, ok := r.t.st.changes[id]
	if !ok {
		return nil, errors.NotFound("contract_change", id).WithDetail(errors.DetailEntityID, id)
	}
	return copyChange(ch), nil
}

func (r *contractRepository) GetChangeForUpdate(ctx context.Context, id string) (*repository.ContractChange, error) {
	return r.GetChange(ctx, id)
}

func (r *contractRepository) UpdateChange(_ context.Context, ch *repository.ContractChange) error {
	existing, ok := r.t.st.changes[ch.ID]
	if !ok {
		return errors.NotFound("contract_change", ch.ID)
	}
	updated := copyChange(existing)
	updated.Status = ch.Status
	updated.ApprovalInstanceID = ch.ApprovalInstanceID
	updated.ApprovedAt = copyPtr(ch.ApprovedAt)
	updated.EffectiveAt = copyPtr(ch.EffectiveAt)
	updated.UpdatedAt = r.t.now()
	ch.UpdatedAt = updated.UpdatedAt
	r.t.st.changes[ch.ID] = updated
	return nil
}

// ── directory ─────────────────────────────────────────────────────────────────

type directoryRepository struct{ t *tx }

func (r *directoryRepository) ListDepts(context.Context) ([]*repository.Dept, error) {
	out := make([]*repository.Dept, 0, len(r.t.st.depts))
	for _, d := range r.t.st.depts {
		out = append(out, copyValue(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *directoryRepository) ListUsersWithRole(_ context.Context, roleCode string) ([]*repository.User, error) {
	var out []*repository.User
	for _, u := range r.t.st.users {
		if u.IsActive && u.PrimaryRole == roleCode {
			out = append(out, copyValue(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *directoryRepository) GetUser(_ context.Context, id string) (*repository.User, error) {
	u, ok := r.t.st.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	return copyValue(u), nil
}

func (r *directoryRepository) UpsertDept(_ context.Context, d *repository.Dept) error {
	r.t.st.depts[d.ID] = copyValue(d)
	return nil
}

func (r *directoryRepository) UpsertUser(_ context.Context, u *repository.User) error {
	r.t.st.users[u.ID] = copyValue(u)
	return nil
}
