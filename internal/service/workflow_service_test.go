package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/notify"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

func outboxTypes(t *testing.T, f *fixture) []string {
	t.Helper()
	var types []string
	f.tx(t, func(tx repository.Tx) error {
		msgs, err := tx.Outbox().ClaimUnsent(context.Background(), 0)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			var ev notify.Event
			require.NoError(t, json.Unmarshal(m.Payload, &ev))
			assert.Equal(t, notify.Subject(ev.EventType), m.Subject)
			types = append(types, ev.EventType)
		}
		return nil
	})
	return types
}

func TestThreeNodeApprovalCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	inst := f.start(t, "c1", "S3")
	assert.Equal(t, repository.InstanceRunning, inst.Status)
	assert.Equal(t, repository.EntityApproving, f.getContract(t, "c1").Status)

	for i, want := range []string{"u-mgr", "u-legal", "u-gm"} {
		task := f.pending(t, inst.ID)
		assert.Equal(t, want, task.AssigneeID)
		assert.Equal(t, i+1, task.NodeOrder)
		f.approve(t, task)
	}

	st, err := f.wf.GetInstanceStatus(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceCompleted, st.Status)
	assert.Nil(t, st.CurrentNodeOrder)
	assert.Empty(t, st.PendingTasks)

	c := f.getContract(t, "c1")
	assert.Equal(t, repository.EntityApproved, c.Status)
	assert.Equal(t, inst.ID, c.ApprovalInstanceID)

	tasks, err := f.ledger.ListTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, repository.TaskApproved, task.Status)
		assert.Equal(t, task.AssigneeID, task.ActedBy)
		assert.NotNil(t, task.FinishTime)
	}

	assert.Equal(t, []string{
		repository.EventStarted, repository.EventTaskAssigned,
		repository.EventApproved, repository.EventTaskAssigned,
		repository.EventApproved, repository.EventTaskAssigned,
		repository.EventApproved, repository.EventCompleted,
	}, f.actions(t, inst.ID))

	assert.ElementsMatch(t, []string{
		notify.EventWorkflowStarted,
		notify.EventTaskAssigned, notify.EventTaskAssigned, notify.EventTaskAssigned,
		notify.EventInstanceCompleted,
	}, outboxTypes(t, f))

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.transitions.WithLabelValues(repository.EventApproved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.transitions.WithLabelValues(repository.EventCompleted)))
}

func TestRejectAtSecondNode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")
	f.approve(t, f.pending(t, inst.ID))

	task := f.pending(t, inst.ID)
	st, err := f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: "u-legal", Outcome: "reject", Comment: "missing clause"})
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRejected, st.Status)
	assert.Empty(t, st.PendingTasks)
	assert.Equal(t, repository.EntityRejected, f.getContract(t, "c1").Status)

	tasks, err := f.ledger.ListTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, repository.TaskRejected, tasks[1].Status)
	assert.Equal(t, "missing clause", tasks[1].Comment)

	got, err := f.wf.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)

	// A rejected contract may be submitted again.
	again := f.start(t, "c1", "S3")
	assert.NotEqual(t, inst.ID, again.ID)
	assert.Equal(t, repository.EntityApproving, f.getContract(t, "c1").Status)
}

func TestNoEligibleApproverBlocksInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	delete(f.roles, "LEGAL")

	inst := f.start(t, "c1", "S3")
	first := f.pending(t, inst.ID)

	st, err := f.wf.Resolve(ctx, ResolveRequest{TaskID: first.ID, ActorID: "u-mgr", Outcome: OutcomeApprove})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoEligibleApprover, errors.CodeOf(err))
	details := errors.DetailsOf(err)
	assert.Equal(t, inst.ID, details[errors.DetailInstanceID])
	assert.Equal(t, 2, details[errors.DetailNodeOrder])
	assert.Equal(t, "LEGAL", details[errors.DetailRoleCode])

	require.NotNil(t, st)
	assert.Equal(t, repository.InstanceRunning, st.Status)
	assert.True(t, st.Blocked)
	assert.NotEmpty(t, st.BlockedReason)
	require.NotNil(t, st.CurrentNodeOrder)
	assert.Equal(t, 2, *st.CurrentNodeOrder)
	assert.Empty(t, st.PendingTasks)
	assert.Contains(t, f.actions(t, inst.ID), repository.EventBlocked)
	assert.Contains(t, outboxTypes(t, f), notify.EventInstanceBlocked)

	_, err = f.wf.RetryAssignment(ctx, inst.ID, "admin")
	assert.Equal(t, errors.ErrCodeNoEligibleApprover, errors.CodeOf(err))

	f.roles["LEGAL"] = "u-legal"
	st, err = f.wf.RetryAssignment(ctx, inst.ID, "admin")
	require.NoError(t, err)
	assert.False(t, st.Blocked)
	require.Len(t, st.PendingTasks, 1)
	assert.Equal(t, "u-legal", st.PendingTasks[0].AssigneeID)
	assert.Contains(t, f.actions(t, inst.ID), repository.EventUnblocked)

	_, err = f.wf.RetryAssignment(ctx, inst.ID, "admin")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestStartBlockedAtFirstNodeStillCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	delete(f.roles, "MGR")

	inst, err := f.wf.Start(ctx, StartRequest{EntityID: "c1", ScenarioID: "S3", Remark: RemarkContract, RequesterID: "u-req"})
	assert.Equal(t, errors.ErrCodeNoEligibleApprover, errors.CodeOf(err))
	require.NotNil(t, inst)
	assert.True(t, inst.Blocked)

	got, err := f.wf.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRunning, got.Status)
	assert.Equal(t, repository.EntityApproving, f.getContract(t, "c1").Status)
}

func TestStartValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.wf.Start(ctx, StartRequest{EntityID: "c1", ScenarioID: "S3", Remark: "INVOICE"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f.wf.Start(ctx, StartRequest{EntityID: "c1", ScenarioID: "nope", Remark: RemarkContract})
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	_, err = f.wf.Start(ctx, StartRequest{ScenarioID: "S3", Remark: RemarkContract})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f.wf.Start(ctx, StartRequest{EntityID: "missing", ScenarioID: "S3", Remark: RemarkContract})
	assert.Equal(t, errors.ErrCodeAdapter, errors.CodeOf(err))
}

func TestStartRejectsDuplicateActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.start(t, "c1", "S3")

	_, err := f.wf.Start(ctx, StartRequest{EntityID: "c1", ScenarioID: "S3", Remark: RemarkContract})
	assert.Equal(t, errors.ErrCodeDuplicateActive, errors.CodeOf(err))
}

func TestResolveGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")
	task := f.pending(t, inst.ID)

	_, err := f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: "u-gm", Outcome: OutcomeApprove})
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	_, err = f.wf.Resolve(ctx, ResolveRequest{TaskID: "nope", ActorID: "u-mgr", Outcome: OutcomeApprove})
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	_, err = f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: "u-mgr", Outcome: "MAYBE"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	// Engine actor ids carry no authority through the public call.
	for _, actor := range []string{TimeoutActor, SystemActor, ReconciliationActor} {
		_, err = f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: actor, Outcome: OutcomeReject})
		assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err), actor)
	}
	got, err := f.wf.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRunning, got.Status)
	assert.Equal(t, repository.EntityApproving, f.getContract(t, "c1").Status)
	assert.Equal(t, repository.TaskPending, f.pending(t, inst.ID).Status)

	f.approve(t, task)
	_, err = f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: "u-mgr", Outcome: OutcomeApprove})
	assert.Equal(t, errors.ErrCodeNotPending, errors.CodeOf(err))
}

func TestResolveStaleTaskIsNotPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")

	// A pending task left behind on a node the instance has moved past.
	var stale *repository.Task
	f.tx(t, func(tx repository.Tx) error {
		stale = &repository.Task{InstanceID: inst.ID, NodeOrder: 3, AssigneeID: "u-gm", Status: repository.TaskPending}
		return tx.Tasks().Insert(ctx, stale)
	})

	_, err := f.wf.Resolve(ctx, ResolveRequest{TaskID: stale.ID, ActorID: "u-gm", Outcome: OutcomeApprove})
	assert.Equal(t, errors.ErrCodeNotPending, errors.CodeOf(err))
}

func TestConcurrentResolveExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")
	task := f.pending(t, inst.ID)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := OutcomeApprove
			if i%2 == 1 {
				outcome = OutcomeReject
			}
			_, errs[i] = f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: "u-mgr", Outcome: outcome})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, errors.ErrCodeNotPending, errors.CodeOf(err))
	}
	assert.Equal(t, 1, wins)

	tasks, err := f.ledger.ListTasks(ctx, inst.ID)
	require.NoError(t, err)
	pending := 0
	for _, tk := range tasks {
		if tk.Status == repository.TaskPending {
			pending++
		}
	}
	assert.LessOrEqual(t, pending, 1)
}

// failingAdapter refuses to approve, like an entity store that is down.
type failingAdapter struct{ ContractAdapter }

func (failingAdapter) ApplyApproved(context.Context, repository.Tx, string, string) error {
	return errors.New(errors.ErrCodeAdapter, "contract store unavailable")
}

func TestAdapterFailureRollsBackTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, failingAdapter{})
	f.scenario(t, "S1", node("MGR", repository.ActionApprove))

	inst := f.start(t, "c1", "S1")
	task := f.pending(t, inst.ID)

	_, err := f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: "u-mgr", Outcome: OutcomeApprove})
	assert.Equal(t, errors.ErrCodeAdapter, errors.CodeOf(err))

	st, err := f.wf.GetInstanceStatus(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRunning, st.Status)
	require.Len(t, st.PendingTasks, 1)
	assert.Equal(t, task.ID, st.PendingTasks[0].ID)
	assert.Equal(t, repository.EntityApproving, f.getContract(t, "c1").Status)
	assert.NotContains(t, f.actions(t, inst.ID), repository.EventApproved)
}

func TestOptionalNodeWithoutApproverIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	optional := node("AUDITOR", repository.ActionReview)
	optional.IsMandatory = false
	optional.CanSkip = true
	f.scenario(t, "SKIP", node("MGR", repository.ActionReview), optional, node("GM", repository.ActionApprove))

	inst := f.start(t, "c1", "SKIP")
	st := f.approve(t, f.pending(t, inst.ID))
	require.Len(t, st.PendingTasks, 1)
	assert.Equal(t, 3, st.PendingTasks[0].NodeOrder)

	tasks, err := f.ledger.ListTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, repository.TaskSkipped, tasks[1].Status)
	assert.Equal(t, 2, tasks[1].NodeOrder)
	assert.Empty(t, tasks[1].AssigneeID)
	assert.Equal(t, SystemActor, tasks[1].ActedBy)
	assert.Contains(t, f.actions(t, inst.ID), repository.EventNodeSkipped)
}

func TestInitiateNodeAutoPasses(t *testing.T) {
	f := newFixture(t)
	f.scenario(t, "INIT", &repository.ScenarioNode{ActionType: repository.ActionInitiate, IsMandatory: true}, node("GM", repository.ActionApprove))

	inst := f.start(t, "c1", "INIT")
	task := f.pending(t, inst.ID)
	assert.Equal(t, 2, task.NodeOrder)
	assert.Equal(t, "u-gm", task.AssigneeID)
	assert.Contains(t, f.actions(t, inst.ID), repository.EventNodeAutoPassed)
}

func TestAbortCancelsPendingTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")
	task := f.pending(t, inst.ID)

	aborted, err := f.wf.Abort(ctx, inst.ID, "admin", "withdrawn")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceTerminated, aborted.Status)
	assert.Equal(t, repository.EntityDraft, f.getContract(t, "c1").Status)

	tasks, err := f.ledger.ListTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
	assert.Equal(t, repository.TaskCancelled, tasks[0].Status)
	assert.Equal(t, "withdrawn", tasks[0].Comment)

	_, err = f.wf.Abort(ctx, inst.ID, "admin", "again")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	_, err = f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: "u-mgr", Outcome: OutcomeApprove})
	assert.Equal(t, errors.ErrCodeNotPending, errors.CodeOf(err))
}

func TestDraftLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	draft, err := f.wf.CreateDraft(ctx, StartRequest{EntityID: "c1", ScenarioID: "S3", Remark: RemarkContract, RequesterID: "u-req"})
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceDraft, draft.Status)
	assert.Equal(t, repository.EntityDraft, f.getContract(t, "c1").Status)

	_, err = f.wf.Start(ctx, StartRequest{EntityID: "c1", ScenarioID: "S3", Remark: RemarkContract})
	assert.Equal(t, errors.ErrCodeDuplicateActive, errors.CodeOf(err))

	inst, err := f.wf.SubmitDraft(ctx, draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, draft.ID, inst.ID)
	assert.Equal(t, repository.InstanceRunning, inst.Status)
	assert.NotNil(t, inst.StartedAt)
	assert.Equal(t, repository.EntityApproving, f.getContract(t, "c1").Status)
	assert.Equal(t, "u-mgr", f.pending(t, inst.ID).AssigneeID)

	_, err = f.wf.SubmitDraft(ctx, draft.ID, "")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestAbortDraftLeavesEntityAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	draft, err := f.wf.CreateDraft(ctx, StartRequest{EntityID: "c1", ScenarioID: "S3", Remark: RemarkContract})
	require.NoError(t, err)

	_, err = f.wf.Abort(ctx, draft.ID, "", "not needed")
	require.NoError(t, err)
	assert.Equal(t, repository.EntityDraft, f.getContract(t, "c1").Status)
}

func TestDelegate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")
	task := f.pending(t, inst.ID)

	_, err := f.wf.Delegate(ctx, task.ID, "u-gm", "u-deputy", "")
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	_, err = f.wf.Delegate(ctx, task.ID, "u-mgr", "u-mgr", "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	moved, err := f.wf.Delegate(ctx, task.ID, "u-mgr", "u-deputy", "on leave")
	require.NoError(t, err)
	assert.Equal(t, "u-deputy", moved.AssigneeID)
	assert.Equal(t, "u-mgr", moved.DelegatedFrom)
	assert.Equal(t, repository.TaskPending, moved.Status)

	_, err = f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: "u-mgr", Outcome: OutcomeApprove})
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	st, err := f.wf.Resolve(ctx, ResolveRequest{TaskID: task.ID, ActorID: "u-deputy", Outcome: OutcomeApprove})
	require.NoError(t, err)
	assert.Equal(t, "u-legal", st.PendingTasks[0].AssigneeID)
	assert.Contains(t, f.actions(t, inst.ID), repository.EventDelegated)
}

func TestExpireOverdueRejectsOldTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")

	n, err := f.wf.ExpireOverdue(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.wf.now = func() time.Time { return t0.Add(2 * time.Hour) }
	n, err = f.wf.ExpireOverdue(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := f.wf.GetInstanceStatus(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRejected, st.Status)
	assert.Equal(t, repository.EntityRejected, f.getContract(t, "c1").Status)

	tasks, err := f.ledger.ListTasks(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, TimeoutActor, tasks[0].ActedBy)
	assert.Contains(t, f.actions(t, inst.ID), repository.EventTaskExpired)

	_, err = f.wf.ExpireOverdue(ctx, 0)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestSubmitMatchesScenarioByAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	upper := int64(5000)
	require.NoError(t, f.scenarios.UpsertScenario(ctx, &repository.Scenario{
		ScenarioID: "S3", SubTypeCode: "SALES", AmountMin: 0, AmountMax: &upper, IsActive: true,
	}))
	f.scenario(t, "BIG", node("GM", repository.ActionFinalApprove))
	require.NoError(t, f.scenarios.UpsertScenario(ctx, &repository.Scenario{
		ScenarioID: "BIG", SubTypeCode: "SALES", AmountMin: 5000, IsActive: true,
	}))
	f.contract(t, "c2")

	small, err := f.wf.Submit(ctx, SubmitRequest{EntityID: "c1", Remark: RemarkContract, SubTypeCode: "SALES", Amount: 4999})
	require.NoError(t, err)
	assert.Equal(t, "S3", small.ScenarioID)

	big, err := f.wf.Submit(ctx, SubmitRequest{EntityID: "c2", Remark: RemarkContract, SubTypeCode: "SALES", Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, "BIG", big.ScenarioID)

	_, err = f.wf.Submit(ctx, SubmitRequest{EntityID: "c2", Remark: RemarkContract, SubTypeCode: "LEASE", Amount: 1})
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestContractChangeApprovalRewritesContract(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scenario(t, "CHG", node("LEGAL", repository.ActionApprove))

	name, amount := "renamed", int64(2500)
	diff, err := json.Marshal(ChangeDiff{AfterContent: &ChangeContent{Name: &name, Amount: &amount}})
	require.NoError(t, err)
	f.tx(t, func(tx repository.Tx) error {
		return tx.Contracts().CreateChange(ctx, &repository.ContractChange{
			ID: "ch1", ChangeNo: "CH-1", ContractID: "c1", AmountDiff: 1500,
			DiffData: diff, ChangeVersion: "v2", Status: repository.EntityDraft,
		})
	})

	inst, err := f.wf.Start(ctx, StartRequest{EntityID: "ch1", ScenarioID: "CHG", Remark: RemarkContractChange, RequesterID: "u-req"})
	require.NoError(t, err)
	f.approve(t, f.pending(t, inst.ID))

	var ch *repository.ContractChange
	require.NoError(t, f.store.ReadOnly(ctx, func(tx repository.Tx) error {
		ch, err = tx.Contracts().GetChange(ctx, "ch1")
		return err
	}))
	assert.Equal(t, repository.EntityApproved, ch.Status)
	assert.NotNil(t, ch.ApprovedAt)
	assert.NotNil(t, ch.EffectiveAt)

	c := f.getContract(t, "c1")
	assert.Equal(t, "renamed", c.Name)
	assert.Equal(t, int64(2500), c.Amount)
	assert.Equal(t, "v2", c.Version)
	assert.Equal(t, repository.EntityDraft, c.Status)
}
