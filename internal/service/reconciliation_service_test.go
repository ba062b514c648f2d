package service

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

func findings(report *Report, kind string) []Finding {
	var out []Finding
	for _, f := range report.Findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func TestAuditCleanRunHasNoFindings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")
	for i := 0; i < 3; i++ {
		f.approve(t, f.pending(t, inst.ID))
	}

	report, err := f.recon.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Findings)
	assert.Zero(t, testutil.ToFloat64(f.metrics.findings.WithLabelValues(FindingEntityStatusMismatch)))
}

// Completed instance whose contract never left APPROVING: the divergence
// the old status-check scripts were written to find.
func TestAuditAndRepairEntityStatusMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")
	for i := 0; i < 3; i++ {
		f.approve(t, f.pending(t, inst.ID))
	}
	f.tx(t, func(tx repository.Tx) error {
		c, err := tx.Contracts().GetContract(ctx, "c1")
		if err != nil {
			return err
		}
		c.Status = repository.EntityApproving
		return tx.Contracts().UpdateContract(ctx, c)
	})

	report, err := f.recon.Audit(ctx)
	require.NoError(t, err)
	got := findings(report, FindingEntityStatusMismatch)
	require.Len(t, got, 1)
	assert.Equal(t, inst.ID, got[0].InstanceID)
	assert.Equal(t, repository.EntityApproved, got[0].Expected)
	assert.Equal(t, repository.EntityApproving, got[0].Actual)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.findings.WithLabelValues(FindingEntityStatusMismatch)))

	// Audit never writes.
	assert.Equal(t, repository.EntityApproving, f.getContract(t, "c1").Status)

	result, err := f.recon.Repair(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Repaired, 1)
	assert.Empty(t, result.Failed)
	assert.Equal(t, repository.EntityApproved, f.getContract(t, "c1").Status)
	assert.Contains(t, f.actions(t, inst.ID), repository.EventRepaired)

	report, err = f.recon.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestRepairLeavesUnsafeMismatchAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")
	_, err := f.wf.Resolve(ctx, ResolveRequest{TaskID: f.pending(t, inst.ID).ID, ActorID: "u-mgr", Outcome: OutcomeReject})
	require.NoError(t, err)

	// Someone else took the contract over; rejecting it again would be wrong.
	f.tx(t, func(tx repository.Tx) error {
		c, err := tx.Contracts().GetContract(ctx, "c1")
		if err != nil {
			return err
		}
		c.Status = repository.EntityApproved
		c.ApprovalInstanceID = "other"
		return tx.Contracts().UpdateContract(ctx, c)
	})

	result, err := f.recon.Repair(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Repaired)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, FindingEntityStatusMismatch, result.Failed[0].Kind)
	assert.Equal(t, repository.EntityApproved, f.getContract(t, "c1").Status)
}

func TestAuditAndRepairOrderDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.start(t, "c1", "S3")

	var stray *repository.Task
	f.tx(t, func(tx repository.Tx) error {
		stray = &repository.Task{InstanceID: inst.ID, NodeOrder: 3, AssigneeID: "u-gm", Status: repository.TaskPending}
		return tx.Tasks().Insert(ctx, stray)
	})

	report, err := f.recon.Audit(ctx)
	require.NoError(t, err)
	got := findings(report, FindingOrderDrift)
	require.Len(t, got, 1)
	assert.Equal(t, stray.ID, got[0].TaskID)

	result, err := f.recon.Repair(ctx)
	require.NoError(t, err)
	require.Len(t, result.Repaired, 1)

	tasks, err := f.ledger.ListTasks(ctx, inst.ID)
	require.NoError(t, err)
	for _, tk := range tasks {
		if tk.ID == stray.ID {
			assert.Equal(t, repository.TaskCancelled, tk.Status)
			assert.Equal(t, ReconciliationActor, tk.ActedBy)
		} else {
			assert.Equal(t, repository.TaskPending, tk.Status)
		}
	}
}

func TestAuditReportsStalledBlockedAndMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	delete(f.roles, "MGR")
	f.contract(t, "c2")

	blocked, err := f.wf.Start(ctx, StartRequest{EntityID: "c1", ScenarioID: "S3", Remark: RemarkContract})
	require.Error(t, err)

	var stalled, orphan *repository.Instance
	f.tx(t, func(tx repository.Tx) error {
		stalled = &repository.Instance{ScenarioID: "S3", EntityID: "c2", Remark: RemarkContract, Status: repository.InstanceRunning, CurrentNodeOrder: intPtr(1)}
		if err := tx.Instances().Create(ctx, stalled); err != nil {
			return err
		}
		c, err := tx.Contracts().GetContract(ctx, "c2")
		if err != nil {
			return err
		}
		c.Status = repository.EntityApproving
		c.ApprovalInstanceID = stalled.ID
		if err := tx.Contracts().UpdateContract(ctx, c); err != nil {
			return err
		}
		orphan = &repository.Instance{ScenarioID: "S3", EntityID: "gone", Remark: RemarkContract, Status: repository.InstanceCompleted}
		return tx.Instances().Create(ctx, orphan)
	})

	report, err := f.recon.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)

	require.Len(t, findings(report, FindingBlocked), 1)
	assert.Equal(t, blocked.ID, findings(report, FindingBlocked)[0].InstanceID)
	require.Len(t, findings(report, FindingStalled), 1)
	assert.Equal(t, stalled.ID, findings(report, FindingStalled)[0].InstanceID)
	require.Len(t, findings(report, FindingEntityMissing), 1)
	assert.Equal(t, orphan.ID, findings(report, FindingEntityMissing)[0].InstanceID)
	assert.Empty(t, findings(report, FindingEntityStatusMismatch))
}

func TestAuditUsesLatestInstancePerEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.start(t, "c1", "S3")
	_, err := f.wf.Resolve(ctx, ResolveRequest{TaskID: f.pending(t, first.ID).ID, ActorID: "u-mgr", Outcome: OutcomeReject})
	require.NoError(t, err)

	// Resubmitted: the contract is APPROVING again, which the rejected
	// instance alone would flag.
	second := f.start(t, "c1", "S3")
	require.NotEqual(t, first.ID, second.ID)

	report, err := f.recon.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestAuditIgnoresDraftCreatedAfterCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	done := f.start(t, "c1", "S3")
	for i := 0; i < 3; i++ {
		f.approve(t, f.pending(t, done.ID))
	}
	f.tx(t, func(tx repository.Tx) error {
		c, err := tx.Contracts().GetContract(ctx, "c1")
		if err != nil {
			return err
		}
		c.Status = repository.EntityApproving
		return tx.Contracts().UpdateContract(ctx, c)
	})

	draft, err := f.wf.CreateDraft(ctx, StartRequest{
		EntityID: "c1", ScenarioID: "S3", Remark: RemarkContract, RequesterID: "u-mgr",
	})
	require.NoError(t, err)
	require.Equal(t, repository.InstanceDraft, draft.Status)

	report, err := f.recon.Audit(ctx)
	require.NoError(t, err)
	got := findings(report, FindingEntityStatusMismatch)
	require.Len(t, got, 1)
	assert.Equal(t, done.ID, got[0].InstanceID)
	assert.Equal(t, repository.EntityApproved, got[0].Expected)
}
