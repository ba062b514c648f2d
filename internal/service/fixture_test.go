package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-workflow/internal/directory"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/repository/memory"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store     *memory.Store
	roles     directory.Static
	metrics   *Metrics
	scenarios *ScenarioService
	ledger    *TaskLedger
	wf        *WorkflowService
	recon     *ReconciliationService
}

// newFixture wires the engine over a memory store with a static directory.
// Scenario S3 has three approval nodes held by u-mgr, u-legal and u-gm.
func newFixture(t *testing.T, adapters ...EntityAdapter) *fixture {
	t.Helper()
	log := logger.Nop()
	// Store timestamps advance by a millisecond per call so that creation
	// order is observable.
	var ticks atomic.Int64
	store := memory.New(memory.WithClock(func() time.Time {
		return t0.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
	}))

	if len(adapters) == 0 {
		adapters = []EntityAdapter{ContractAdapter{}, NewContractChangeAdapter()}
	}

	f := &fixture{
		store:   store,
		roles:   directory.Static{"MGR": "u-mgr", "LEGAL": "u-legal", "GM": "u-gm"},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.scenarios = NewScenarioService(store, log)
	f.ledger = NewTaskLedger(store, log)
	f.wf = NewWorkflowService(store, f.scenarios, f.ledger, f.roles, adapters, f.metrics, log)
	f.wf.now = func() time.Time { return t0 }
	f.recon = NewReconciliationService(store, f.wf, f.ledger, f.metrics, log)

	f.scenario(t, "S3",
		node("MGR", repository.ActionReview),
		node("LEGAL", repository.ActionVerify),
		node("GM", repository.ActionFinalApprove),
	)
	f.contract(t, "c1")
	return f
}

func node(role, action string) *repository.ScenarioNode {
	return &repository.ScenarioNode{RoleCode: role, NodeLevel: "CITY", NodeName: role, ActionType: action, IsMandatory: true}
}

func (f *fixture) scenario(t *testing.T, id string, nodes ...*repository.ScenarioNode) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.scenarios.UpsertScenario(ctx, &repository.Scenario{
		ScenarioID: id, SubTypeCode: "SALES", Name: id, IsActive: true,
	}))
	for i, n := range nodes {
		n.ScenarioID = id
		n.NodeOrder = i + 1
		require.NoError(t, f.scenarios.AddNode(ctx, n, InsertStrict))
	}
}

func (f *fixture) contract(t *testing.T, id string) {
	t.Helper()
	f.tx(t, func(tx repository.Tx) error {
		return tx.Contracts().CreateContract(context.Background(), &repository.Contract{
			ID: id, ContractNo: "NO-" + id, Name: "contract " + id, Amount: 1000,
			SubTypeCode: "SALES", Version: "v1", Status: repository.EntityDraft,
		})
	})
}

func (f *fixture) tx(t *testing.T, fn func(tx repository.Tx) error) {
	t.Helper()
	require.NoError(t, f.store.InTransaction(context.Background(), fn))
}

func (f *fixture) getContract(t *testing.T, id string) *repository.Contract {
	t.Helper()
	var c *repository.Contract
	require.NoError(t, f.store.ReadOnly(context.Background(), func(tx repository.Tx) error {
		var err error
		c, err = tx.Contracts().GetContract(context.Background(), id)
		return err
	}))
	return c
}

func (f *fixture) start(t *testing.T, entityID, scenarioID string) *repository.Instance {
	t.Helper()
	inst, err := f.wf.Start(context.Background(), StartRequest{
		EntityID: entityID, ScenarioID: scenarioID, Remark: RemarkContract, RequesterID: "u-req",
	})
	require.NoError(t, err)
	return inst
}

// pending returns the single pending task of an instance.
func (f *fixture) pending(t *testing.T, instanceID string) *repository.Task {
	t.Helper()
	st, err := f.wf.GetInstanceStatus(context.Background(), instanceID)
	require.NoError(t, err)
	require.Len(t, st.PendingTasks, 1)
	return st.PendingTasks[0]
}

func (f *fixture) approve(t *testing.T, task *repository.Task) *InstanceStatus {
	t.Helper()
	st, err := f.wf.Resolve(context.Background(), ResolveRequest{
		TaskID: task.ID, ActorID: task.AssigneeID, Outcome: OutcomeApprove,
	})
	require.NoError(t, err)
	return st
}

func (f *fixture) actions(t *testing.T, instanceID string) []string {
	t.Helper()
	events, err := f.wf.History(context.Background(), instanceID)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}
