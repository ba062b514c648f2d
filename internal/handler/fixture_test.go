package handler

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-workflow/internal/directory"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/repository/memory"
	"github.com/pesio-ai/be-contract-workflow/internal/service"
)

type env struct {
	store     *memory.Store
	workflow  *service.WorkflowService
	ledger    *service.TaskLedger
	scenarios *service.ScenarioService
	recon     *service.ReconciliationService
}

// newEnv wires the services over a memory store. Scenario S2 routes
// through MGR (u-mgr) then GM (u-gm); contracts c1 and c2 are drafts.
func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.Nop()
	store := memory.New()
	metrics := service.NewMetrics(prometheus.NewRegistry())
	roles := directory.Static{"MGR": "u-mgr", "GM": "u-gm"}

	e := &env{store: store}
	e.scenarios = service.NewScenarioService(store, log)
	e.ledger = service.NewTaskLedger(store, log)
	e.workflow = service.NewWorkflowService(store, e.scenarios, e.ledger, roles,
		[]service.EntityAdapter{service.ContractAdapter{}, service.NewContractChangeAdapter()}, metrics, log)
	e.recon = service.NewReconciliationService(store, e.workflow, e.ledger, metrics, log)

	ctx := context.Background()
	require.NoError(t, e.scenarios.UpsertScenario(ctx, &repository.Scenario{
		ScenarioID: "S2", SubTypeCode: "SALES", Name: "sales", IsActive: true,
	}))
	for i, role := range []string{"MGR", "GM"} {
		require.NoError(t, e.scenarios.AddNode(ctx, &repository.ScenarioNode{
			ScenarioID: "S2", NodeOrder: i + 1, RoleCode: role, NodeLevel: "CITY",
			NodeName: role, ActionType: repository.ActionApprove, IsMandatory: true,
		}, service.InsertStrict))
	}
	require.NoError(t, store.InTransaction(ctx, func(tx repository.Tx) error {
		for _, id := range []string{"c1", "c2"} {
			if err := tx.Contracts().CreateContract(ctx, &repository.Contract{
				ID: id, ContractNo: "NO-" + id, Name: id, Amount: 500,
				SubTypeCode: "SALES", Version: "v1", Status: repository.EntityDraft,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	return e
}

func (e *env) start(t *testing.T, entityID string) *repository.Instance {
	t.Helper()
	inst, err := e.workflow.Start(context.Background(), service.StartRequest{
		EntityID: entityID, ScenarioID: "S2", Remark: service.RemarkContract, RequesterID: "u-req",
	})
	require.NoError(t, err)
	return inst
}

func (e *env) pending(t *testing.T, instanceID string) *repository.Task {
	t.Helper()
	st, err := e.workflow.GetInstanceStatus(context.Background(), instanceID)
	require.NoError(t, err)
	require.Len(t, st.PendingTasks, 1)
	return st.PendingTasks[0]
}
