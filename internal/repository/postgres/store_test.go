package postgres_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-workflow/internal/directory"
	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/notify"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/repository/postgres"
	"github.com/pesio-ai/be-contract-workflow/internal/seed"
	"github.com/pesio-ai/be-contract-workflow/internal/service"
	"github.com/pesio-ai/be-contract-workflow/internal/testutil"
)

const seedDoc = `
depts:
  - {id: city, type: CITY, name: City}
  - {id: county, parent: city, type: COUNTY, name: County}
users:
  - {id: u-mgr, dept: county, role: MGR}
  - {id: u-legal, dept: city, role: LEGAL}
  - {id: u-gm, dept: city, role: GM}
scenarios:
  - id: S3
    sub_type_code: SALES
    nodes:
      - {role: MGR, level: COUNTY, action: REVIEW}
      - {role: LEGAL, level: CITY, action: VERIFY}
      - {role: GM, level: CITY, action: FINAL_APPROVE}
contracts:
  - {id: c1, no: HT-1, name: Supply, amount: 1000, sub_type_code: SALES}
  - {id: c2, no: HT-2, name: Lease, amount: 2000, sub_type_code: SALES}
`

type engine struct {
	store     *postgres.Store
	scenarios *service.ScenarioService
	ledger    *service.TaskLedger
	workflow  *service.WorkflowService
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	db := testutil.NewDatabase(t)
	store := postgres.NewStore(db)
	log := logger.Nop()

	f, err := seed.Parse([]byte(seedDoc))
	require.NoError(t, err)
	_, err = seed.Apply(context.Background(), store, f, log)
	require.NoError(t, err)

	scenarios := service.NewScenarioService(store, log)
	ledger := service.NewTaskLedger(store, log)
	dir := directory.New(directory.NewScopePolicy("hierarchy"), log)
	wf := service.NewWorkflowService(store, scenarios, ledger, dir,
		[]service.EntityAdapter{service.ContractAdapter{}, service.NewContractChangeAdapter()},
		service.NewMetrics(prometheus.NewRegistry()), log)
	return &engine{store: store, scenarios: scenarios, ledger: ledger, workflow: wf}
}

func (e *engine) start(t *testing.T, entityID string) *repository.Instance {
	t.Helper()
	inst, err := e.workflow.Start(context.Background(), service.StartRequest{
		EntityID: entityID, ScenarioID: "S3", Remark: service.RemarkContract, RequesterID: "u-mgr",
	})
	require.NoError(t, err)
	return inst
}

func (e *engine) contractStatus(t *testing.T, id string) string {
	t.Helper()
	var status string
	require.NoError(t, e.store.ReadOnly(context.Background(), func(tx repository.Tx) error {
		c, err := tx.Contracts().GetContract(context.Background(), id)
		if err != nil {
			return err
		}
		status = c.Status
		return nil
	}))
	return status
}

func TestPostgresApprovalRunsToCompletion(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	inst := e.start(t, "c1")
	assert.Equal(t, repository.EntityApproving, e.contractStatus(t, "c1"))

	for _, assignee := range []string{"u-mgr", "u-legal", "u-gm"} {
		st, err := e.workflow.GetInstanceStatus(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, st.PendingTasks, 1)
		require.Equal(t, assignee, st.PendingTasks[0].AssigneeID)
		_, err = e.workflow.Resolve(ctx, service.ResolveRequest{
			TaskID: st.PendingTasks[0].ID, ActorID: assignee, Outcome: service.OutcomeApprove,
		})
		require.NoError(t, err)
	}

	got, err := e.workflow.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceCompleted, got.Status)
	assert.Nil(t, got.CurrentNodeOrder)
	assert.Equal(t, repository.EntityApproved, e.contractStatus(t, "c1"))

	events, err := e.workflow.History(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.EventStarted, events[0].Action)
	assert.Equal(t, repository.EventCompleted, events[len(events)-1].Action)
}

func TestPostgresUniqueIndexesMapToDomainCodes(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	inst := e.start(t, "c1")

	_, err := e.workflow.Start(ctx, service.StartRequest{
		EntityID: "c1", ScenarioID: "S3", Remark: service.RemarkContract, RequesterID: "u-mgr",
	})
	assert.Equal(t, errors.ErrCodeDuplicateActive, errors.CodeOf(err))

	err = e.store.InTransaction(ctx, func(tx repository.Tx) error {
		return tx.Tasks().Insert(ctx, &repository.Task{
			InstanceID: inst.ID, NodeID: "n", NodeOrder: 1, AssigneeID: "u-x", Status: repository.TaskPending,
		})
	})
	assert.True(t, errors.Is(err, errors.ErrCodeTaskAlreadyActive), "got %v", err)
}

func TestPostgresTransactionRollsBack(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	boom := stderrors.New("boom")

	err := e.store.InTransaction(ctx, func(tx repository.Tx) error {
		c, err := tx.Contracts().GetContractForUpdate(ctx, "c2")
		if err != nil {
			return err
		}
		c.Status = repository.EntityApproved
		if err := tx.Contracts().UpdateContract(ctx, c); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, repository.EntityDraft, e.contractStatus(t, "c2"))
}

func TestPostgresConcurrentResolveHasOneWinner(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	inst := e.start(t, "c1")
	st, err := e.workflow.GetInstanceStatus(ctx, inst.ID)
	require.NoError(t, err)
	task := st.PendingTasks[0]

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		failures []error
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.workflow.Resolve(ctx, service.ResolveRequest{
				TaskID: task.ID, ActorID: "u-mgr", Outcome: service.OutcomeApprove,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				failures = append(failures, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range failures {
		assert.True(t, errors.Is(err, errors.ErrCodeNotPending), "got %v", err)
	}
}

func TestPostgresShiftInsertKeepsOrdersDense(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.scenarios.AddNode(ctx, &repository.ScenarioNode{
		ScenarioID: "S3", NodeOrder: 2, RoleCode: "MGR", NodeLevel: "CITY",
		ActionType: repository.ActionReview, IsMandatory: true,
	}, service.InsertShift))

	nodes, err := e.scenarios.GetNodes(ctx, "S3")
	require.NoError(t, err)
	require.Len(t, nodes, 4)
	for i, n := range nodes {
		assert.Equal(t, i+1, n.NodeOrder)
	}
	assert.Equal(t, "LEGAL", nodes[2].RoleCode)
}

func TestPostgresShiftInsertDuringApprovalKeepsInstanceConsistent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for _, entityID := range []string{"c1", "c2"} {
		inst := e.start(t, entityID)
		st, err := e.workflow.GetInstanceStatus(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, st.PendingTasks, 1)
		first := st.PendingTasks[0]

		var (
			wg                    sync.WaitGroup
			resolveErr, insertErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, resolveErr = e.workflow.Resolve(ctx, service.ResolveRequest{
				TaskID: first.ID, ActorID: "u-mgr", Outcome: service.OutcomeApprove,
			})
		}()
		go func() {
			defer wg.Done()
			insertErr = e.scenarios.AddNode(ctx, &repository.ScenarioNode{
				ScenarioID: "S3", NodeOrder: 2, RoleCode: "GM", NodeLevel: "CITY",
				ActionType: repository.ActionReview, IsMandatory: true,
			}, service.InsertShift)
		}()
		wg.Wait()
		require.NoError(t, resolveErr)
		require.NoError(t, insertErr)

		got, err := e.workflow.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		require.Equal(t, repository.InstanceRunning, got.Status)
		require.NotNil(t, got.CurrentNodeOrder)

		tasks, err := e.ledger.ListTasks(ctx, inst.ID)
		require.NoError(t, err)
		var pending []*repository.Task
		for _, task := range tasks {
			if task.ID == first.ID {
				assert.Equal(t, repository.TaskApproved, task.Status, "finished task reopened")
			}
			if task.Status == repository.TaskPending {
				pending = append(pending, task)
			}
		}
		require.Len(t, pending, 1)
		assert.Equal(t, *got.CurrentNodeOrder, pending[0].NodeOrder)

		nodes, err := e.scenarios.GetNodes(ctx, "S3")
		require.NoError(t, err)
		assert.Equal(t, nodes[pending[0].NodeOrder-1].ID, pending[0].NodeID)
		for i, n := range nodes {
			assert.Equal(t, i+1, n.NodeOrder)
		}
	}
}

func TestPostgresOutboxClaimAndMark(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.start(t, "c1")

	var claimed []*repository.OutboxMessage
	require.NoError(t, e.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		claimed, err = tx.Outbox().ClaimUnsent(ctx, 10)
		if err != nil {
			return err
		}
		for _, m := range claimed {
			if err := tx.Outbox().MarkSent(ctx, m.ID, time.Now()); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NotEmpty(t, claimed)
	assert.Equal(t, notify.Subject(notify.EventTaskAssigned), claimed[len(claimed)-1].Subject)

	require.NoError(t, e.store.InTransaction(ctx, func(tx repository.Tx) error {
		rest, err := tx.Outbox().ClaimUnsent(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, rest)
		return nil
	}))
}
