package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-workflow/internal/config"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/scheduler"
	"github.com/pesio-ai/be-contract-workflow/internal/service"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) Publish(_ context.Context, _, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func memoryConfig() *config.Config {
	return &config.Config{
		Store:     config.StoreMemory,
		SeedFile:  "../../configs/seed.example.yaml",
		Directory: config.DirectoryConfig{Scope: config.ScopeHierarchy},
		Audit:     config.AuditConfig{Schedule: "@every 15m"},
		Outbox:    config.OutboxConfig{Schedule: "@every 5s", BatchSize: 50},
		Tasks:     config.TaskConfig{Timeout: time.Hour, AgingSchedule: "@every 10m"},
	}
}

func TestNewWiresSeededMemoryEngine(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), logger.Nop())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Ping(ctx))

	inst, err := a.Workflow.Submit(ctx, service.SubmitRequest{
		EntityID: "c-1001", Remark: service.RemarkContract, RequesterID: "u-sales",
		SubTypeCode: "SALES", Amount: 4500000,
	})
	require.NoError(t, err)
	assert.Equal(t, "A2-Tier1", inst.ScenarioID)

	st, err := a.Workflow.GetInstanceStatus(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, st.PendingTasks, 1)
	assert.Equal(t, "u-mgr", st.PendingTasks[0].AssigneeID)

	big, err := a.Scenarios.MatchScenario(ctx, "SALES", 25000000)
	require.NoError(t, err)
	assert.Equal(t, "A2-Tier2", big.ScenarioID)
}

func TestNewFailsOnMissingSeedFile(t *testing.T) {
	cfg := memoryConfig()
	cfg.SeedFile = "does-not-exist.yaml"
	_, err := New(context.Background(), cfg, logger.Nop())
	assert.Error(t, err)
}

func TestRegisterJobsRunsAgainstEngine(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Workflow.Start(ctx, service.StartRequest{
		EntityID: "c-1002", ScenarioID: "A2-Tier2", Remark: service.RemarkContract, RequesterID: "u-sales",
	})
	require.NoError(t, err)

	pub := &capturePublisher{}
	s := scheduler.New(logger.Nop(), time.Minute)
	require.NoError(t, a.RegisterJobs(s, pub))

	require.NoError(t, s.RunNow(JobAudit))
	require.NoError(t, s.RunNow(JobAging))
	require.NoError(t, s.RunNow(JobOutbox))

	pub.mu.Lock()
	sent := len(pub.subjects)
	pub.mu.Unlock()
	assert.Greater(t, sent, 0)
	expected := fmt.Sprintf(`
# HELP workflow_outbox_sent_total Notifications relayed from the outbox.
# TYPE workflow_outbox_sent_total counter
workflow_outbox_sent_total %d
`, sent)
	assert.NoError(t, testutil.GatherAndCompare(a.Registry, strings.NewReader(expected), "workflow_outbox_sent_total"))
}

func TestRegisterJobsSkipsOptionalJobs(t *testing.T) {
	cfg := memoryConfig()
	cfg.Tasks.Timeout = 0
	a, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	s := scheduler.New(logger.Nop(), 0)
	require.NoError(t, a.RegisterJobs(s, nil))
	assert.Error(t, s.RunNow(JobOutbox))
	assert.Error(t, s.RunNow(JobAging))
	assert.NoError(t, s.RunNow(JobAudit))

	var pending []*repository.Task
	pending, err = a.Ledger.ListPending(context.Background(), "u-mgr")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
