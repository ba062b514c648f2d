package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/repository/memory"
)

// org:
//
//	P1 (PROVINCE)
//	├── C1 (CITY)
//	│   ├── K1 (COUNTY) ── K1-D (DEPT)
//	│   └── K2 (COUNTY)
//	└── C2 (CITY) ── K3 (COUNTY)
func newOrgStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	depts := []*repository.Dept{
		{ID: "P1", Type: repository.DeptProvince},
		{ID: "C1", ParentID: "P1", Type: repository.DeptCity},
		{ID: "C2", ParentID: "P1", Type: repository.DeptCity},
		{ID: "K1", ParentID: "C1", Type: repository.DeptCounty},
		{ID: "K1-D", ParentID: "K1", Type: repository.DeptDept},
		{ID: "K2", ParentID: "C1", Type: repository.DeptCounty},
		{ID: "K3", ParentID: "C2", Type: repository.DeptCounty},
	}
	users := []*repository.User{
		{ID: "requester", DeptID: "K1-D", PrimaryRole: "SALES", IsActive: true},
		{ID: "k1-mgr", DeptID: "K1", PrimaryRole: "COUNTY_MANAGER", IsActive: true},
		{ID: "k2-mgr", DeptID: "K2", PrimaryRole: "COUNTY_MANAGER", IsActive: true},
		{ID: "c1-legal-a", DeptID: "C1", PrimaryRole: "CITY_LEGAL", IsActive: true},
		{ID: "c1-legal-b", DeptID: "K2", PrimaryRole: "CITY_LEGAL", IsActive: true},
		{ID: "c2-legal", DeptID: "C2", PrimaryRole: "CITY_LEGAL", IsActive: true},
		{ID: "k3-only", DeptID: "K3", PrimaryRole: "AUDITOR", IsActive: true},
		{ID: "p1-gm", DeptID: "P1", PrimaryRole: "PROVINCE_GM", IsActive: true},
		{ID: "retired", DeptID: "K1", PrimaryRole: "PROVINCE_GM", IsActive: false},
	}

	require.NoError(t, s.InTransaction(ctx, func(tx repository.Tx) error {
		for _, d := range depts {
			require.NoError(t, tx.Directory().UpsertDept(ctx, d))
		}
		for _, u := range users {
			require.NoError(t, tx.Directory().UpsertUser(ctx, u))
		}
		return tx.Scenarios().Upsert(ctx, &repository.Scenario{ScenarioID: "S1", IsActive: true})
	}))
	return s
}

func resolve(t *testing.T, s *memory.Store, d *Directory, role, level string) (string, error) {
	t.Helper()
	var (
		id  string
		err error
	)
	require.NoError(t, s.ReadOnly(context.Background(), func(tx repository.Tx) error {
		id, err = d.ResolveAssignee(context.Background(), tx, role, level, EntityContext{
			EntityID: "c1", Remark: "CONTRACT", RequesterID: "requester",
		})
		return nil
	}))
	return id, err
}

func TestHierarchyScopeByLevel(t *testing.T) {
	s := newOrgStore(t)
	d := New(HierarchyScope{}, logger.Nop())

	id, err := resolve(t, s, d, "COUNTY_MANAGER", "COUNTY")
	require.NoError(t, err)
	assert.Equal(t, "k1-mgr", id)

	id, err = resolve(t, s, d, "CITY_LEGAL", "CITY")
	require.NoError(t, err)
	assert.Contains(t, []string{"c1-legal-a", "c1-legal-b"}, id)

	id, err = resolve(t, s, d, "PROVINCE_GM", "PROVINCE")
	require.NoError(t, err)
	assert.Equal(t, "p1-gm", id)

	_, err = resolve(t, s, d, "AUDITOR", "CITY")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	assert.Equal(t, "AUDITOR", errors.DetailsOf(err)[errors.DetailRoleCode])

	id, err = resolve(t, s, d, "AUDITOR", "HQ")
	require.NoError(t, err)
	assert.Equal(t, "k3-only", id)
}

func TestFlatScopeIgnoresTree(t *testing.T) {
	s := newOrgStore(t)
	d := New(NewScopePolicy("flat"), logger.Nop())

	id, err := resolve(t, s, d, "AUDITOR", "CITY")
	require.NoError(t, err)
	assert.Equal(t, "k3-only", id)

	_, err = resolve(t, s, d, "NOBODY", "CITY")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestLeastLoadedCandidateWins(t *testing.T) {
	ctx := context.Background()
	s := newOrgStore(t)
	d := New(HierarchyScope{}, logger.Nop())

	// Give c1-legal-a one pending task.
	require.NoError(t, s.InTransaction(ctx, func(tx repository.Tx) error {
		inst := &repository.Instance{ScenarioID: "S1", EntityID: "x", Remark: "CONTRACT", Status: repository.InstanceRunning}
		require.NoError(t, tx.Instances().Create(ctx, inst))
		return tx.Tasks().Insert(ctx, &repository.Task{
			InstanceID: inst.ID, NodeID: "n", NodeOrder: 1, AssigneeID: "c1-legal-a", Status: repository.TaskPending,
		})
	}))

	id, err := resolve(t, s, d, "CITY_LEGAL", "CITY")
	require.NoError(t, err)
	assert.Equal(t, "c1-legal-b", id)
}

func TestTreeAncestorAndWithin(t *testing.T) {
	tree := NewTree([]*repository.Dept{
		{ID: "P", Type: repository.DeptProvince},
		{ID: "C", ParentID: "P", Type: repository.DeptCity},
		{ID: "K", ParentID: "C", Type: repository.DeptCounty},
		{ID: "loop-a", ParentID: "loop-b", Type: repository.DeptDept},
		{ID: "loop-b", ParentID: "loop-a", Type: repository.DeptDept},
	})

	assert.Equal(t, "C", tree.Ancestor("K", repository.DeptCity))
	assert.Equal(t, "K", tree.Ancestor("K", repository.DeptCounty))
	assert.Equal(t, "", tree.Ancestor("P", repository.DeptCity))
	assert.Equal(t, "", tree.Ancestor("loop-a", repository.DeptCity))

	assert.True(t, tree.Within("K", "P"))
	assert.False(t, tree.Within("P", "K"))
	assert.False(t, tree.Within("loop-a", "P"))
}

func TestStaticResolver(t *testing.T) {
	s := Static{"A": "u1"}
	id, err := s.ResolveAssignee(context.Background(), nil, "A", "", EntityContext{})
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, err = s.ResolveAssignee(context.Background(), nil, "B", "", EntityContext{})
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}
