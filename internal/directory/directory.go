// Package directory resolves a node's role and level to exactly one approver.
package directory

import (
	"context"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// EntityContext identifies the request an approver is resolved for.
type EntityContext struct {
	EntityID    string
	Remark      string
	RequesterID string
}

// Directory resolves assignees from the org tree held in the store. Reads go
// through the caller's transaction so that load counts see its own writes.
type Directory struct {
	policy ScopePolicy
	log    *logger.Logger
}

// New creates a Directory with the given scope policy.
func New(policy ScopePolicy, log *logger.Logger) *Directory {
	if policy == nil {
		policy = HierarchyScope{}
	}
	return &Directory{policy: policy, log: log.Named("directory")}
}

// ResolveAssignee returns the in-scope holder of roleCode with the fewest
// pending tasks. Ties go to the lowest user id. It returns NOT_FOUND when no
// user qualifies.
func (d *Directory) ResolveAssignee(
	ctx context.Context,
	tx repository.Tx,
	roleCode, nodeLevel string,
	ec EntityContext,
) (string, error) {
	users, err := tx.Directory().ListUsersWithRole(ctx, roleCode)
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", noApprover(roleCode, nodeLevel)
	}

	depts, err := tx.Directory().ListDepts(ctx)
	if err != nil {
		return "", err
	}
	tree := NewTree(depts)

	requesterDept := ""
	if ec.RequesterID != "" {
		requester, err := tx.Directory().GetUser(ctx, ec.RequesterID)
		switch {
		case err == nil:
			requesterDept = requester.DeptID
		case !errors.Is(err, errors.ErrCodeNotFound):
			return "", err
		}
	}

	candidates := make([]string, 0, len(users))
	for _, u := range users {
		if d.policy.InScope(tree, nodeLevel, requesterDept, u.DeptID) {
			candidates = append(candidates, u.ID)
		}
	}
	if len(candidates) == 0 {
		d.log.Debug().
			Str("role_code", roleCode).
			Str("node_level", nodeLevel).
			Str("requester_id", ec.RequesterID).
			Str("scope", d.policy.Name()).
			Int("role_holders", len(users)).
			Msg("No role holder in scope")
		return "", noApprover(roleCode, nodeLevel)
	}

	counts, err := tx.Tasks().CountPending(ctx, candidates)
	if err != nil {
		return "", err
	}

	best := candidates[0]
	for _, id := range candidates[1:] {
		if counts[id] < counts[best] {
			best = id
		}
	}
	return best, nil
}

func noApprover(roleCode, nodeLevel string) error {
	return errors.Newf(errors.ErrCodeNotFound, "no approver with role %s at level %s", roleCode, nodeLevel).
		WithDetail(errors.DetailRoleCode, roleCode)
}

// Static resolves roles from a fixed role to user map, ignoring scope. It
// serves tests and single-tenant setups.
type Static map[string]string

// ResolveAssignee returns the user mapped to roleCode.
func (s Static) ResolveAssignee(_ context.Context, _ repository.Tx, roleCode, nodeLevel string, _ EntityContext) (string, error) {
	if id, ok := s[roleCode]; ok && id != "" {
		return id, nil
	}
	return "", noApprover(roleCode, nodeLevel)
}
