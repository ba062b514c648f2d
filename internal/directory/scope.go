package directory

import (
	"strings"

	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// ScopePolicy decides which candidates may take a node raised by a requester.
type ScopePolicy interface {
	Name() string
	// InScope reports whether a user in candidateDept may approve a node at
	// nodeLevel for a requester in requesterDept.
	InScope(tree *Tree, nodeLevel, requesterDept, candidateDept string) bool
}

// NewScopePolicy returns the policy registered under name, defaulting to the
// hierarchy policy.
func NewScopePolicy(name string) ScopePolicy {
	if strings.EqualFold(name, "flat") {
		return FlatScope{}
	}
	return HierarchyScope{}
}

// HierarchyScope routes COUNTY, CITY and PROVINCE nodes to approvers inside
// the requester's county, city or province. Other levels are unrestricted.
type HierarchyScope struct{}

func (HierarchyScope) Name() string { return "hierarchy" }

func (HierarchyScope) InScope(tree *Tree, nodeLevel, requesterDept, candidateDept string) bool {
	var deptType string
	switch strings.ToUpper(nodeLevel) {
	case repository.DeptCounty:
		deptType = repository.DeptCounty
	case repository.DeptCity:
		deptType = repository.DeptCity
	case repository.DeptProvince:
		deptType = repository.DeptProvince
	default:
		return true
	}

	if requesterDept == "" {
		return false
	}
	root := tree.Ancestor(requesterDept, deptType)
	if root == "" {
		// Requester sits outside any unit of that level: only their own
		// department qualifies.
		return candidateDept == requesterDept
	}
	return tree.Within(candidateDept, root)
}

// FlatScope accepts every holder of the role.
type FlatScope struct{}

func (FlatScope) Name() string { return "flat" }

func (FlatScope) InScope(*Tree, string, string, string) bool { return true }
