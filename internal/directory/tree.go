package directory

import "github.com/pesio-ai/be-contract-workflow/internal/repository"

// Tree is an index over the org departments.
type Tree struct {
	depts map[string]*repository.Dept
}

// NewTree indexes depts by id.
func NewTree(depts []*repository.Dept) *Tree {
	t := &Tree{depts: make(map[string]*repository.Dept, len(depts))}
	for _, d := range depts {
		t.depts[d.ID] = d
	}
	return t
}

// Ancestor returns the nearest department of deptType on the path from
// deptID to the root, deptID included. It returns "" when there is none.
func (t *Tree) Ancestor(deptID, deptType string) string {
	seen := make(map[string]struct{})
	for id := deptID; id != ""; {
		if _, loop := seen[id]; loop {
			return ""
		}
		seen[id] = struct{}{}

		d, ok := t.depts[id]
		if !ok {
			return ""
		}
		if d.Type == deptType {
			return d.ID
		}
		id = d.ParentID
	}
	return ""
}

// Within reports whether deptID is rootID or one of its descendants.
func (t *Tree) Within(deptID, rootID string) bool {
	seen := make(map[string]struct{})
	for id := deptID; id != ""; {
		if id == rootID {
			return true
		}
		if _, loop := seen[id]; loop {
			return false
		}
		seen[id] = struct{}{}

		d, ok := t.depts[id]
		if !ok {
			return false
		}
		id = d.ParentID
	}
	return false
}
