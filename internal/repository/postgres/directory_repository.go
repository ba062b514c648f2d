package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// directoryRepository reads sys_dept and sys_user.
type directoryRepository struct {
	tx pgx.Tx
}

// ListDepts returns the whole org tree.
func (r *directoryRepository) ListDepts(ctx context.Context) ([]*repository.Dept, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, parent_id, type, code, name FROM sys_dept ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list departments")
	}
	defer rows.Close()

	var depts []*repository.Dept
	for rows.Next() {
		d := &repository.Dept{}
		if err := rows.Scan(&d.ID, &d.ParentID, &d.Type, &d.Code, &d.Name); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan department")
		}
		depts = append(depts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list departments")
	}
	return depts, nil
}

// ListUsersWithRole returns the active users whose primary role is roleCode.
func (r *directoryRepository) ListUsersWithRole(ctx context.Context, roleCode string) ([]*repository.User, error) {
	query := `
		SELECT id, username, real_name, dept_id, primary_role, is_active
		FROM sys_user
		WHERE primary_role = $1 AND is_active
		ORDER BY id
	`

	rows, err := r.tx.Query(ctx, query, roleCode)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users by role")
	}
	defer rows.Close()

	var users []*repository.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users by role")
	}
	return users, nil
}

// GetUser retrieves a user by id.
func (r *directoryRepository) GetUser(ctx context.Context, id string) (*repository.User, error) {
	query := `
		SELECT id, username, real_name, dept_id, primary_role, is_active
		FROM sys_user
		WHERE id = $1
	`

	u, err := scanUser(r.tx.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// UpsertDept inserts or replaces a department.
func (r *directoryRepository) UpsertDept(ctx context.Context, d *repository.Dept) error {
	query := `
		INSERT INTO sys_dept (id, parent_id, type, code, name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET parent_id = EXCLUDED.parent_id,
		    type      = EXCLUDED.type,
		    code      = EXCLUDED.code,
		    name      = EXCLUDED.name
	`
	if _, err := r.tx.Exec(ctx, query, d.ID, d.ParentID, d.Type, d.Code, d.Name); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert department")
	}
	return nil
}

// UpsertUser inserts or replaces a user.
func (r *directoryRepository) UpsertUser(ctx context.Context, u *repository.User) error {
	query := `
		INSERT INTO sys_user (id, username, real_name, dept_id, primary_role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET username     = EXCLUDED.username,
		    real_name    = EXCLUDED.real_name,
		    dept_id      = EXCLUDED.dept_id,
		    primary_role = EXCLUDED.primary_role,
		    is_active    = EXCLUDED.is_active
	`
	if _, err := r.tx.Exec(ctx, query, u.ID, u.Username, u.RealName, u.DeptID, u.PrimaryRole, u.IsActive); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert user")
	}
	return nil
}

func scanUser(row rowScanner) (*repository.User, error) {
	u := &repository.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.RealName, &u.DeptID, &u.PrimaryRole, &u.IsActive); err != nil {
		return nil, err
	}
	return u, nil
}
