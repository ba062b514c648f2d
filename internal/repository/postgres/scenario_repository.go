package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// scenarioRepository handles wf_scenario and wf_scenario_node.
type scenarioRepository struct {
	tx pgx.Tx
}

// Lock takes a transaction-scoped advisory lock keyed by the scenario id.
func (r *scenarioRepository) Lock(ctx context.Context, scenarioID string) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, scenarioLockKey(scenarioID))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock scenario")
	}
	return nil
}

// LockShared takes the shared form of the Lock advisory lock.
func (r *scenarioRepository) LockShared(ctx context.Context, scenarioID string) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared(hashtextextended($1, 0))`, scenarioLockKey(scenarioID))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock scenario for reading")
	}
	return nil
}

func scenarioLockKey(scenarioID string) string { return "wf_scenario:" + scenarioID }

// Get retrieves a scenario by id.
func (r *scenarioRepository) Get(ctx context.Context, scenarioID string) (*repository.Scenario, error) {
	query := `
		SELECT scenario_id, sub_type_code, name, amount_min, amount_max,
		       is_fast_track, is_active, created_at, updated_at
		FROM wf_scenario
		WHERE scenario_id = $1
	`

	sc, err := scanScenario(r.tx.QueryRow(ctx, query, scenarioID))
	if isNoRows(err) {
		return nil, errors.NotFound("scenario", scenarioID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get scenario")
	}
	return sc, nil
}

// Upsert inserts a scenario or replaces its attributes.
func (r *scenarioRepository) Upsert(ctx context.Context, sc *repository.Scenario) error {
	query := `
		INSERT INTO wf_scenario
		    (scenario_id, sub_type_code, name, amount_min, amount_max,
		     is_fast_track, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scenario_id) DO UPDATE
		SET sub_type_code = EXCLUDED.sub_type_code,
		    name          = EXCLUDED.name,
		    amount_min    = EXCLUDED.amount_min,
		    amount_max    = EXCLUDED.amount_max,
		    is_fast_track = EXCLUDED.is_fast_track,
		    is_active     = EXCLUDED.is_active,
		    updated_at    = NOW()
		RETURNING created_at, updated_at
	`

	err := r.tx.QueryRow(ctx, query,
		sc.ScenarioID,
		sc.SubTypeCode,
		sc.Name,
		sc.AmountMin,
		sc.AmountMax,
		sc.IsFastTrack,
		sc.IsActive,
	).Scan(&sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return writeError(err, "failed to upsert scenario")
	}
	return nil
}

// List returns every scenario ordered by sub-type and descending lower band.
func (r *scenarioRepository) List(ctx context.Context) ([]*repository.Scenario, error) {
	query := `
		SELECT scenario_id, sub_type_code, name, amount_min, amount_max,
		       is_fast_track, is_active, created_at, updated_at
		FROM wf_scenario
		ORDER BY sub_type_code ASC, amount_min DESC, scenario_id ASC
	`

	rows, err := r.tx.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list scenarios")
	}
	defer rows.Close()

	var scenarios []*repository.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan scenario")
		}
		scenarios = append(scenarios, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list scenarios")
	}
	return scenarios, nil
}

// ListNodes returns the nodes of a scenario ordered by node_order.
func (r *scenarioRepository) ListNodes(ctx context.Context, scenarioID string) ([]*repository.ScenarioNode, error) {
	query := `
		SELECT id, scenario_id, node_order, role_code, node_level, node_name,
		       action_type, is_mandatory, can_skip, created_at
		FROM wf_scenario_node
		WHERE scenario_id = $1
		ORDER BY node_order ASC
	`

	rows, err := r.tx.Query(ctx, query, scenarioID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list scenario nodes")
	}
	defer rows.Close()

	var nodes []*repository.ScenarioNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan scenario node")
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list scenario nodes")
	}
	return nodes, nil
}

// GetNode returns the node at order within a scenario.
func (r *scenarioRepository) GetNode(ctx context.Context, scenarioID string, order int) (*repository.ScenarioNode, error) {
	query := `
		SELECT id, scenario_id, node_order, role_code, node_level, node_name,
		       action_type, is_mandatory, can_skip, created_at
		FROM wf_scenario_node
		WHERE scenario_id = $1 AND node_order = $2
	`

	n, err := scanNode(r.tx.QueryRow(ctx, query, scenarioID, order))
	if isNoRows(err) {
		return nil, errors.NotFound("scenario_node", scenarioID).WithDetail(errors.DetailNodeOrder, order)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get scenario node")
	}
	return n, nil
}

// InsertNode adds a node. The order constraint is deferred to commit.
func (r *scenarioRepository) InsertNode(ctx context.Context, n *repository.ScenarioNode) error {
	query := `
		INSERT INTO wf_scenario_node
		    (scenario_id, node_order, role_code, node_level, node_name,
		     action_type, is_mandatory, can_skip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := r.tx.QueryRow(ctx, query,
		n.ScenarioID,
		n.NodeOrder,
		n.RoleCode,
		n.NodeLevel,
		n.NodeName,
		n.ActionType,
		n.IsMandatory,
		n.CanSkip,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return writeError(err, "failed to insert scenario node")
	}
	return nil
}

// SetNodeOrder moves one node to a new order.
func (r *scenarioRepository) SetNodeOrder(ctx context.Context, nodeID string, order int) error {
	tag, err := r.tx.Exec(ctx, `UPDATE wf_scenario_node SET node_order = $2 WHERE id = $1`, nodeID, order)
	if err != nil {
		return writeError(err, "failed to reorder scenario node")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("scenario_node", nodeID)
	}
	return nil
}

// DeleteNode removes one node.
func (r *scenarioRepository) DeleteNode(ctx context.Context, nodeID string) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM wf_scenario_node WHERE id = $1`, nodeID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete scenario node")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("scenario_node", nodeID)
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanScenario(row rowScanner) (*repository.Scenario, error) {
	sc := &repository.Scenario{}
	err := row.Scan(
		&sc.ScenarioID,
		&sc.SubTypeCode,
		&sc.Name,
		&sc.AmountMin,
		&sc.AmountMax,
		&sc.IsFastTrack,
		&sc.IsActive,
		&sc.CreatedAt,
		&sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func scanNode(row rowScanner) (*repository.ScenarioNode, error) {
	n := &repository.ScenarioNode{}
	err := row.Scan(
		&n.ID,
		&n.ScenarioID,
		&n.NodeOrder,
		&n.RoleCode,
		&n.NodeLevel,
		&n.NodeName,
		&n.ActionType,
		&n.IsMandatory,
		&n.CanSkip,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}
