package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// FallbackScenarioID is used when no scenario band matches a submission.
const FallbackScenarioID = "FALLBACK-DEFAULT"

// InsertMode controls AddNode when the requested order is taken.
type InsertMode string

const (
	// InsertShift moves the occupying node and everything after it down.
	InsertShift InsertMode = "shift"
	// InsertStrict fails with ORDER_CONFLICT.
	InsertStrict InsertMode = "strict"
)

// ScenarioService owns scenario definitions. Node orders of a scenario are
// always dense 1..n, and mutations keep running instances pointing at the
// same nodes.
type ScenarioService struct {
	store repository.Store
	log   *logger.Logger
}

// NewScenarioService creates a new ScenarioService.
func NewScenarioService(store repository.Store, log *logger.Logger) *ScenarioService {
	return &ScenarioService{store: store, log: log.Named("scenario")}
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetNodes returns the nodes of a scenario ordered by node_order.
func (s *ScenarioService) GetNodes(ctx context.Context, scenarioID string) ([]*repository.ScenarioNode, error) {
	var nodes []*repository.ScenarioNode
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		var err error
		nodes, err = tx.Scenarios().ListNodes(ctx, scenarioID)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			_, err = tx.Scenarios().Get(ctx, scenarioID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetNode returns the node at order.
func (s *ScenarioService) GetNode(ctx context.Context, scenarioID string, order int) (*repository.ScenarioNode, error) {
	var node *repository.ScenarioNode
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		var err error
		node, err = tx.Scenarios().GetNode(ctx, scenarioID, order)
		return err
	})
	return node, err
}

// ListScenarios returns every scenario.
func (s *ScenarioService) ListScenarios(ctx context.Context) ([]*repository.Scenario, error) {
	var out []*repository.Scenario
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.Scenarios().List(ctx)
		return err
	})
	return out, err
}

// MatchScenario picks the active scenario for a contract sub-type whose
// [amount_min, amount_max) band contains amount. Ties go to the highest
// amount_min. Without a match it falls back to FALLBACK-DEFAULT.
func (s *ScenarioService) MatchScenario(ctx context.Context, subTypeCode string, amount int64) (*repository.Scenario, error) {
	var match *repository.Scenario
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		all, err := tx.Scenarios().List(ctx)
		if err != nil {
			return err
		}
		for _, sc := range all {
			if !sc.IsActive || sc.SubTypeCode != subTypeCode || !sc.Covers(amount) {
				continue
			}
			if match == nil || sc.AmountMin > match.AmountMin {
				match = sc
			}
		}
		if match != nil {
			return nil
		}

		match, err = tx.Scenarios().Get(ctx, FallbackScenarioID)
		if errors.Is(err, errors.ErrCodeNotFound) {
			return errors.Newf(errors.ErrCodeNotFound,
				"no scenario for sub-type %s and amount %d, and no %s scenario", subTypeCode, amount, FallbackScenarioID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if match.ScenarioID == FallbackScenarioID {
		s.log.Warn().
			Str("sub_type_code", subTypeCode).
			Int64("amount", amount).
			Msg("No scenario matched; using fallback")
	}
	return match, nil
}

// ── Mutations ─────────────────────────────────────────────────────────────────

// UpsertScenario creates or replaces scenario attributes. Nodes are kept.
func (s *ScenarioService) UpsertScenario(ctx context.Context, sc *repository.Scenario) error {
	sc.ScenarioID = strings.TrimSpace(sc.ScenarioID)
	if sc.ScenarioID == "" {
		return errors.InvalidInput("scenario_id", "required")
	}
	if sc.AmountMin < 0 {
		return errors.InvalidInput("amount_min", "must not be negative")
	}
	if sc.AmountMax != nil && *sc.AmountMax <= sc.AmountMin {
		return errors.InvalidInput("amount_max", "must be greater than amount_min")
	}

	return s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.Scenarios().Lock(ctx, sc.ScenarioID); err != nil {
			return err
		}
		return tx.Scenarios().Upsert(ctx, sc)
	})
}

// AddNode inserts node at node.NodeOrder. Order n+1 appends; an order
// outside 1..n+1 is INVALID_INPUT.
func (s *ScenarioService) AddNode(ctx context.Context, node *repository.ScenarioNode, mode InsertMode) error {
	if strings.TrimSpace(node.RoleCode) == "" && node.ActionType != repository.ActionInitiate {
		return errors.InvalidInput("role_code", "required")
	}
	if node.ActionType == "" {
		node.ActionType = repository.ActionApprove
	}
	if mode == "" {
		mode = InsertShift
	}
	if mode != InsertShift && mode != InsertStrict {
		return errors.InvalidInput("mode", "must be shift or strict")
	}

	err := s.mutate(ctx, node.ScenarioID, func(tx repository.Tx, nodes []*repository.ScenarioNode, _ []*repository.Instance) error {
		n := len(nodes)
		if node.NodeOrder < 1 || node.NodeOrder > n+1 {
			return errors.InvalidInput("node_order", "must be between 1 and the node count plus one")
		}
		if node.NodeOrder <= n {
			if mode == InsertStrict {
				return errors.Newf(errors.ErrCodeOrderConflict,
					"scenario %s already has a node at order %d", node.ScenarioID, node.NodeOrder).
					WithDetail(errors.DetailNodeOrder, node.NodeOrder)
			}
			for i := n - 1; i >= node.NodeOrder-1; i-- {
				if err := tx.Scenarios().SetNodeOrder(ctx, nodes[i].ID, nodes[i].NodeOrder+1); err != nil {
					return err
				}
			}
		}
		return tx.Scenarios().InsertNode(ctx, node)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("scenario_id", node.ScenarioID).
		Str("node_id", node.ID).
		Int("node_order", node.NodeOrder).
		Str("mode", string(mode)).
		Msg("Scenario node added")
	return nil
}

// ReorderNodes assigns orders 1..n following nodeIDs, which must be a
// permutation of the scenario's node ids.
func (s *ScenarioService) ReorderNodes(ctx context.Context, scenarioID string, nodeIDs []string) error {
	err := s.mutate(ctx, scenarioID, func(tx repository.Tx, nodes []*repository.ScenarioNode, _ []*repository.Instance) error {
		if len(nodeIDs) != len(nodes) {
			return errors.InvalidInput("node_ids", "must list every node of the scenario exactly once")
		}
		known := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			known[n.ID] = false
		}
		for _, id := range nodeIDs {
			used, ok := known[id]
			if !ok || used {
				return errors.InvalidInput("node_ids", "must list every node of the scenario exactly once")
			}
			known[id] = true
		}

		for i, id := range nodeIDs {
			if err := tx.Scenarios().SetNodeOrder(ctx, id, i+1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("scenario_id", scenarioID).Int("nodes", len(nodeIDs)).Msg("Scenario nodes reordered")
	return nil
}

// RemoveNode deletes a node and closes the gap. A node that a running
// instance currently sits on cannot be removed.
func (s *ScenarioService) RemoveNode(ctx context.Context, scenarioID, nodeID string) error {
	err := s.mutate(ctx, scenarioID, func(tx repository.Tx, nodes []*repository.ScenarioNode, running []*repository.Instance) error {
		idx := -1
		for i, n := range nodes {
			if n.ID == nodeID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errors.NotFound("scenario_node", nodeID)
		}
		target := nodes[idx]

		for _, inst := range running {
			if inst.AtNode(target.NodeOrder) {
				return errors.Newf(errors.ErrCodeScenarioInUse,
					"node %d of scenario %s is in use by a running instance", target.NodeOrder, scenarioID).
					WithDetail(errors.DetailInstanceID, inst.ID).
					WithDetail(errors.DetailNodeOrder, target.NodeOrder)
			}
		}

		if err := tx.Scenarios().DeleteNode(ctx, nodeID); err != nil {
			return err
		}
		for _, n := range nodes[idx+1:] {
			if err := tx.Scenarios().SetNodeOrder(ctx, n.ID, n.NodeOrder-1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("scenario_id", scenarioID).Str("node_id", nodeID).Msg("Scenario node removed")
	return nil
}

// mutate runs fn under the scenario lock, then remaps every running
// instance of the scenario onto the new orders in the same transaction.
// The running instances are row-locked before the nodes are read, so no
// resolve on them can commit in between.
func (s *ScenarioService) mutate(
	ctx context.Context,
	scenarioID string,
	fn func(tx repository.Tx, nodes []*repository.ScenarioNode, running []*repository.Instance) error,
) error {
	return s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.Scenarios().Lock(ctx, scenarioID); err != nil {
			return err
		}
		if _, err := tx.Scenarios().Get(ctx, scenarioID); err != nil {
			return err
		}

		running, err := tx.Instances().List(ctx, repository.InstanceFilter{
			ScenarioID: scenarioID,
			Statuses:   []string{repository.InstanceRunning},
			ForUpdate:  true,
		})
		if err != nil {
			return err
		}
		before, err := tx.Scenarios().ListNodes(ctx, scenarioID)
		if err != nil {
			return err
		}
		if err := fn(tx, before, running); err != nil {
			return err
		}
		after, err := tx.Scenarios().ListNodes(ctx, scenarioID)
		if err != nil {
			return err
		}
		return s.remapInstances(ctx, tx, running, before, after)
	})
}

// remapInstances moves the locked running instances and their pending
// tasks to the orders in after. Pending tasks are read here, under the
// instance locks.
func (s *ScenarioService) remapInstances(
	ctx context.Context,
	tx repository.Tx,
	running []*repository.Instance,
	before, after []*repository.ScenarioNode,
) error {
	idAtOld := make(map[int]string, len(before))
	for _, n := range before {
		idAtOld[n.NodeOrder] = n.ID
	}
	newOrder := make(map[string]int, len(after))
	for _, n := range after {
		newOrder[n.ID] = n.NodeOrder
	}

	for _, inst := range running {
		pending, err := tx.Tasks().ListPending(ctx, repository.PendingFilter{InstanceID: inst.ID})
		if err != nil {
			return err
		}
		for _, t := range pending {
			order, ok := newOrder[t.NodeID]
			if !ok || order == t.NodeOrder {
				continue
			}
			t.NodeOrder = order
			if err := tx.Tasks().Update(ctx, t); err != nil {
				return err
			}
		}

		if inst.CurrentNodeOrder == nil {
			continue
		}
		order, ok := newOrder[idAtOld[*inst.CurrentNodeOrder]]
		if !ok || order == *inst.CurrentNodeOrder {
			continue
		}
		s.log.Info().
			Str("instance_id", inst.ID).
			Int("from_order", *inst.CurrentNodeOrder).
			Int("to_order", order).
			Msg("Remapped running instance after scenario change")
		inst.CurrentNodeOrder = &order
		if err := tx.Instances().Update(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}
