// Package memory implements repository.Store in process. Each transaction
// holds the store lock, works on a private copy of the state and swaps it in
// on commit, so a failed transaction leaves no trace.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// Store is the in-memory repository.Store.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

var _ repository.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{state: newState(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTransaction runs fn against a copy of the state and publishes the copy
// only when fn succeeds and the deferred constraints hold.
func (s *Store) InTransaction(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to begin transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{st: work, now: s.now}); err != nil {
		return err
	}
	if err := work.checkDeferred(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// ReadOnly runs fn against the committed state. Writes made by fn are
// discarded.
func (s *Store) ReadOnly(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to begin transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(&tx{st: s.state.clone(), now: s.now})
}

// Close is a no-op.
func (s *Store) Close() {}

// ── state ─────────────────────────────────────────────────────────────────────

type state struct {
	scenarios map[string]*repository.Scenario
	nodes     map[string]*repository.ScenarioNode
	instances map[string]*repository.Instance
	tasks     map[string]*repository.Task
	events    []*repository.InstanceEvent
	outbox    map[string]*repository.OutboxMessage
	contracts map[string]*repository.Contract
	changes   map[string]*repository.ContractChange
	depts     map[string]*repository.Dept
	users     map[string]*repository.User

	taskSeq  int64
	eventSeq int64
}

func newState() *state {
	return &state{
		scenarios: map[string]*repository.Scenario{},
		nodes:     map[string]*repository.ScenarioNode{},
		instances: map[string]*repository.Instance{},
		tasks:     map[string]*repository.Task{},
		outbox:    map[string]*repository.OutboxMessage{},
		contracts: map[string]*repository.Contract{},
		changes:   map[string]*repository.ContractChange{},
		depts:     map[string]*repository.Dept{},
		users:     map[string]*repository.User{},
	}
}

func (st *state) clone() *state {
	return &state{
		scenarios: cloneMap(st.scenarios, copyScenario),
		nodes:     cloneMap(st.nodes, copyValue[repository.ScenarioNode]),
		instances: cloneMap(st.instances, copyInstance),
		tasks:     cloneMap(st.tasks, copyTask),
		events:    slices.Clip(st.events),
		outbox:    cloneMap(st.outbox, copyOutbox),
		contracts: cloneMap(st.contracts, copyValue[repository.Contract]),
		changes:   cloneMap(st.changes, copyChange),
		depts:     cloneMap(st.depts, copyValue[repository.Dept]),
		users:     cloneMap(st.users, copyValue[repository.User]),
		taskSeq:   st.taskSeq,
		eventSeq:  st.eventSeq,
	}
}

// checkDeferred enforces the node order uniqueness that postgres checks at
// commit time.
func (st *state) checkDeferred() error {
	type key struct {
		scenarioID string
		order      int
	}
	seen := make(map[key]struct{}, len(st.nodes))
	for _, n := range st.nodes {
		k := key{n.ScenarioID, n.NodeOrder}
		if _, dup := seen[k]; dup {
			return errors.Newf(errors.ErrCodeOrderConflict,
				"scenario %s has two nodes at order %d", n.ScenarioID, n.NodeOrder).
				WithDetail(errors.DetailNodeOrder, n.NodeOrder)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// ── copy helpers ──────────────────────────────────────────────────────────────

func cloneMap[V any](m map[string]*V, cp func(*V) *V) map[string]*V {
	out := make(map[string]*V, len(m))
	for k, v := range m {
		out[k] = cp(v)
	}
	return out
}

func copyValue[V any](v *V) *V {
	c := *v
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func copyScenario(s *repository.Scenario) *repository.Scenario {
	c := *s
	c.AmountMax = copyPtr(s.AmountMax)
	return &c
}

func copyInstance(i *repository.Instance) *repository.Instance {
	c := *i
	c.CurrentNodeOrder = copyPtr(i.CurrentNodeOrder)
	c.StartedAt = copyPtr(i.StartedAt)
	c.EndedAt = copyPtr(i.EndedAt)
	return &c
}

func copyTask(t *repository.Task) *repository.Task {
	c := *t
	c.FinishTime = copyPtr(t.FinishTime)
	return &c
}

func copyOutbox(m *repository.OutboxMessage) *repository.OutboxMessage {
	c := *m
	c.Payload = slices.Clone(m.Payload)
	c.SentAt = copyPtr(m.SentAt)
	return &c
}

func copyChange(ch *repository.ContractChange) *repository.ContractChange {
	c := *ch
	c.DiffData = slices.Clone(ch.DiffData)
	c.ApprovedAt = copyPtr(ch.ApprovedAt)
	c.EffectiveAt = copyPtr(ch.EffectiveAt)
	return &c
}

// ── transaction ───────────────────────────────────────────────────────────────

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) Scenarios() repository.ScenarioRepository   { return &scenarioRepository{t} }
func (t *tx) Instances() repository.InstanceRepository   { return &instanceRepository{t} }
func (t *tx) Tasks() repository.TaskRepository           { return &taskRepository{t} }
func (t *tx) Events() repository.EventRepository         { return &eventRepository{t} }
func (t *tx) Outbox() repository.OutboxRepository        { return &outboxRepository{t} }
func (t *tx) Contracts() repository.ContractRepository   { return &contractRepository{t} }
func (t *tx) Directory() repository.DirectoryRepository { return &directoryRepository{t} }
