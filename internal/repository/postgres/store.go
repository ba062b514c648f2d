// Package postgres implements repository.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-contract-workflow/internal/database"
	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

const pgUniqueViolation = "23505"

// Store is the PostgreSQL-backed repository.Store.
type Store struct {
	db *database.DB
}

var _ repository.Store = (*Store)(nil)

// NewStore creates a Store over an open pool.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// InTransaction runs fn in one read-committed transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&txRepos{tx: tx})
	})
}

// ReadOnly runs fn in a read-only transaction.
func (s *Store) ReadOnly(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.db.ReadOnly(ctx, func(tx pgx.Tx) error {
		return fn(&txRepos{tx: tx})
	})
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

type txRepos struct {
	tx pgx.Tx
}

func (t *txRepos) Scenarios() repository.ScenarioRepository { return &scenarioRepository{tx: t.tx} }
func (t *txRepos) Instances() repository.InstanceRepository { return &instanceRepository{tx: t.tx} }
func (t *txRepos) Tasks() repository.TaskRepository         { return &taskRepository{tx: t.tx} }
func (t *txRepos) Events() repository.EventRepository       { return &eventRepository{tx: t.tx} }
func (t *txRepos) Outbox() repository.OutboxRepository      { return &outboxRepository{tx: t.tx} }
func (t *txRepos) Contracts() repository.ContractRepository { return &contractRepository{tx: t.tx} }
func (t *txRepos) Directory() repository.DirectoryRepository {
	return &directoryRepository{tx: t.tx}
}

// ── error helpers ─────────────────────────────────────────────────────────────

// uniqueCodes maps constraint names to the conflict they signal.
var uniqueCodes = map[string]errors.ErrorCode{
	"wf_instance_active_key":     errors.ErrCodeDuplicateActive,
	"wf_task_pending_key":        errors.ErrCodeTaskAlreadyActive,
	"wf_scenario_node_order_key": errors.ErrCodeOrderConflict,
}

// writeError converts a failed write into an AppError, translating unique
// violations on known constraints into their domain codes.
func writeError(err error, message string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if code, ok := uniqueCodes[pgErr.ConstraintName]; ok {
			return errors.Wrap(err, code, message)
		}
		return errors.Wrap(err, errors.ErrCodeConflict, message)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, message)
}

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

type rowScanner interface {
	Scan(dest ...any) error
}
