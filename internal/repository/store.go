// Package repository defines the workflow domain records and the storage
// contracts implemented by the postgres and memory stores.
package repository

import (
	"context"
	"time"
)

// Store opens transactions over every aggregate the engine touches. All
// writes made through one Tx commit or roll back together.
type Store interface {
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
	ReadOnly(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Scenarios() ScenarioRepository
	Instances() InstanceRepository
	Tasks() TaskRepository
	Events() EventRepository
	Outbox() OutboxRepository
	Contracts() ContractRepository
	Directory() DirectoryRepository
}

// ScenarioRepository stores scenarios and their ordered nodes.
type ScenarioRepository interface {
	// Lock serializes mutations of one scenario until the transaction ends.
	Lock(ctx context.Context, scenarioID string) error
	// LockShared is taken by transactions that read the node list to move
	// instances. It excludes Lock but not other shared holders.
	LockShared(ctx context.Context, scenarioID string) error
	Get(ctx context.Context, scenarioID string) (*Scenario, error)
	Upsert(ctx context.Context, scenario *Scenario) error
	List(ctx context.Context) ([]*Scenario, error)
	ListNodes(ctx context.Context, scenarioID string) ([]*ScenarioNode, error)
	GetNode(ctx context.Context, scenarioID string, order int) (*ScenarioNode, error)
	InsertNode(ctx context.Context, node *ScenarioNode) error
	SetNodeOrder(ctx context.Context, nodeID string, order int) error
	DeleteNode(ctx context.Context, nodeID string) error
}

// InstanceFilter narrows instance listings. Zero values match everything.
type InstanceFilter struct {
	ScenarioID string
	Statuses   []string
	// ForUpdate locks the returned rows until the transaction ends.
	ForUpdate bool
}

// InstanceRepository stores workflow instances.
type InstanceRepository interface {
	// Create inserts a DRAFT or RUNNING instance. A second non-terminal
	// instance for the same entity and remark fails with DUPLICATE_ACTIVE.
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	// GetForUpdate reads the instance and holds its row lock until the
	// transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Instance, error)
	Update(ctx context.Context, inst *Instance) error
	List(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
}

// PendingFilter narrows PENDING task listings. Zero values match everything.
type PendingFilter struct {
	AssigneeID    string
	InstanceID    string
	CreatedBefore time.Time
	// RunningOnly restricts the result to tasks of RUNNING instances.
	RunningOnly bool
}

// TaskRepository stores approval tasks.
type TaskRepository interface {
	// Insert adds a task. A second PENDING task for the same instance and
	// node order fails with TASK_ALREADY_ACTIVE.
	Insert(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, task *Task) error
	ListByInstance(ctx context.Context, instanceID string) ([]*Task, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]*Task, error)
	CountPending(ctx context.Context, assigneeIDs []string) (map[string]int, error)
}

// EventRepository appends and reads the instance audit trail.
type EventRepository interface {
	Append(ctx context.Context, event *InstanceEvent) error
	ListByInstance(ctx context.Context, instanceID string) ([]*InstanceEvent, error)
}

// OutboxRepository stores notifications until they are relayed.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg *OutboxMessage) error
	// ClaimUnsent returns up to limit unsent messages, oldest first, locked
	// for this transaction.
	ClaimUnsent(ctx context.Context, limit int) ([]*OutboxMessage, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// ContractRepository stores the governed business entities.
type ContractRepository interface {
	CreateContract(ctx context.Context, c *Contract) error
	GetContract(ctx context.Context, id string) (*Contract, error)
	GetContractForUpdate(ctx context.Context, id string) (*Contract, error)
	UpdateContract(ctx context.Context, c *Contract) error

	CreateChange(ctx context.Context, ch *ContractChange) error
	GetChange(ctx context.Context, id string) (*ContractChange, error)
	GetChangeForUpdate(ctx context.Context, id string) (*ContractChange, error)
	UpdateChange(ctx context.Context, ch *ContractChange) error
}

// DirectoryRepository reads the org tree and users. The engine never writes
// it; Upsert exists for seeding.
type DirectoryRepository interface {
	ListDepts(ctx context.Context) ([]*Dept, error)
	ListUsersWithRole(ctx context.Context, roleCode string) ([]*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	UpsertDept(ctx context.Context, d *Dept) error
	UpsertUser(ctx context.Context, u *User) error
}
