package repository

import (
	"encoding/json"
	"time"
)

// ── Statuses ──────────────────────────────────────────────────────────────────

// Instance statuses.
const (
	InstanceDraft      = "DRAFT"
	InstanceRunning    = "RUNNING"
	InstanceCompleted  = "COMPLETED"
	InstanceRejected   = "REJECTED"
	InstanceTerminated = "TERMINATED"
)

// Task statuses.
const (
	TaskPending   = "PENDING"
	TaskApproved  = "APPROVED"
	TaskRejected  = "REJECTED"
	TaskSkipped   = "SKIPPED"
	TaskCancelled = "CANCELLED"
)

// Entity statuses shared by contracts and contract changes.
const (
	EntityDraft     = "DRAFT"
	EntityApproving = "APPROVING"
	EntityApproved  = "APPROVED"
	EntityRejected  = "REJECTED"
)

// Node action types.
const (
	ActionInitiate     = "INITIATE"
	ActionReview       = "REVIEW"
	ActionVerify       = "VERIFY"
	ActionApprove      = "APPROVE"
	ActionFinalApprove = "FINAL_APPROVE"
)

// Department types in the org directory.
const (
	DeptProvince = "PROVINCE"
	DeptCity     = "CITY"
	DeptCounty   = "COUNTY"
	DeptDept     = "DEPT"
)

// IsTerminalInstance reports whether an instance status is final.
func IsTerminalInstance(status string) bool {
	switch status {
	case InstanceCompleted, InstanceRejected, InstanceTerminated:
		return true
	}
	return false
}

// ── Scenario definitions ──────────────────────────────────────────────────────

// Scenario is a named approval route selected by contract sub-type and amount.
type Scenario struct {
	ScenarioID  string    `json:"scenario_id"`
	SubTypeCode string    `json:"sub_type_code"`
	Name        string    `json:"name"`
	AmountMin   int64     `json:"amount_min"`           // minor units, inclusive
	AmountMax   *int64    `json:"amount_max,omitempty"` // minor units, exclusive; nil = unbounded
	IsFastTrack bool      `json:"is_fast_track"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Covers reports whether amount falls inside the scenario band.
func (s *Scenario) Covers(amount int64) bool {
	if amount < s.AmountMin {
		return false
	}
	return s.AmountMax == nil || amount < *s.AmountMax
}

// ScenarioNode is one ordered approval stage of a scenario.
type ScenarioNode struct {
	ID          string    `json:"id"`
	ScenarioID  string    `json:"scenario_id"`
	NodeOrder   int       `json:"node_order"`
	RoleCode    string    `json:"role_code"`
	NodeLevel   string    `json:"node_level"`
	NodeName    string    `json:"node_name"`
	ActionType  string    `json:"action_type"`
	IsMandatory bool      `json:"is_mandatory"`
	CanSkip     bool      `json:"can_skip"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Runtime records ───────────────────────────────────────────────────────────

// Instance is one run of a scenario for a business entity.
type Instance struct {
	ID               string     `json:"id"`
	ScenarioID       string     `json:"scenario_id"`
	EntityID         string     `json:"entity_id"`
	Remark           string     `json:"remark"`
	RequesterID      string     `json:"requester_id"`
	CurrentNodeOrder *int       `json:"current_node_order,omitempty"`
	Status           string     `json:"status"`
	Blocked          bool       `json:"blocked"`
	BlockedReason    string     `json:"blocked_reason"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AtNode reports whether the instance currently sits on order.
func (i *Instance) AtNode(order int) bool {
	return i.CurrentNodeOrder != nil && *i.CurrentNodeOrder == order
}

// Task is a unit of approval work for one node of one instance.
type Task struct {
	ID            string     `json:"id"`
	Seq           int64      `json:"seq"`
	InstanceID    string     `json:"instance_id"`
	NodeID        string     `json:"node_id"`
	NodeOrder     int        `json:"node_order"`
	AssigneeID    string     `json:"assignee_id"`
	Status        string     `json:"status"`
	Comment       string     `json:"comment"`
	ActedBy       string     `json:"acted_by"`
	DelegatedFrom string     `json:"delegated_from"`
	CreateTime    time.Time  `json:"create_time"`
	FinishTime    *time.Time `json:"finish_time,omitempty"`
}

// InstanceEvent is one append-only audit record.
type InstanceEvent struct {
	ID                 int64          `json:"id"`
	InstanceID         string         `json:"instance_id"`
	TaskID             *string        `json:"task_id,omitempty"`
	NodeOrder          *int           `json:"node_order,omitempty"`
	Action             string         `json:"action"`
	Actor              string         `json:"actor"`
	EntityStatusBefore *string        `json:"entity_status_before,omitempty"`
	EntityStatusAfter  *string        `json:"entity_status_after,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Event actions.
const (
	EventStarted        = "started"
	EventTaskAssigned   = "task_assigned"
	EventApproved       = "approved"
	EventRejected       = "rejected"
	EventNodeSkipped    = "node_skipped"
	EventNodeAutoPassed = "node_auto_passed"
	EventBlocked        = "blocked"
	EventUnblocked      = "unblocked"
	EventDelegated      = "delegated"
	EventCompleted      = "completed"
	EventAborted        = "aborted"
	EventTaskExpired    = "task_expired"
	EventRepaired       = "repaired"
)

// OutboxMessage is a notification waiting to be relayed.
type OutboxMessage struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
}

// ── Business entities ─────────────────────────────────────────────────────────

// Contract is the governed contract record.
type Contract struct {
	ID                 string    `json:"id"`
	ContractNo         string    `json:"contract_no"`
	Name               string    `json:"name"`
	Amount             int64     `json:"amount"`
	Content            string    `json:"content"`
	PartyB             string    `json:"party_b"`
	SubTypeCode        string    `json:"sub_type_code"`
	Version            string    `json:"version"`
	Status             string    `json:"status"`
	ApprovalInstanceID string    `json:"approval_instance_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ContractChange is an amendment to a contract. DiffData holds the JSON
// document with beforeContent and afterContent.
type ContractChange struct {
	ID                 string          `json:"id"`
	ChangeNo           string          `json:"change_no"`
	ContractID         string          `json:"contract_id"`
	AmountDiff         int64           `json:"amount_diff"`
	DiffData           json.RawMessage `json:"diff_data,omitempty"`
	ChangeVersion      string          `json:"change_version"`
	Status             string          `json:"status"`
	ApprovalInstanceID string          `json:"approval_instance_id"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	EffectiveAt        *time.Time      `json:"effective_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ── Org directory ─────────────────────────────────────────────────────────────

// Dept is a node of the organisation tree.
type Dept struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Type     string `json:"type"`
	Code     string `json:"code"`
	Name     string `json:"name"`
}

// User is a directory user with one primary role.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	RealName    string `json:"real_name"`
	DeptID      string `json:"dept_id"`
	PrimaryRole string `json:"primary_role"`
	IsActive    bool   `json:"is_active"`
}
