package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// Remarks identify which business entity an instance governs.
const (
	RemarkContract       = "CONTRACT"
	RemarkContractChange = "CONTRACT_CHANGE"
)

// EntityAdapter writes the governed entity's status inside the engine's
// transaction. Every Apply is idempotent per (entityID, instanceID): a call
// that finds the target status already recorded for the same instance does
// nothing. A call from an incompatible status fails with ADAPTER_ERROR,
// which rolls the whole transition back.
type EntityAdapter interface {
	Remark() string
	ApplySubmitted(ctx context.Context, tx repository.Tx, entityID, instanceID string) error
	ApplyApproved(ctx context.Context, tx repository.Tx, entityID, instanceID string) error
	ApplyRejected(ctx context.Context, tx repository.Tx, entityID, instanceID string) error
	ApplyAborted(ctx context.Context, tx repository.Tx, entityID, instanceID string) error
	EntityStatus(ctx context.Context, tx repository.Tx, entityID string) (string, error)
}

// statusMove describes one adapter transition.
type statusMove struct {
	target string
	from   []string
}

var (
	moveSubmitted = statusMove{target: repository.EntityApproving, from: []string{repository.EntityDraft, repository.EntityRejected}}
	moveApproved  = statusMove{target: repository.EntityApproved, from: []string{repository.EntityApproving}}
	moveRejected  = statusMove{target: repository.EntityRejected, from: []string{repository.EntityApproving}}
	moveAborted   = statusMove{target: repository.EntityDraft, from: []string{repository.EntityApproving}}
)

// decide returns whether the move must be written. Submissions may start
// from any allowed status; the other moves also require the entity to be
// owned by instanceID.
func (m statusMove) decide(kind, entityID, status, ownerID, instanceID string) (bool, error) {
	if status == m.target && ownerID == instanceID {
		return false, nil
	}
	allowed := false
	for _, s := range m.from {
		if s == status {
			allowed = true
			break
		}
	}
	if allowed && m.target != repository.EntityApproving && ownerID != instanceID {
		allowed = false
	}
	if !allowed {
		return false, errors.Newf(errors.ErrCodeAdapter,
			"%s %s cannot move from %s to %s for instance %s (owned by %q)",
			kind, entityID, status, m.target, instanceID, ownerID).
			WithDetail(errors.DetailEntityID, entityID).
			WithDetail(errors.DetailInstanceID, instanceID)
	}
	return true, nil
}

func adapterError(err error, message string) error {
	if errors.Is(err, errors.ErrCodeAdapter) {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeAdapter, message)
}

// ── CONTRACT ──────────────────────────────────────────────────────────────────

// ContractAdapter governs t_contract for contract approval.
type ContractAdapter struct{}

func (ContractAdapter) Remark() string { return RemarkContract }

func (a ContractAdapter) ApplySubmitted(ctx context.Context, tx repository.Tx, entityID, instanceID string) error {
	return a.apply(ctx, tx, entityID, instanceID, moveSubmitted)
}

func (a ContractAdapter) ApplyApproved(ctx context.Context, tx repository.Tx, entityID, instanceID string) error {
	return a.apply(ctx, tx, entityID, instanceID, moveApproved)
}

func (a ContractAdapter) ApplyRejected(ctx context.Context, tx repository.Tx, entityID, instanceID string) error {
	return a.apply(ctx, tx, entityID, instanceID, moveRejected)
}

func (a ContractAdapter) ApplyAborted(ctx context.Context, tx repository.Tx, entityID, instanceID string) error {
	return a.apply(ctx, tx, entityID, instanceID, moveAborted)
}

func (ContractAdapter) EntityStatus(ctx context.Context, tx repository.Tx, entityID string) (string, error) {
	c, err := tx.Contracts().GetContract(ctx, entityID)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

func (ContractAdapter) apply(ctx context.Context, tx repository.Tx, entityID, instanceID string, m statusMove) error {
	c, err := tx.Contracts().GetContractForUpdate(ctx, entityID)
	if err != nil {
		return adapterError(err, "failed to load contract")
	}
	write, err := m.decide("contract", entityID, c.Status, c.ApprovalInstanceID, instanceID)
	if err != nil || !write {
		return err
	}

	c.Status = m.target
	c.ApprovalInstanceID = instanceID
	if err := tx.Contracts().UpdateContract(ctx, c); err != nil {
		return adapterError(err, "failed to update contract status")
	}
	return nil
}

// ── CONTRACT_CHANGE ───────────────────────────────────────────────────────────

// ChangeContent is the part of a contract an amendment may rewrite. Nil
// fields are left untouched.
type ChangeContent struct {
	Name    *string `json:"name,omitempty"`
	Amount  *int64  `json:"amount,omitempty"`
	Content *string `json:"content,omitempty"`
	PartyB  *string `json:"partyB,omitempty"`
}

// ChangeDiff is the diff_data document of a contract change.
type ChangeDiff struct {
	BeforeContent *ChangeContent `json:"beforeContent,omitempty"`
	AfterContent  *ChangeContent `json:"afterContent,omitempty"`
}

// ContractChangeAdapter governs t_contract_change. Approval also rewrites
// the parent contract from the change's afterContent.
type ContractChangeAdapter struct {
	now func() time.Time
}

// NewContractChangeAdapter creates a ContractChangeAdapter using the wall
// clock for approval stamps.
func NewContractChangeAdapter() *ContractChangeAdapter {
	return &ContractChangeAdapter{now: time.Now}
}

func (*ContractChangeAdapter) Remark() string { return RemarkContractChange }

func (a *ContractChangeAdapter) ApplySubmitted(ctx context.Context, tx repository.Tx, entityID, instanceID string) error {
	_, err := a.apply(ctx, tx, entityID, instanceID, moveSubmitted)
	return err
}

// ApplyApproved approves the change and applies it to its contract in the
// same transaction. A change already approved by instanceID is left alone,
// so the contract is never rewritten twice.
func (a *ContractChangeAdapter) ApplyApproved(ctx context.Context, tx repository.Tx, entityID, instanceID string) error {
	ch, err := a.apply(ctx, tx, entityID, instanceID, moveApproved)
	if err != nil || ch == nil {
		return err
	}
	return a.applyToContract(ctx, tx, ch)
}

func (a *ContractChangeAdapter) ApplyRejected(ctx context.Context, tx repository.Tx, entityID, instanceID string) error {
	_, err := a.apply(ctx, tx, entityID, instanceID, moveRejected)
	return err
}

func (a *ContractChangeAdapter) ApplyAborted(ctx context.Context, tx repository.Tx, entityID, instanceID string) error {
	_, err := a.apply(ctx, tx, entityID, instanceID, moveAborted)
	return err
}

func (*ContractChangeAdapter) EntityStatus(ctx context.Context, tx repository.Tx, entityID string) (string, error) {
	ch, err := tx.Contracts().GetChange(ctx, entityID)
	if err != nil {
		return "", err
	}
	return ch.Status, nil
}

// apply returns the written change, or nil when nothing had to change.
func (a *ContractChangeAdapter) apply(
	ctx context.Context,
	tx repository.Tx,
	entityID, instanceID string,
	m statusMove,
) (*repository.ContractChange, error) {
	ch, err := tx.Contracts().GetChangeForUpdate(ctx, entityID)
	if err != nil {
		return nil, adapterError(err, "failed to load contract change")
	}
	write, err := m.decide("contract change", entityID, ch.Status, ch.ApprovalInstanceID, instanceID)
	if err != nil || !write {
		return nil, err
	}

	ch.Status = m.target
	ch.ApprovalInstanceID = instanceID
	if m.target == repository.EntityApproved {
		now := a.now()
		ch.ApprovedAt = &now
		ch.EffectiveAt = &now
	}
	if err := tx.Contracts().UpdateChange(ctx, ch); err != nil {
		return nil, adapterError(err, "failed to update contract change status")
	}
	return ch, nil
}

func (a *ContractChangeAdapter) applyToContract(ctx context.Context, tx repository.Tx, ch *repository.ContractChange) error {
	var diff ChangeDiff
	if len(ch.DiffData) > 0 {
		if err := json.Unmarshal(ch.DiffData, &diff); err != nil {
			return errors.Wrap(err, errors.ErrCodeAdapter, "failed to parse change diff_data").
				WithDetail(errors.DetailEntityID, ch.ID)
		}
	}

	c, err := tx.Contracts().GetContractForUpdate(ctx, ch.ContractID)
	if err != nil {
		return adapterError(err, "failed to load contract for change")
	}

	if after := diff.AfterContent; after != nil {
		if after.Name != nil {
			c.Name = *after.Name
		}
		if after.Amount != nil {
			c.Amount = *after.Amount
		}
		if after.Content != nil {
			c.Content = *after.Content
		}
		if after.PartyB != nil {
			c.PartyB = *after.PartyB
		}
	}
	if ch.ChangeVersion != "" {
		c.Version = ch.ChangeVersion
	}

	if err := tx.Contracts().UpdateContract(ctx, c); err != nil {
		return adapterError(err, "failed to apply change to contract")
	}
	return nil
}
