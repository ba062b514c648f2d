package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// contractRepository handles t_contract and t_contract_change.
type contractRepository struct {
	tx pgx.Tx
}

const contractColumns = `
	id, contract_no, name, amount, content, party_b, sub_type_code,
	version, status, approval_instance_id, created_at, updated_at
`

const changeColumns = `
	id, change_no, contract_id, amount_diff, diff_data, change_version,
	status, approval_instance_id, approved_at, effective_at, created_at, updated_at
`

// CreateContract inserts a contract. An empty ID is generated.
func (r *contractRepository) CreateContract(ctx context.Context, c *repository.Contract) error {
	query := `
		INSERT INTO t_contract
		    (id, contract_no, name, amount, content, party_b, sub_type_code,
		     version, status, approval_instance_id)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7,
		        $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	err := r.tx.QueryRow(ctx, query,
		c.ID,
		c.ContractNo,
		c.Name,
		c.Amount,
		c.Content,
		c.PartyB,
		c.SubTypeCode,
		c.Version,
		c.Status,
		c.ApprovalInstanceID,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return writeError(err, "failed to create contract")
	}
	return nil
}

// GetContract retrieves a contract by id.
func (r *contractRepository) GetContract(ctx context.Context, id string) (*repository.Contract, error) {
	return r.getContract(ctx, `SELECT `+contractColumns+` FROM t_contract WHERE id = $1`, id)
}

// GetContractForUpdate retrieves a contract and locks its row.
func (r *contractRepository) GetContractForUpdate(ctx context.Context, id string) (*repository.Contract, error) {
	return r.getContract(ctx, `SELECT `+contractColumns+` FROM t_contract WHERE id = $1 FOR UPDATE`, id)
}

func (r *contractRepository) getContract(ctx context.Context, query, id string) (*repository.Contract, error) {
	c := &repository.Contract{}
	err := r.tx.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.ContractNo,
		&c.Name,
		&c.Amount,
		&c.Content,
		&c.PartyB,
		&c.SubTypeCode,
		&c.Version,
		&c.Status,
		&c.ApprovalInstanceID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("contract", id).WithDetail(errors.DetailEntityID, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get contract")
	}
	return c, nil
}

// UpdateContract writes the mutable columns of a contract.
func (r *contractRepository) UpdateContract(ctx context.Context, c *repository.Contract) error {
	query := `
		UPDATE t_contract
		SET name                 = $2,
		    amount               = $3,
		    content              = $4,
		    party_b              = $5,
		    version              = $6,
		    status               = $7,
		    approval_instance_id = $8,
		    updated_at           = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.tx.QueryRow(ctx, query,
		c.ID,
		c.Name,
		c.Amount,
		c.Content,
		c.PartyB,
		c.Version,
		c.Status,
		c.ApprovalInstanceID,
	).Scan(&c.UpdatedAt)
	if isNoRows(err) {
		return errors.NotFound("contract", c.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update contract")
	}
	return nil
}

// CreateChange inserts a contract change. An empty ID is generated.
func (r *contractRepository) CreateChange(ctx context.Context, ch *repository.ContractChange) error {
	query := `
		INSERT INTO t_contract_change
		    (id, change_no, contract_id, amount_diff, diff_data, change_version,
		     status, approval_instance_id)
		VALUES (COALESCE(NULLIF($1, ''), gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := r.tx.QueryRow(ctx, query,
		ch.ID,
		ch.ChangeNo,
		ch.ContractID,
		ch.AmountDiff,
		nullableJSON(ch.DiffData),
		ch.ChangeVersion,
		ch.Status,
		ch.ApprovalInstanceID,
	).Scan(&ch.ID, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return writeError(err, "failed to create contract change")
	}
	return nil
}

// GetChange retrieves a contract change by id.
func (r *contractRepository) GetChange(ctx context.Context, id string) (*repository.ContractChange, error) {
	return r.getChange(ctx, `SELECT `+changeColumns+` FROM t_contract_change WHERE id = $1`, id)
}

// GetChangeForUpdate retrieves a contract change and locks its row.
func (r *contractRepository) GetChangeForUpdate(ctx context.Context, id string) (*repository.ContractChange, error) {
	return r.getChange(ctx, `SELECT `+changeColumns+` FROM t_contract_change WHERE id = $1 FOR UPDATE`, id)
}

func (r *contractRepository) getChange(ctx context.Context, query, id string) (*repository.ContractChange, error) {
	ch := &repository.ContractChange{}
	var diff []byte
	err := r.tx.QueryRow(ctx, query, id).Scan(
		&ch.ID,
		&ch.ChangeNo,
		&ch.ContractID,
		&ch.AmountDiff,
		&diff,
		&ch.ChangeVersion,
		&ch.Status,
		&ch.ApprovalInstanceID,
		&ch.ApprovedAt,
		&ch.EffectiveAt,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound("contract_change", id).WithDetail(errors.DetailEntityID, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get contract change")
	}
	ch.DiffData = diff
	return ch, nil
}

// UpdateChange writes the mutable columns of a contract change.
func (r *contractRepository) UpdateChange(ctx context.Context, ch *repository.ContractChange) error {
	query := `
		UPDATE t_contract_change
		SET status               = $2,
		    approval_instance_id = $3,
		    approved_at          = $4,
		    effective_at         = $5,
		    updated_at           = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.tx.QueryRow(ctx, query,
		ch.ID,
		ch.Status,
		ch.ApprovalInstanceID,
		ch.ApprovedAt,
		ch.EffectiveAt,
	).Scan(&ch.UpdatedAt)
	if isNoRows(err) {
		return errors.NotFound("contract_change", ch.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update contract change")
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
