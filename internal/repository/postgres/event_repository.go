package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// eventRepository appends and reads the immutable instance audit trail.
type eventRepository struct {
	tx pgx.Tx
}

// Append inserts one event. Events are never updated.
func (r *eventRepository) Append(ctx context.Context, e *repository.InstanceEvent) error {
	var metadataJSON []byte
	if e.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event metadata")
		}
	}

	query := `
		INSERT INTO wf_instance_event
		    (instance_id, task_id, node_order, action, actor,
		     entity_status_before, entity_status_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := r.tx.QueryRow(ctx, query,
		e.InstanceID,
		e.TaskID,
		e.NodeOrder,
		e.Action,
		e.Actor,
		e.EntityStatusBefore,
		e.EntityStatusAfter,
		metadataJSON,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append instance event")
	}
	return nil
}

// ListByInstance returns the trail of one instance, oldest first.
func (r *eventRepository) ListByInstance(ctx context.Context, instanceID string) ([]*repository.InstanceEvent, error) {
	query := `
		SELECT id, instance_id, task_id, node_order, action, actor,
		       entity_status_before, entity_status_after, metadata, created_at
		FROM wf_instance_event
		WHERE instance_id = $1
		ORDER BY id ASC
	`

	rows, err := r.tx.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get instance history")
	}
	defer rows.Close()

	var events []*repository.InstanceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get instance history")
	}
	return events, nil
}

func scanEvent(row rowScanner) (*repository.InstanceEvent, error) {
	e := &repository.InstanceEvent{}
	var metadataJSON []byte

	err := row.Scan(
		&e.ID,
		&e.InstanceID,
		&e.TaskID,
		&e.NodeOrder,
		&e.Action,
		&e.Actor,
		&e.EntityStatusBefore,
		&e.EntityStatusAfter,
		&metadataJSON,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan instance event")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal event metadata")
		}
	}
	return e, nil
}
