package notify

import (
	"context"
	"time"

	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
)

// Relay moves outbox messages to a Publisher. Delivery is at least once:
// messages are claimed in one short transaction, published with no
// transaction open, and marked in a second one. A crash in between
// republishes under the same message id.
type Relay struct {
	store repository.Store
	pub   Publisher
	batch int
	now   func() time.Time
	log   *logger.Logger
}

// NewRelay creates a Relay that publishes up to batch messages per Flush.
func NewRelay(store repository.Store, pub Publisher, batch int, log *logger.Logger) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{store: store, pub: pub, batch: batch, now: time.Now, log: log.Named("outbox")}
}

type delivery struct {
	id  string
	at  time.Time
	err error
}

// Flush publishes one batch of unsent messages. A failed publish is recorded
// on the row and retried on the next Flush; it never aborts the batch.
func (r *Relay) Flush(ctx context.Context) (sent int, err error) {
	var msgs []*repository.OutboxMessage
	err = r.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		msgs, err = tx.Outbox().ClaimUnsent(ctx, r.batch)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	results := make([]delivery, 0, len(msgs))
	for _, m := range msgs {
		pubErr := r.pub.Publish(ctx, m.ID, m.Subject, m.Payload)
		if pubErr != nil {
			r.log.Warn().Err(pubErr).
				Str("subject", m.Subject).
				Str("msg_id", m.ID).
				Int("attempts", m.Attempts+1).
				Msg("notification: failed to publish (will retry)")
		}
		results = append(results, delivery{id: m.ID, at: r.now(), err: pubErr})
	}

	failed := 0
	err = r.store.InTransaction(ctx, func(tx repository.Tx) error {
		sent, failed = 0, 0
		for _, d := range results {
			if d.err != nil {
				if err := tx.Outbox().MarkFailed(ctx, d.id, d.err.Error()); err != nil {
					return err
				}
				failed++
				continue
			}
			if err := tx.Outbox().MarkSent(ctx, d.id, d.at); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if sent > 0 || failed > 0 {
		r.log.Debug().Int("sent", sent).Int("failed", failed).Msg("Outbox flushed")
	}
	return sent, nil
}
