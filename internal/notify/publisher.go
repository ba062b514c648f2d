package notify

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-contract-workflow/internal/logger"
)

// Publisher delivers one outbox message. msgID is stable across retries so
// the broker can drop duplicates.
type Publisher interface {
	Publish(ctx context.Context, msgID, subject string, data []byte) error
}

// StreamName is the JetStream stream that captures workflow notifications.
const StreamName = "CONTRACT_NOTIFICATIONS"

// NATSPublisher publishes workflow notifications to NATS JetStream for
// consumption by the notifications service.
//
// Subject convention: notifications.contract.<event_type>
type NATSPublisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *logger.Logger
}

// NewNATSPublisher connects to url and makes sure the notification stream
// exists.
func NewNATSPublisher(url string, log *logger.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("contract-workflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	p := &NATSPublisher{conn: conn, js: js, log: log.Named("nats")}
	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	_, err := p.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !stderrors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", StreamName, err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ">"},
		Storage:    nats.FileStorage,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", StreamName, err)
	}
	p.log.Info().Str("stream", StreamName).Msg("JetStream stream created")
	return nil
}

// Publish sends data with the Nats-Msg-Id header set to msgID and waits for
// the stream acknowledgement.
func (p *NATSPublisher) Publish(ctx context.Context, msgID, subject string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return err
	}
	if ack.Duplicate {
		p.log.Debug().Str("subject", subject).Str("msg_id", msgID).Msg("notification: duplicate dropped by stream")
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
