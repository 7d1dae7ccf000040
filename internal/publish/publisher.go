// Package publish streams the broker's event log to NATS JetStream
// for downstream consumers. Publishing is best-effort: the Postgres
// event log is the source of truth, and a consumer that missed a
// message can always re-read it from there.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"brokerd/internal/event"
	"brokerd/internal/observability"
)

// StreamName is the JetStream stream holding broker events.
const StreamName = "BROKER_EVENTS"

// Publisher drains the publish channel and writes each envelope to
// broker.events.{event_type}.
type Publisher struct {
	js      jetstream.JetStream
	input   <-chan event.Envelope
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, input <-chan event.Envelope, log zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{js: js, input: input, log: log, metrics: metrics}
}

// Run publishes until ctx is cancelled or the input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				// Non-fatal: the event log in Postgres stays complete.
				p.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("broker.events.%s", env.EventType)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the broker events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"broker.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}
