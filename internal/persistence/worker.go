package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"brokerd/internal/event"
	"brokerd/internal/observability"
)

// Worker drains the persist channel and batch-writes the event log to
// Postgres. The engine sends on this channel BLOCKING, so a worker
// that falls behind stalls the engine rather than losing events.
type Worker struct {
	writer       *EventLogWriter
	input        <-chan event.Envelope
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	input <-chan event.Envelope,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log,
		metrics:      metrics,
	}
}

// Run batches incoming envelopes and flushes when the batch fills or
// the flush timeout expires. Blocks until ctx is cancelled or the
// input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, w.batchSize)
	transfers := make([]TransferRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flushAll := func(flushCtx context.Context) {
		if len(events) == 0 {
			return
		}
		if err := w.flushWithRetry(flushCtx, events, transfers); err != nil {
			w.log.Error().Err(err).Msg("flush failed after retries")
		}
		events = events[:0]
		transfers = transfers[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flushAll(context.Background())
			return ctx.Err()

		case env, ok := <-w.input:
			if !ok {
				flushAll(context.Background())
				return nil
			}

			row, transfer, err := rowsFor(env)
			if err != nil {
				w.log.Error().Err(err).Int64("sequence", env.Sequence).Msg("drop unencodable envelope")
				if w.metrics != nil {
					w.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				continue
			}
			events = append(events, row)
			if transfer != nil {
				transfers = append(transfers, *transfer)
			}

			if len(events) >= w.batchSize {
				flushAll(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flushAll(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// rowsFor converts an envelope into its event row, plus a transfer
// row when the payload is a balance mutation.
func rowsFor(env event.Envelope) (EventRow, *TransferRow, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return EventRow{}, nil, fmt.Errorf("marshal payload seq=%d: %w", env.Sequence, err)
	}

	row := EventRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Payload:   payload,
		Timestamp: env.Timestamp,
	}

	if t, ok := env.Payload.(event.Transferred); ok {
		return row, &TransferRow{
			Sequence:  env.Sequence,
			Account:   t.Account,
			Asset:     t.Asset,
			Delta:     t.Delta,
			Reason:    t.Reason,
			Timestamp: env.Timestamp,
		}, nil
	}
	return row, nil, nil
}

// flushWithRetry retries with exponential backoff. The worker never
// drops a batch: it retries until the write succeeds, and on shutdown
// makes one final attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, transfers []TransferRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, transfers); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, events, transfers); err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
	}
}

func (w *Worker) flush(ctx context.Context, events []EventRow, transfers []TransferRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}
	if err := w.writer.WriteTransferBatch(ctx, tx, transfers); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_transfers").Inc()
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(events)))
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		w.metrics.PersistTransfersWritten.Add(float64(len(transfers)))
		w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}
