package persistence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"brokerd/internal/event"
	"brokerd/internal/testutil"
)

func TestRowsForPlainEvent(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0).UTC()
	env := event.Envelope{
		Sequence:  7,
		EventType: event.TypeDeposited,
		Timestamp: ts,
		Payload:   event.Deposited{Account: "acct", Asset: "asset", Amount: 100},
	}

	row, transfer, err := rowsFor(env)
	if err != nil {
		t.Fatalf("rowsFor: %v", err)
	}
	if transfer != nil {
		t.Fatalf("expected no transfer row, got %+v", transfer)
	}
	if row.Sequence != 7 {
		t.Errorf("sequence = %d, want 7", row.Sequence)
	}
	if row.EventType != event.TypeDeposited.String() {
		t.Errorf("event type = %q, want %q", row.EventType, event.TypeDeposited.String())
	}

	var decoded event.Deposited
	if err := json.Unmarshal(row.Payload, &decoded); err != nil {
		t.Fatalf("payload does not round-trip: %v", err)
	}
	if decoded.Amount != 100 {
		t.Errorf("payload amount = %d, want 100", decoded.Amount)
	}
}

func TestRowsForTransferredAddsAuditRow(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0).UTC()
	env := event.Envelope{
		Sequence:  8,
		EventType: event.TypeTransferred,
		Timestamp: ts,
		Payload:   event.Transferred{Account: "acct", Asset: "asset", Delta: -25, Reason: "take"},
	}

	_, transfer, err := rowsFor(env)
	if err != nil {
		t.Fatalf("rowsFor: %v", err)
	}
	if transfer == nil {
		t.Fatal("expected a transfer row")
	}
	if transfer.Sequence != 8 || transfer.Delta != -25 || transfer.Reason != "take" {
		t.Errorf("transfer row = %+v", transfer)
	}
}

func TestWorkerDrainsAndFlushesOnClose(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	log := zerolog.Nop()
	ctx := context.Background()
	if err := NewMigrator(db, "../../migrations", log).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	input := make(chan event.Envelope, 8)
	worker := NewWorker(db, input, 50, 10*time.Millisecond, log, nil)

	ts := time.Now().UTC()
	for seq := int64(1); seq <= 3; seq++ {
		input <- event.Envelope{
			Sequence:  seq,
			EventType: event.TypeTransferred,
			Timestamp: ts,
			Payload:   event.Transferred{Account: "acct", Asset: "asset", Delta: seq, Reason: "deposit"},
		}
	}
	close(input)

	if err := worker.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	last, err := NewEventLogWriter(db).LastSequence(ctx)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if last != 3 {
		t.Errorf("last sequence = %d, want 3", last)
	}

	var transfers int
	if err := db.QueryRow(`SELECT COUNT(*) FROM broker.transfers`).Scan(&transfers); err != nil {
		t.Fatalf("count transfers: %v", err)
	}
	if transfers != 3 {
		t.Errorf("transfer rows = %d, want 3", transfers)
	}
}

func TestWriteEventBatchIdempotentOnSequence(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := NewEventLogWriter(db)
	batch := []EventRow{
		{Sequence: 1, EventType: "deposited", Payload: []byte(`{}`), Timestamp: time.Now().UTC()},
		{Sequence: 2, EventType: "deposited", Payload: []byte(`{}`), Timestamp: time.Now().UTC()},
	}

	for i := 0; i < 2; i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := writer.WriteEventBatch(ctx, tx, batch); err != nil {
			t.Fatalf("write batch: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM broker.events`).Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 2 {
		t.Errorf("event rows = %d, want 2", count)
	}
}
