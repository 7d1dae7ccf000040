package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"brokerd/internal/event"
	"brokerd/internal/settle"
)

func reserveReq(amount int64) settle.WithdrawalRequest {
	return settle.WithdrawalRequest{
		Stage:   settle.StageReserve,
		Account: taker,
		Asset:   assetA,
		Amount:  amount,
	}
}

func executeReq() settle.WithdrawalRequest {
	return settle.WithdrawalRequest{
		Stage:   settle.StageExecute,
		Account: taker,
		Asset:   assetA,
	}
}

func TestWithdrawCoordinatorPath(t *testing.T) {
	f := newActiveFixture(t)
	f.fund(t, taker, assetA, 100)
	ctx := context.Background()

	if err := f.broker.Withdraw(ctx, NewAuthContext(withdrawCoordinator), reserveReq(60)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := f.broker.Balance(taker, assetA); got != 40 {
		t.Fatalf("balance after reserve = %d, want 40", got)
	}

	if err := f.broker.Withdraw(ctx, NewAuthContext(), executeReq()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// assetA is native: the settlement layer moves the value, the
	// ledger just finishes the reservation.
	if got := f.broker.Balance(taker, assetA); got != 40 {
		t.Fatalf("balance after execute = %d, want 40", got)
	}
}

func TestWithdrawSingleFlightPerPair(t *testing.T) {
	f := newActiveFixture(t)
	f.fund(t, taker, assetA, 100)
	ctx := context.Background()

	if err := f.broker.Withdraw(ctx, NewAuthContext(withdrawCoordinator), reserveReq(30)); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	err := f.broker.Withdraw(ctx, NewAuthContext(withdrawCoordinator), reserveReq(30))
	if !errors.Is(err, ErrWithdrawalState) {
		t.Fatalf("second reserve = %v, want ErrWithdrawalState", err)
	}

	// A different asset is a different pair.
	f.fund(t, taker, assetB, 10)
	err = f.broker.Withdraw(ctx, NewAuthContext(withdrawCoordinator), settle.WithdrawalRequest{
		Stage: settle.StageReserve, Account: taker, Asset: assetB, Amount: 10,
	})
	if err != nil {
		t.Fatalf("reserve on second pair: %v", err)
	}
}

func TestWithdrawExecuteWithoutReservation(t *testing.T) {
	f := newActiveFixture(t)
	err := f.broker.Withdraw(context.Background(), NewAuthContext(), executeReq())
	if !errors.Is(err, ErrWithdrawalState) {
		t.Fatalf("execute without reservation = %v, want ErrWithdrawalState", err)
	}
}

func TestAnnounceWithdrawEscapeHatch(t *testing.T) {
	f := newActiveFixture(t)
	f.fund(t, taker, assetA, 100)
	ctx := context.Background()

	// No coordinator, no announcement: rejected.
	err := f.broker.Withdraw(ctx, NewAuthContext(taker), reserveReq(60))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("reserve without authority = %v, want ErrNotAuthorized", err)
	}

	if err := f.broker.AnnounceWithdraw(NewAuthContext(taker), taker, assetA, 60); err != nil {
		t.Fatalf("announce: %v", err)
	}
	ann, ok := f.broker.AnnouncedWithdraw(taker, assetA)
	if !ok || ann.Amount != 60 {
		t.Fatalf("announcement = %+v ok=%v", ann, ok)
	}

	// Maturity is strict: exactly delay seconds is not enough.
	f.clock.advance(time.Duration(MaxAnnounceDelay) * time.Second)
	err = f.broker.Withdraw(ctx, NewAuthContext(taker), reserveReq(60))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("reserve exactly at delay = %v, want ErrNotAuthorized", err)
	}

	f.clock.advance(time.Second)

	// The amount must match the announcement exactly.
	err = f.broker.Withdraw(ctx, NewAuthContext(taker), reserveReq(59))
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("reserve with mismatched amount = %v, want ErrNotAuthorized", err)
	}

	if err := f.broker.Withdraw(ctx, NewAuthContext(taker), reserveReq(60)); err != nil {
		t.Fatalf("matured reserve: %v", err)
	}
	if _, ok := f.broker.AnnouncedWithdraw(taker, assetA); ok {
		t.Fatal("announcement survived reservation")
	}
	if got := f.broker.Balance(taker, assetA); got != 40 {
		t.Fatalf("balance = %d, want 40", got)
	}
}

func TestMaturedAnnouncementReservableByAnyone(t *testing.T) {
	f := newActiveFixture(t)
	f.fund(t, taker, assetA, 100)
	ctx := context.Background()

	if err := f.broker.AnnounceWithdraw(NewAuthContext(taker), taker, assetA, 60); err != nil {
		t.Fatalf("announce: %v", err)
	}
	f.clock.advance(time.Duration(MaxAnnounceDelay)*time.Second + time.Second)

	// A matured announcement needs no witness at all: the funds can
	// only move to the announced account, so any caller may push the
	// reservation through on its behalf.
	if err := f.broker.Withdraw(ctx, NewAuthContext(maker), reserveReq(60)); err != nil {
		t.Fatalf("third-party reserve after maturity: %v", err)
	}
	if got := f.broker.Balance(taker, assetA); got != 40 {
		t.Fatalf("balance = %d, want 40", got)
	}

	if err := f.broker.Withdraw(ctx, NewAuthContext(maker), executeReq()); err != nil {
		t.Fatalf("third-party execute: %v", err)
	}
	transferred := f.sink.ofType(event.TypeWithdrawn)
	if len(transferred) != 1 {
		t.Fatalf("Withdrawn events = %d, want 1", len(transferred))
	}
}

func TestAnnounceWithdrawValidation(t *testing.T) {
	f := newActiveFixture(t)
	f.fund(t, taker, assetA, 100)

	if err := f.broker.AnnounceWithdraw(NewAuthContext(maker), taker, assetA, 10); err != ErrNotAuthorized {
		t.Fatalf("announce by other account = %v, want ErrNotAuthorized", err)
	}
	if err := f.broker.AnnounceWithdraw(NewAuthContext(taker), taker, assetA, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("announce zero amount = %v, want ErrInvalidArgument", err)
	}
	if err := f.broker.AnnounceWithdraw(NewAuthContext(taker), taker, assetA, 101); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("announce above balance = %v, want ErrInsufficient", err)
	}
}

func TestWithdrawTokenLegacyTransfersOut(t *testing.T) {
	f := newActiveFixture(t)
	f.fund(t, taker, tokenX, 100)
	ctx := context.Background()

	req := settle.WithdrawalRequest{Stage: settle.StageReserve, Account: taker, Asset: tokenX, Amount: 100}
	if err := f.broker.Withdraw(ctx, NewAuthContext(withdrawCoordinator), req); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	req.Stage = settle.StageExecute
	if err := f.broker.Withdraw(ctx, NewAuthContext(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := f.tokens.ExternalBalance(tokenX, taker); got != 100 {
		t.Fatalf("external balance = %d, want 100", got)
	}
	if got := f.tokens.ExternalBalance(tokenX, contractAddr); got != 0 {
		t.Fatalf("contract external balance = %d, want 0", got)
	}
}

func TestWithdrawTokenUnlistedRejected(t *testing.T) {
	f := newActiveFixture(t)
	f.fund(t, taker, tokenX, 100)
	ctx := context.Background()

	req := settle.WithdrawalRequest{Stage: settle.StageReserve, Account: taker, Asset: tokenX, Amount: 100}
	if err := f.broker.Withdraw(ctx, NewAuthContext(withdrawCoordinator), req); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Pull the token off every list between reserve and execute.
	if err := f.broker.RemoveFromWhitelist(NewAuthContext(owner), tokenX, TierLegacy); err != nil {
		t.Fatalf("remove from whitelist: %v", err)
	}

	req.Stage = settle.StageExecute
	err := f.broker.Withdraw(ctx, NewAuthContext(), req)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("execute with unlisted token = %v, want ErrNotAuthorized", err)
	}

	// Modern listing authorizes it without the broker co-signing.
	if err := f.broker.AddToWhitelist(NewAuthContext(owner), tokenX, TierModern); err != nil {
		t.Fatalf("add to modern tier: %v", err)
	}
	if err := f.broker.Withdraw(ctx, NewAuthContext(), req); err != nil {
		t.Fatalf("execute with modern listing: %v", err)
	}
	if got := f.tokens.ExternalBalance(tokenX, taker); got != 100 {
		t.Fatalf("external balance = %d, want 100", got)
	}
}

func TestWithdrawPendingRejected(t *testing.T) {
	f := newFixture(t)
	err := f.broker.Withdraw(context.Background(), NewAuthContext(withdrawCoordinator), reserveReq(1))
	if !errors.Is(err, ErrWrongState) {
		t.Fatalf("withdraw before initialize = %v, want ErrWrongState", err)
	}
}

func TestWithdrawWorksWhileFrozen(t *testing.T) {
	f := newActiveFixture(t)
	f.fund(t, taker, assetA, 100)
	ctx := context.Background()

	if err := f.broker.FreezeTrading(NewAuthContext(owner, coordinator)); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := f.broker.Withdraw(ctx, NewAuthContext(withdrawCoordinator), reserveReq(100)); err != nil {
		t.Fatalf("reserve while frozen: %v", err)
	}
	if err := f.broker.Withdraw(ctx, NewAuthContext(), executeReq()); err != nil {
		t.Fatalf("execute while frozen: %v", err)
	}
}
