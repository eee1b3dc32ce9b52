package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestReconcileExpiredOffer(t *testing.T) {
	env := newTestEnv(t)
	initiator := newWallet(t)
	receiver := newWallet(t)
	offer := env.createOffer(t, initiator, receiver, sides([]string{"mint-a"}, 1), sides(nil, 2))

	env.clock.Advance(25 * time.Hour)
	stats := env.engine.Reconcile(context.Background())
	if stats.Expired != 1 || len(stats.Errors) != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusExpired || !stored.ExpiredByCleanup {
		t.Fatalf("stored = %s expiredByCleanup=%v", stored.Status, stored.ExpiredByCleanup)
	}
	if stored.EscrowReturnTxSignature == "" {
		t.Fatal("escrow was not returned")
	}

	// A second sweep leaves the terminal offer alone.
	stats = env.engine.Reconcile(context.Background())
	if stats.Processed != 0 {
		t.Fatalf("terminal offer reprocessed: %+v", stats)
	}
}

func TestReconcileReturnsEscrowAfterExpiredAccept(t *testing.T) {
	env := newTestEnv(t)
	initiator := newWallet(t)
	receiver := newWallet(t)
	offer := env.createOffer(t, initiator, receiver, sides(nil, 1), sides(nil, 2))

	// An acceptance attempt on an expired offer rejects without touching
	// the stored record; the sweep still owns the return and the expiry.
	env.clock.Advance(25 * time.Hour)
	if _, err := env.acceptOffer(t, offer, receiver); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("accept: got %v, want ErrOfferExpired", err)
	}
	if stored := env.reload(t, offer.ID); stored.Status != StatusPending {
		t.Fatalf("status after accept = %s, want pending", stored.Status)
	}

	stats := env.engine.Reconcile(context.Background())
	if stats.Expired != 1 || len(stats.Errors) != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if env.custody.returnToInitiatorCalls != 1 {
		t.Fatalf("returnToInitiator calls = %d, want 1", env.custody.returnToInitiatorCalls)
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusExpired || stored.EscrowReturnTxSignature == "" {
		t.Fatalf("stored = %s returnSig=%q, want expired with a return", stored.Status, stored.EscrowReturnTxSignature)
	}
}

func TestReconcileExpiredReturnFailure(t *testing.T) {
	env := newTestEnv(t)
	initiator := newWallet(t)
	receiver := newWallet(t)
	offer := env.createOffer(t, initiator, receiver, sides(nil, 1), sides(nil, 2))

	env.custody.returnToInitiator = func(*Offer) (string, error) {
		return "", errors.New("signer unavailable")
	}
	env.clock.Advance(25 * time.Hour)

	stats := env.engine.Reconcile(context.Background())
	if len(stats.Errors) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusPending {
		t.Fatalf("status = %s, want pending while the return keeps failing", stored.Status)
	}
	if stored.ExpiryRetryCount != 1 || len(stored.ReturnErrors) != 1 {
		t.Fatalf("retryCount=%d returnErrors=%v", stored.ExpiryRetryCount, stored.ReturnErrors)
	}
}

func TestReconcileExpiredRetriesExhausted(t *testing.T) {
	env := newTestEnv(t)
	initiator := newWallet(t)
	receiver := newWallet(t)
	offer := env.createOffer(t, initiator, receiver, sides(nil, 1), sides(nil, 2))

	env.custody.returnToInitiator = func(*Offer) (string, error) {
		return "", errors.New("signer unavailable")
	}
	env.clock.Advance(25 * time.Hour)

	maxRetries := env.engine.Policy().MaxRetries
	for i := 0; i <= maxRetries; i++ {
		env.engine.Reconcile(context.Background())
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("status = %s, want failed after retry budget", stored.Status)
	}
	want := fmt.Sprintf("escrow return failed after %d cleanup retries", maxRetries)
	if stored.FailedReason != want {
		t.Fatalf("failedReason = %q, want %q", stored.FailedReason, want)
	}
}

func TestReconcileCancelRequested(t *testing.T) {
	env := newTestEnv(t)
	initiator := newWallet(t)
	receiver := newWallet(t)
	offer := env.createOffer(t, initiator, receiver, sides(nil, 1), sides(nil, 2))

	// Cancellation whose escrow return failed at request time.
	env.custody.returnToInitiator = func(*Offer) (string, error) {
		return "", errors.New("signer unavailable")
	}
	message := fmt.Sprintf("Midswap cancel offer %s at %d", offer.ID, env.clock.Now().UnixMilli())
	result, err := env.engine.Cancel(context.Background(), CancelParams{
		OfferID: offer.ID, Wallet: initiator.address, Action: ActionCancel,
		Message: message, Signature: initiator.sign(message),
	})
	if err != nil || !result.ReturnPending {
		t.Fatalf("cancel: %v, pending=%v", err, result.ReturnPending)
	}
	env.custody.returnToInitiator = nil

	stats := env.engine.Reconcile(context.Background())
	if stats.Cancelled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusCancelled || !stored.CancelledByCleanup {
		t.Fatalf("stored = %s cancelledByCleanup=%v", stored.Status, stored.CancelledByCleanup)
	}
	if stored.EscrowReturnTxSignature == "" {
		t.Fatal("escrow was not returned")
	}
}

func TestReconcileCancelRequestedNeverGivesUp(t *testing.T) {
	env := newTestEnv(t)
	initiator := newWallet(t)
	receiver := newWallet(t)
	offer := env.createOffer(t, initiator, receiver, sides(nil, 1), sides(nil, 2))

	env.custody.returnToInitiator = func(*Offer) (string, error) {
		return "", errors.New("signer unavailable")
	}
	message := fmt.Sprintf("Midswap cancel offer %s at %d", offer.ID, env.clock.Now().UnixMilli())
	if _, err := env.engine.Cancel(context.Background(), CancelParams{
		OfferID: offer.ID, Wallet: initiator.address, Action: ActionCancel,
		Message: message, Signature: initiator.sign(message),
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A requested cancellation outlasts any number of failed returns; the
	// offer stays pending until the return lands.
	for i := 0; i < env.engine.Policy().MaxRetries+2; i++ {
		env.engine.Reconcile(context.Background())
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusPending || !stored.CancelRequested {
		t.Fatalf("stored = %s cancelRequested=%v, want pending and flagged", stored.Status, stored.CancelRequested)
	}

	env.custody.returnToInitiator = nil
	stats := env.engine.Reconcile(context.Background())
	if stats.Cancelled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stored := env.reload(t, offer.ID); stored.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled once the return succeeds", stored.Status)
	}
}

// stuckEscrowedOffer produces an escrowed offer whose phase one failed.
func stuckEscrowedOffer(t *testing.T, env *testEnv) *Offer {
	t.Helper()
	initiator := newWallet(t)
	receiver := newWallet(t)
	offer := env.createOffer(t, initiator, receiver, sides(nil, 1), sides(nil, 2))
	env.custody.releaseToReceiver = func(*Offer) (string, error) {
		return "", errors.New("stuck")
	}
	if _, err := env.acceptOffer(t, offer, receiver); err != nil {
		t.Fatalf("accept: %v", err)
	}
	env.custody.releaseToReceiver = nil
	return offer
}

func TestReconcileLeavesFreshEscrowAlone(t *testing.T) {
	env := newTestEnv(t)
	offer := stuckEscrowedOffer(t, env)

	env.clock.Advance(time.Minute)
	stats := env.engine.Reconcile(context.Background())
	if stats.Processed != 0 {
		t.Fatalf("fresh escrow was processed: %+v", stats)
	}
	if stored := env.reload(t, offer.ID); stored.Status != StatusEscrowed {
		t.Fatalf("status = %s, want escrowed", stored.Status)
	}
}

func TestReconcileCompletesStuckEscrow(t *testing.T) {
	env := newTestEnv(t)
	offer := stuckEscrowedOffer(t, env)

	env.clock.Advance(6 * time.Minute)
	stats := env.engine.Reconcile(context.Background())
	if stats.Completed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	// The pass settled every phase, so no retry was consumed.
	if stored.CleanupRetryCount != 0 {
		t.Fatalf("cleanupRetryCount = %d, want 0", stored.CleanupRetryCount)
	}
}

func TestReconcileCountsRetryOnlyWhenPhasesRemain(t *testing.T) {
	env := newTestEnv(t)
	offer := stuckEscrowedOffer(t, env)

	env.custody.releaseToReceiver = func(*Offer) (string, error) {
		return "", errors.New("still stuck")
	}
	env.clock.Advance(6 * time.Minute)

	env.engine.Reconcile(context.Background())
	if stored := env.reload(t, offer.ID); stored.CleanupRetryCount != 1 {
		t.Fatalf("cleanupRetryCount = %d, want 1 after a failed pass", stored.CleanupRetryCount)
	}

	env.custody.releaseToReceiver = nil
	env.engine.Reconcile(context.Background())
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", stored.Status)
	}
	if stored.CleanupRetryCount != 1 {
		t.Fatalf("cleanupRetryCount = %d, want unchanged by the settling pass", stored.CleanupRetryCount)
	}
}

func TestReconcileForceReturnsAfterHardTimeout(t *testing.T) {
	env := newTestEnv(t)
	offer := stuckEscrowedOffer(t, env)

	// Keep the release failing so the sweep cannot complete the swap.
	env.custody.releaseToReceiver = func(*Offer) (string, error) {
		return "", errors.New("still stuck")
	}
	env.clock.Advance(3 * time.Hour)

	stats := env.engine.Reconcile(context.Background())
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusFailed || stored.FailedReason != "escrow release timed out" {
		t.Fatalf("stored = %s / %q", stored.Status, stored.FailedReason)
	}
	if stored.EscrowReturnTxSignature == "" || stored.ReceiverEscrowReturnTxSignature == "" {
		t.Fatal("both sides should have been returned")
	}
}

func TestReconcileForceReturnFailureKeepsEscrowed(t *testing.T) {
	env := newTestEnv(t)
	offer := stuckEscrowedOffer(t, env)

	env.custody.returnToInitiator = func(*Offer) (string, error) {
		return "", errors.New("signer unavailable")
	}
	env.clock.Advance(3 * time.Hour)

	stats := env.engine.Reconcile(context.Background())
	if len(stats.Errors) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusEscrowed {
		t.Fatalf("status = %s, want escrowed until the unwind succeeds", stored.Status)
	}
	if len(stored.ReturnErrors) == 0 {
		t.Fatal("return errors not recorded")
	}
}

func TestReconcileForceReturnsWhenRetryBudgetSpent(t *testing.T) {
	env := newTestEnv(t)
	offer := stuckEscrowedOffer(t, env)

	env.custody.releaseToReceiver = func(*Offer) (string, error) {
		return "", errors.New("still stuck")
	}
	env.clock.Advance(6 * time.Minute)

	// Burn the retry budget inside the grace window.
	for i := 0; i < env.engine.Policy().MaxRetries; i++ {
		env.engine.Reconcile(context.Background())
	}
	stored := env.reload(t, offer.ID)
	if stored.Status != StatusEscrowed {
		t.Fatalf("status = %s, want escrowed while retrying", stored.Status)
	}

	stats := env.engine.Reconcile(context.Background())
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	stored = env.reload(t, offer.ID)
	if stored.Status != StatusFailed {
		t.Fatalf("status = %s, want failed once the budget is spent", stored.Status)
	}
}

func TestReconcileSkipsLockedOffer(t *testing.T) {
	env := newTestEnv(t)
	initiator := newWallet(t)
	receiver := newWallet(t)
	offer := env.createOffer(t, initiator, receiver, sides(nil, 1), sides(nil, 2))

	env.clock.Advance(25 * time.Hour)
	env.holdLock(t, offer.ID)
	defer env.engine.locks.Release(context.Background(), offer.ID)

	stats := env.engine.Reconcile(context.Background())
	if stats.Skipped != 1 || stats.Expired != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stored := env.reload(t, offer.ID); stored.Status != StatusPending {
		t.Fatalf("locked offer was modified: %s", stored.Status)
	}
}
