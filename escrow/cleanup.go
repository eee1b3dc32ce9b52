package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"midswap/observability/metrics"
)

// ReconcileStats summarizes one reconciliation sweep.
type ReconcileStats struct {
	Processed int      `json:"processed"`
	Expired   int      `json:"expired"`
	Cancelled int      `json:"cancelled"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Reconcile sweeps every stored offer and repairs interrupted flows:
// expired pending offers get their escrow returned, flagged cancellations
// are completed, and stuck escrowed offers are retried or force-unwound.
// Offers are handled independently; one failure never stops the sweep.
func (e *Engine) Reconcile(ctx context.Context) *ReconcileStats {
	stats := &ReconcileStats{}
	metrics.ReconcileRuns.Inc()

	keys, err := e.kv.Scan(ctx, "offer:*")
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("scan offers: %v", err))
		return stats
	}

	for _, key := range keys {
		select {
		case <-ctx.Done():
			stats.Errors = append(stats.Errors, "sweep aborted: "+ctx.Err().Error())
			return stats
		default:
		}

		offerID := strings.TrimPrefix(key, "offer:")
		offer, err := e.loadOffer(ctx, offerID)
		if err != nil {
			if err != ErrOfferNotFound {
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", offerID, err))
			}
			continue
		}

		now := e.now()
		var handle func(context.Context, *Offer) (string, error)
		switch {
		case offer.Status == StatusPending && offer.CancelRequested:
			handle = e.reconcileCancelRequested
		case offer.Status == StatusPending && offer.ExpiredBy(now):
			handle = e.reconcileExpired
		case offer.Status == StatusEscrowed && now.Sub(time.UnixMilli(offer.EscrowedAt)) >= e.policy.EscrowedGrace:
			handle = e.reconcileEscrowed
		default:
			continue
		}

		stats.Processed++
		ok, err := e.locks.Acquire(ctx, offerID, "cleanup")
		if err != nil || !ok {
			stats.Skipped++
			continue
		}

		// Re-read under the lock; the dispatch decision above raced with
		// live requests.
		offer, err = e.loadOffer(ctx, offerID)
		if err == nil {
			var outcome string
			outcome, err = handle(ctx, offer)
			switch outcome {
			case "expired":
				stats.Expired++
			case "cancelled":
				stats.Cancelled++
			case "completed":
				stats.Completed++
			case "failed":
				stats.Failed++
			}
			if outcome != "" {
				metrics.ReconcileOutcomes.WithLabelValues(outcome).Inc()
			}
		}
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", offerID, err))
		}
		e.locks.Release(ctx, offerID)
	}
	return stats
}

// reconcileExpired returns the initiator's escrow for a pending offer whose
// deadline passed, marking it expired. Returns that keep failing eventually
// move the offer to failed so the sweep stops spending retries on it.
func (e *Engine) reconcileExpired(ctx context.Context, offer *Offer) (string, error) {
	if offer.Status != StatusPending || !offer.ExpiredBy(e.now()) {
		return "", nil
	}
	if offer.Initiator.HasAssets() && offer.EscrowReturnTxSignature == "" {
		sig, err := e.custody.ReturnToInitiator(ctx, offer)
		if err != nil {
			offer.ExpiryRetryCount++
			offer.ReturnErrors = append(offer.ReturnErrors, fmt.Sprintf("expiry return: %v", err))
			if offer.ExpiryRetryCount > e.policy.MaxRetries {
				offer.Status = StatusFailed
				offer.FailedAt = e.now().UnixMilli()
				offer.FailedReason = fmt.Sprintf("escrow return failed after %d cleanup retries", e.policy.MaxRetries)
				e.saveOffer(ctx, offer)
				return "failed", fmt.Errorf("expiry return exhausted: %v", err)
			}
			e.saveOffer(ctx, offer)
			return "", fmt.Errorf("expiry return: %v", err)
		}
		offer.EscrowReturnTxSignature = sig
		e.txlog.AppendDetached(offer.ID, TxLogEntry{
			Timestamp: e.now().UnixMilli(), Action: "return_to_initiator", Actor: "cleanup", TxSig: sig,
		})
	}
	offer.Status = StatusExpired
	offer.ExpiredByCleanup = true
	e.saveOffer(ctx, offer)
	return "expired", nil
}

// reconcileCancelRequested finishes a cancellation whose escrow return
// failed at request time. A return that fails again records the error and
// leaves the offer pending; the requested cancellation is never abandoned.
func (e *Engine) reconcileCancelRequested(ctx context.Context, offer *Offer) (string, error) {
	if offer.Status != StatusPending || !offer.CancelRequested {
		return "", nil
	}
	if offer.Initiator.HasAssets() && offer.EscrowReturnTxSignature == "" {
		sig, err := e.custody.ReturnToInitiator(ctx, offer)
		if err != nil {
			offer.ReturnErrors = append(offer.ReturnErrors, fmt.Sprintf("cancel return: %v", err))
			e.saveOffer(ctx, offer)
			return "", fmt.Errorf("cancel return: %v", err)
		}
		offer.EscrowReturnTxSignature = sig
		e.txlog.AppendDetached(offer.ID, TxLogEntry{
			Timestamp: e.now().UnixMilli(), Action: "return_to_initiator", Actor: "cleanup", TxSig: sig,
		})
	}
	offer.Status = StatusCancelled
	offer.CancelledAt = e.now().UnixMilli()
	offer.CancelledByCleanup = true
	e.saveOffer(ctx, offer)
	return "cancelled", nil
}

// reconcileEscrowed repairs an offer stuck mid-settlement. Within the hard
// timeout it retries the outstanding phases; past the timeout, or once the
// retry budget is spent, it unwinds both sides back to their depositors.
func (e *Engine) reconcileEscrowed(ctx context.Context, offer *Offer) (string, error) {
	if offer.Status != StatusEscrowed {
		return "", nil
	}
	now := e.now()
	age := now.Sub(time.UnixMilli(offer.EscrowedAt))
	if age < e.policy.EscrowedGrace {
		return "", nil
	}

	if age >= e.policy.EscrowedLimit || offer.CleanupRetryCount >= e.policy.MaxRetries {
		errs := e.returnSides(ctx, offer, "cleanup")
		if len(errs) == 0 {
			offer.Status = StatusFailed
			offer.FailedAt = now.UnixMilli()
			offer.FailedReason = "escrow release timed out"
			e.saveOffer(ctx, offer)
			return "failed", nil
		}
		offer.CleanupRetryCount++
		offer.ReturnErrors = append(offer.ReturnErrors, errs...)
		e.saveOffer(ctx, offer)
		return "", fmt.Errorf("force return: %s", strings.Join(errs, "; "))
	}

	releaseErrs := e.runRelease(ctx, offer, "cleanup", false)
	if settled(offer) {
		offer.Status = StatusCompleted
		offer.CompletedAt = e.now().UnixMilli()
		e.saveOffer(ctx, offer)
		e.txlog.AppendDetached(offer.ID, TxLogEntry{
			Timestamp: offer.CompletedAt, Action: "completed", Actor: "cleanup",
		})
		return "completed", nil
	}
	offer.CleanupRetryCount++
	e.saveOffer(ctx, offer)
	msgs := make([]string, 0, len(releaseErrs))
	for _, re := range releaseErrs {
		msgs = append(msgs, re.Phase+": "+re.Error)
	}
	return "", fmt.Errorf("release retry: %s", strings.Join(msgs, "; "))
}

// ReconcileLoop runs the sweep on a fixed interval until its context ends.
type ReconcileLoop struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger
}

// NewReconcileLoop builds a loop over engine with the given interval.
func NewReconcileLoop(engine *Engine, interval time.Duration, log *slog.Logger) *ReconcileLoop {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileLoop{engine: engine, interval: interval, log: log}
}

// Run blocks, sweeping once per interval, until ctx is cancelled.
func (l *ReconcileLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := l.engine.Reconcile(ctx)
			l.log.Info("reconcile sweep finished",
				"processed", stats.Processed,
				"expired", stats.Expired,
				"cancelled", stats.Cancelled,
				"completed", stats.Completed,
				"failed", stats.Failed,
				"skipped", stats.Skipped,
				"errors", len(stats.Errors))
		}
	}
}
